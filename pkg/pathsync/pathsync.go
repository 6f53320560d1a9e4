// Package pathsync copies the live application data into the snapshot
// directory.
//
// The copy preserves file modes and modification times and overwrites the
// previous snapshot at file level; whole-tree atomicity is not required. A
// single producer walks the source tree while a pool of workers performs the
// file I/O, which keeps throughput up on network-backed destinations.
package pathsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/groupware-tools/gwbackup/pkg/runlog"
)

// DefaultWorkers is the size of the copy worker pool.
const DefaultWorkers = 4

// syncItem holds the metadata a worker needs to copy one entry without
// re-fetching filesystem stats.
type syncItem struct {
	absSrcPath string
	absTrgPath string
	info       os.FileInfo
}

// Syncer copies a directory tree, preserving attributes.
type Syncer struct {
	log     *runlog.Logger
	workers int
	dryRun  bool
}

// NewSyncer creates a Syncer. workers <= 0 selects DefaultWorkers.
func NewSyncer(log *runlog.Logger, workers int, dryRun bool) *Syncer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Syncer{log: log, workers: workers, dryRun: dryRun}
}

// Sync copies the full contents of absSrcPath into absTrgPath. Existing
// files in the target are overwritten in place; files that only exist in the
// target are left alone (they are superseded artifacts, handled by rotation).
func (s *Syncer) Sync(ctx context.Context, absSrcPath, absTrgPath string) error {
	if s.dryRun {
		s.log.Infow("[DRY RUN] Would copy snapshot", "source", absSrcPath, "target", absTrgPath)
		return nil
	}

	var filesCopied, bytesCopied atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan syncItem, s.workers*2)

	// Producer: walk the source, create directories synchronously so every
	// file task finds its parent in place, and feed files to the workers.
	g.Go(func() error {
		defer close(items)
		return filepath.WalkDir(absSrcPath, func(absPath string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			relPath, err := filepath.Rel(absSrcPath, absPath)
			if err != nil {
				return fmt.Errorf("could not get relative path for %s: %w", absPath, err)
			}
			trgPath := filepath.Join(absTrgPath, relPath)

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("could not get file info for %s: %w", absPath, err)
			}

			if d.IsDir() {
				// Keep the owner-write bit so subsequent runs can always
				// overwrite, even when the source directory is read-only.
				if err := os.MkdirAll(trgPath, info.Mode().Perm()|0200); err != nil {
					return fmt.Errorf("could not create directory %s: %w", trgPath, err)
				}
				return nil
			}

			select {
			case items <- syncItem{absSrcPath: absPath, absTrgPath: trgPath, info: info}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	// Consumers: copy files and recreate symlinks.
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			buf := make([]byte, 256*1024)
			for item := range items {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}

				if item.info.Mode()&os.ModeSymlink != 0 {
					if err := copySymlink(item.absSrcPath, item.absTrgPath); err != nil {
						return err
					}
					filesCopied.Add(1)
					continue
				}
				n, err := copyFile(item.absSrcPath, item.absTrgPath, item.info, buf)
				if err != nil {
					return err
				}
				filesCopied.Add(1)
				bytesCopied.Add(n)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("snapshot copy failed: %w", err)
	}

	s.log.Infow("Snapshot copied", "files", filesCopied.Load(), "bytes", bytesCopied.Load())
	return nil
}

// copyFile copies a regular file, preserving mode and modification time.
// Overwrite is file-level: the target is truncated in place.
func copyFile(absSrcPath, absTrgPath string, info os.FileInfo, buf []byte) (int64, error) {
	src, err := os.Open(absSrcPath)
	if err != nil {
		return 0, fmt.Errorf("could not open source file %s: %w", absSrcPath, err)
	}
	defer src.Close()

	perm := info.Mode().Perm()
	trg, err := os.OpenFile(absTrgPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		// A read-only leftover from a previous run blocks the overwrite;
		// restore the owner-write bit once and retry.
		if chmodErr := os.Chmod(absTrgPath, perm|0200); chmodErr != nil {
			return 0, fmt.Errorf("could not create target file %s: %w", absTrgPath, err)
		}
		trg, err = os.OpenFile(absTrgPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return 0, fmt.Errorf("could not create target file %s: %w", absTrgPath, err)
		}
	}

	n, err := io.CopyBuffer(trg, src, buf)
	if closeErr := trg.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("could not copy %s: %w", absSrcPath, err)
	}

	// Propagate the exact source mode and timestamps to the snapshot.
	if err := os.Chmod(absTrgPath, perm); err != nil {
		return n, fmt.Errorf("could not set permissions on %s: %w", absTrgPath, err)
	}
	if err := os.Chtimes(absTrgPath, info.ModTime(), info.ModTime()); err != nil {
		return n, fmt.Errorf("could not set times on %s: %w", absTrgPath, err)
	}
	return n, nil
}

// copySymlink recreates a symlink at the target path, replacing any existing
// entry.
func copySymlink(absSrcPath, absTrgPath string) error {
	linkTarget, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("could not read link %s: %w", absSrcPath, err)
	}
	if err := os.Remove(absTrgPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not replace link %s: %w", absTrgPath, err)
	}
	if err := os.Symlink(linkTarget, absTrgPath); err != nil {
		return fmt.Errorf("could not create link %s: %w", absTrgPath, err)
	}
	return nil
}
