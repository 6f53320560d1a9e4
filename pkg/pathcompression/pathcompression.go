// Package pathcompression writes the compressed tar archives of the
// pipeline: the per-run export archive and the rotation bundles of
// superseded runs.
//
// Archives are written to a temporary file next to the final path and
// renamed into place on success, so a crashed run never leaves a partial
// archive under a final name.
package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/groupware-tools/gwbackup/pkg/runlog"
	"github.com/groupware-tools/gwbackup/pkg/util"
)

const ioBufferSize = 256 * 1024

// Entry is one root to include in an archive. A directory entry adds its
// whole tree below ArchivePath; a file entry is stored at ArchivePath
// itself. ArchivePath uses forward slashes.
type Entry struct {
	AbsPath     string
	ArchivePath string
}

// Compressor bundles filesystem entries into compressed tar archives.
type Compressor struct {
	format Format
	log    *runlog.Logger
	dryRun bool
}

// NewCompressor creates a Compressor for the given format.
func NewCompressor(format Format, log *runlog.Logger, dryRun bool) *Compressor {
	return &Compressor{format: format, log: log, dryRun: dryRun}
}

// Format returns the configured archive format.
func (c *Compressor) Format() Format {
	return c.format
}

// Compress writes all entries into a single archive at absArchivePath.
func (c *Compressor) Compress(ctx context.Context, entries []Entry, absArchivePath string) (retErr error) {
	if c.dryRun {
		c.log.Infow("[DRY RUN] Would compress", "archive", absArchivePath, "entries", len(entries))
		return nil
	}

	trgF, err := os.CreateTemp(filepath.Dir(absArchivePath), "gwbackup-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Remove the temp file on any failure path.
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	if err := c.writeArchive(ctx, trgF, entries); err != nil {
		return err
	}

	if err := trgF.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tempTrgPath, absArchivePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	c.log.Infow("Archive written", "archive", absArchivePath)
	return nil
}

func (c *Compressor) writeArchive(ctx context.Context, w io.Writer, entries []Entry) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, ioBufferSize)

	var compressedWriter io.WriteCloser
	if c.format == TarZst {
		zstdWriter, err := zstd.NewWriter(bufWriter)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zstdWriter
	} else {
		pgzipWriter, err := pgzip.NewWriterLevel(bufWriter, pgzip.DefaultCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = pgzipWriter
	}

	tw := tar.NewWriter(compressedWriter)

	// Close order matters: tar trailer, codec footer, then flush the buffer.
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	for _, entry := range entries {
		if err := c.addEntry(ctx, tw, entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compressor) addEntry(ctx context.Context, tw *tar.Writer, entry Entry) error {
	info, err := os.Lstat(entry.AbsPath)
	if err != nil {
		return fmt.Errorf("failed to stat archive entry %s: %w", entry.AbsPath, err)
	}

	if !info.IsDir() {
		return writeEntry(tw, entry.AbsPath, entry.ArchivePath, info)
	}

	return filepath.WalkDir(entry.AbsPath, func(absPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(entry.AbsPath, absPath)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", absPath, err)
		}
		name := path.Join(entry.ArchivePath, util.NormalizePath(relPath))
		if name == "." || name == "" {
			return nil
		}

		itemInfo, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", absPath, err)
		}
		return writeEntry(tw, absPath, name, itemInfo)
	})
}

// writeEntry writes a single tar header (plus content for regular files).
func writeEntry(tw *tar.Writer, absPath, name string, info os.FileInfo) error {
	var linkTarget string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		linkTarget, err = os.Readlink(absPath)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", absPath, err)
		}
	}

	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", name, err)
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	return nil
}
