// Package pathretention deletes aged artifacts from the destination tree.
//
// Files (never directories) under old/, database/ and logs/ whose
// modification age exceeds the retention threshold in whole days are
// removed. Deletion is best-effort per file: one unremovable file is logged
// and does not abort pruning of the rest.
package pathretention

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/groupware-tools/gwbackup/pkg/config"
	"github.com/groupware-tools/gwbackup/pkg/hints"
	"github.com/groupware-tools/gwbackup/pkg/runlog"
)

// DefaultWorkers is the size of the deletion worker pool. Parallel deletes
// help on network drives where latency dominates.
const DefaultWorkers = 4

// ErrPruningDisabled signals that the retention threshold is the sentinel
// value and the stage is skipped entirely.
var ErrPruningDisabled = hints.New("pruning is disabled")

// Pruner applies the age threshold to the artifact directories.
type Pruner struct {
	retentionDays int
	workers       int
	log           *runlog.Logger
	dryRun        bool
}

// NewPruner creates a Pruner. workers <= 0 selects DefaultWorkers.
func NewPruner(retentionDays, workers int, log *runlog.Logger, dryRun bool) *Pruner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pruner{retentionDays: retentionDays, workers: workers, log: log, dryRun: dryRun}
}

// Prune deletes every file under the given directories older than the
// threshold. A file aged exactly the threshold is retained; one day beyond
// it is deleted. now anchors the age computation for the whole stage.
func (p *Pruner) Prune(ctx context.Context, dirs []string, now time.Time) error {
	if p.retentionDays == config.RetentionDisabled {
		return ErrPruningDisabled
	}

	eligible, err := p.collectEligible(ctx, dirs, now)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		p.log.Infow("No artifacts exceed the retention threshold", "retentionDays", p.retentionDays)
		return nil
	}

	p.log.Infow("Pruning aged artifacts", "retentionDays", p.retentionDays, "count", len(eligible))

	var deleted, failed int64
	var mu sync.Mutex
	tasks := make(chan string, p.workers*2)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if p.dryRun {
					p.log.Infow("[DRY RUN] Would delete", "path", path)
					continue
				}
				if err := os.Remove(path); err != nil {
					// Best effort per file; keep pruning the rest.
					p.log.Warnw("Failed to delete aged artifact", "path", path, "error", err)
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}
				mu.Lock()
				deleted++
				mu.Unlock()
			}
		}()
	}

	// Feed the jobs in a separate goroutine so this function can simply wait
	// for the workers to finish.
	go func() {
		defer close(tasks)
		for _, path := range eligible {
			select {
			case <-ctx.Done():
				return
			case tasks <- path:
			}
		}
	}()

	wg.Wait()

	p.log.Infow("Pruning finished", "deleted", deleted, "failed", failed)
	return nil
}

// collectEligible walks the directories and returns the files whose
// whole-day age exceeds the threshold. Directories are never candidates.
func (p *Pruner) collectEligible(ctx context.Context, dirs []string, now time.Time) ([]string, error) {
	var eligible []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				if os.IsNotExist(walkErr) {
					return filepath.SkipDir
				}
				// Unreadable entries are skipped, not fatal.
				p.log.Warnw("Cannot inspect path during pruning", "path", path, "error", walkErr)
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				p.log.Warnw("Cannot stat file during pruning", "path", path, "error", err)
				return nil
			}

			ageDays := int(now.Sub(info.ModTime()).Hours() / 24)
			if ageDays > p.retentionDays {
				eligible = append(eligible, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return eligible, nil
}
