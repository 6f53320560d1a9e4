// Package engine orchestrates one backup run from start to finish.
//
// The stages (rotate, snapshot, export, prune) execute strictly
// sequentially, because each depends on state the previous one left behind. Each
// stage is timed, and the engine writes the final success line; a run log
// without that line is the caller's signal of failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groupware-tools/gwbackup/pkg/config"
	"github.com/groupware-tools/gwbackup/pkg/export"
	"github.com/groupware-tools/gwbackup/pkg/hints"
	"github.com/groupware-tools/gwbackup/pkg/layout"
	"github.com/groupware-tools/gwbackup/pkg/lockfile"
	"github.com/groupware-tools/gwbackup/pkg/maintenance"
	"github.com/groupware-tools/gwbackup/pkg/pathcompression"
	"github.com/groupware-tools/gwbackup/pkg/pathretention"
	"github.com/groupware-tools/gwbackup/pkg/pathsync"
	"github.com/groupware-tools/gwbackup/pkg/rotation"
	"github.com/groupware-tools/gwbackup/pkg/runlog"
	"github.com/groupware-tools/gwbackup/pkg/toolexec"
)

// Runner executes the backup pipeline for one resolved run.
type Runner struct {
	cfg            config.Run
	log            *runlog.Logger
	commandContext toolexec.CommandContext
}

// Option customizes a Runner.
type Option func(*Runner)

// WithCommandContext replaces the os/exec factory used for external tools,
// primarily for testing.
func WithCommandContext(commandContext toolexec.CommandContext) Option {
	return func(r *Runner) {
		r.commandContext = commandContext
	}
}

// New creates a Runner for the given run description.
func New(cfg config.Run, log *runlog.Logger, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the pipeline from rotation through pruning and writes the
// final report line. It returns an error as soon as a stage fails; stages
// after a failure do not run.
func (r *Runner) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := time.Now()
	lay := r.cfg.Layout

	r.log.Infow("Starting backup run",
		"run", r.cfg.TimestampKey(),
		"source", r.cfg.Source,
		"destination", r.cfg.DestRoot,
		"retentionDays", r.cfg.RetentionDays,
		"rotate", r.cfg.Rotate,
	)

	// The destination root may have been freshly created by the outer
	// ensure; re-ensure the working subdirectories inside the run.
	if err := layout.Ensure(lay.WorkingDirs()...); err != nil {
		return err
	}

	releaseLock, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if releaseLock == nil {
		// Terminal record for a no-op run. Monitoring can tell this log
		// apart from one of a run that died before its completion line.
		r.log.Infow("Backup run skipped", "run", r.cfg.TimestampKey(), "reason", "another run is active for this destination")
		return nil
	}
	defer releaseLock()

	format, err := pathcompression.ParseFormat(r.cfg.Tools.ArchiveFormat)
	if err != nil {
		return err
	}
	compressor := pathcompression.NewCompressor(format, r.log, r.cfg.DryRun)
	executor := toolexec.NewExecutor(r.commandContext)

	// --- 1. Rotate the previous run into cold storage ---
	if r.cfg.Rotate {
		rotator := rotation.NewRotator(compressor, r.log)
		if err := r.runStage(ctx, "rotate", func(ctx context.Context) error {
			return rotator.Rotate(ctx, lay)
		}); err != nil {
			return err
		}
	} else {
		r.log.Infow("Rotation not requested, previous snapshot will be overwritten in place")
	}

	// --- 2. Snapshot the live data inside a maintenance window ---
	if err := r.runStage(ctx, "snapshot", func(ctx context.Context) error {
		window, err := maintenance.Enter(ctx, executor, r.cfg.Tools.MaintenanceOn, r.cfg.Tools.MaintenanceOff, r.log, r.cfg.DryRun)
		if err != nil {
			return err
		}
		// Leave runs on every exit path; the explicit call below releases
		// the window before the next stage, the defer is the safety net.
		defer window.Leave(ctx)

		syncer := pathsync.NewSyncer(r.log, 0, r.cfg.DryRun)
		copyErr := syncer.Sync(ctx, r.cfg.Source, lay.DataDir)
		window.Leave(ctx)
		return copyErr
	}); err != nil {
		return err
	}

	// --- 3. Export the application state ---
	exporter := export.NewExporter(r.cfg.Tools, executor, compressor, r.log, r.cfg.DryRun)
	if err := r.runStage(ctx, "export", func(ctx context.Context) error {
		return exporter.Run(ctx, lay, r.cfg)
	}); err != nil {
		return err
	}

	// --- 4. Prune aged artifacts ---
	pruner := pathretention.NewPruner(r.cfg.RetentionDays, 0, r.log, r.cfg.DryRun)
	if err := r.runStage(ctx, "prune", func(ctx context.Context) error {
		return pruner.Prune(ctx, []string{lay.ArchiveDir, lay.DatabaseDir, lay.LogDir}, r.cfg.Timestamp)
	}); err != nil {
		return err
	}

	// The final report line. Monitoring treats its absence as failure.
	r.log.Infow("Backup run completed",
		"run", r.cfg.TimestampKey(),
		"elapsed", runlog.FormatElapsed(time.Since(start)),
	)
	return nil
}

// runStage executes one stage with timing and the hint-aware skip handling.
func (r *Runner) runStage(ctx context.Context, name string, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := time.Now()
	r.log.Infow("Stage starting", "stage", name)

	err := fn(ctx)
	elapsed := runlog.FormatElapsed(time.Since(start))

	switch {
	case hints.IsHint(err):
		r.log.Infow("Stage skipped", "stage", name, "reason", err.Error(), "elapsed", elapsed)
		return nil
	case err != nil:
		r.log.Errorw("Stage failed", "stage", name, "elapsed", elapsed, "error", err)
		return err
	default:
		r.log.Infow("Stage completed", "stage", name, "elapsed", elapsed)
		return nil
	}
}

// acquireLock ensures only one run mutates the destination root at a time.
// It returns a release function, or (nil, nil) when another run holds the
// lock and this run should exit gracefully.
func (r *Runner) acquireLock(ctx context.Context) (func(), error) {
	appID := fmt.Sprintf("gwbackup:%s", r.cfg.DestRoot)

	lock, err := lockfile.Acquire(ctx, r.cfg.DestRoot, appID, r.log)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			r.log.Warnw("A run is already active for this destination, skipping", "details", lockErr.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return lock.Release, nil
}
