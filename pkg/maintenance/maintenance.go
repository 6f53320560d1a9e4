// Package maintenance implements the scoped maintenance window around the
// snapshot copy.
//
// Entering the window disables external write access to the source
// application; leaving it re-enables access. Leave runs on every exit path
// and is idempotent, so the application is never left in a degraded
// maintenance state because the copy in between failed. A failed Leave is
// reported loudly but never aborts the run.
package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/groupware-tools/gwbackup/pkg/runlog"
	"github.com/groupware-tools/gwbackup/pkg/toolexec"
)

// Window represents an entered maintenance window. It must be left exactly
// once; additional Leave calls are no-ops.
type Window struct {
	exec       *toolexec.Executor
	offCommand string
	log        *runlog.Logger
	dryRun     bool
	once       sync.Once
}

// Enter runs the maintenance-on toggle and returns the window guard. If the
// toggle itself fails, no window is entered and the error is fatal: copying
// live data without the write fence would produce an inconsistent snapshot.
func Enter(ctx context.Context, exec *toolexec.Executor, onCommand, offCommand string, log *runlog.Logger, dryRun bool) (*Window, error) {
	w := &Window{
		exec:       exec,
		offCommand: offCommand,
		log:        log,
		dryRun:     dryRun,
	}

	if dryRun {
		log.Infow("[DRY RUN] Would enable maintenance mode", "command", onCommand)
		return w, nil
	}

	log.Infow("Enabling maintenance mode", "command", onCommand)
	if err := exec.Run(ctx, onCommand, log.RawWriter(), log.RawWriter()); err != nil {
		return nil, fmt.Errorf("could not enable maintenance mode: %w", err)
	}
	return w, nil
}

// Leave re-enables write access to the application. It ignores the caller's
// cancellation state: the toggle must still be released when the run is
// interrupted, so the off command runs on a detached context.
func (w *Window) Leave(ctx context.Context) {
	w.once.Do(func() {
		if w.dryRun {
			w.log.Infow("[DRY RUN] Would disable maintenance mode", "command", w.offCommand)
			return
		}

		w.log.Infow("Disabling maintenance mode", "command", w.offCommand)
		if err := w.exec.Run(context.WithoutCancel(ctx), w.offCommand, w.log.RawWriter(), w.log.RawWriter()); err != nil {
			// Half-bracketed maintenance state: warn, never abort.
			w.log.Warnw("Failed to disable maintenance mode; the application may still be in maintenance state",
				"command", w.offCommand, "error", err)
		}
	})
}
