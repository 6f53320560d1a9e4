//go:build !windows

package toolexec

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand creates an exec.Cmd for a tool command on Unix-like systems.
func (e *Executor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "/bin/sh", "-c", command)
	// Create a new process group so that cancellation can signal the entire
	// tree, not just the shell.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
