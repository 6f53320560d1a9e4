// Package toolexec runs the external collaborators of the pipeline (the
// maintenance-mode toggle and the application export utility) as opaque
// shell commands with a known contract: zero exit means success.
package toolexec

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// CommandContext matches exec.CommandContext and allows mocking os/exec in tests.
type CommandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Executor invokes external tool command lines through the platform shell.
type Executor struct {
	commandContext CommandContext
}

// NewExecutor creates an Executor. A nil commandContext uses os/exec directly.
func NewExecutor(commandContext CommandContext) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{commandContext: commandContext}
}

// Run executes a single tool command line and waits for completion. The
// tool's stdout and stderr are piped to the given writers (normally the run
// log). A non-zero exit is returned as an error naming the command.
func (e *Executor) Run(ctx context.Context, command string, stdout, stderr io.Writer) error {
	cmd := e.createCommand(ctx, command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		// cmd.Wait can surface the cancellation as a kill error; report the
		// cancellation itself in that case.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("command '%s' failed: %w", command, err)
	}
	return nil
}
