package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// ExecResult is the outcome of a shell command.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Shell runs commands on behalf of a session.
type Shell interface {
	Exec(ctx context.Context, sessionID, cwd, command string) (ExecResult, error)
}

// LocalShell runs commands with bash on the host.
type LocalShell struct{}

// Exec implements Shell. A non-zero exit status is reported in the result,
// not as an error.
func (LocalShell) Exec(ctx context.Context, _ string, cwd, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = cwd

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return ExecResult{Output: out.String(), ExitCode: -1}, ctx.Err()
		}
		return ExecResult{Output: out.String(), ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("run command: %w", err)
	}
	return ExecResult{Output: out.String()}, nil
}
