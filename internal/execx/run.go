// Package execx provides a small seam over external command execution so
// git and tmux calls can be faked in tests.
package execx

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Stderr extracts trimmed stderr from an exec error, or the error text when
// no stderr was captured. Used to surface git's own message in wrapped errors.
func Stderr(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg := strings.TrimSpace(string(exitErr.Stderr)); msg != "" {
			return msg
		}
	}
	return err.Error()
}

// IsExitError reports whether err is a non-zero exit from the command itself
// rather than a spawn or timeout failure.
func IsExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
