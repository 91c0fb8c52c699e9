// Package proc runs external commands with full output capture.
//
// Every command started here is reaped on all exit paths: normal exit,
// non-zero exit, context cancellation and timeout. Output is captured in
// full before it is handed back, so callers never parse a half-written
// stream.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrProcess is matched by every *ProcessError.
var ErrProcess = errors.New("process failed")

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 2 * time.Second

// ProcessError describes a failed external command.
type ProcessError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Command, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcess}
	}
	return []error{ErrProcess, e.Err}
}

// Command is a single invocation of an external binary.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string      // appended to the current environment when set
	Timeout time.Duration // zero means no timeout beyond ctx
}

// New returns a Command running name with args in dir.
func New(dir, name string, args ...string) *Command {
	return &Command{Name: name, Args: args, Dir: dir}
}

// WithTimeout sets the per-invocation timeout.
func (c *Command) WithTimeout(d time.Duration) *Command {
	c.Timeout = d
	return c
}

// Output runs the command and returns its complete stdout. A non-zero exit,
// a start failure or a timeout yields a *ProcessError carrying stderr.
func (c *Command) Output(ctx context.Context) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		perr := &ProcessError{
			Command:  c.Name,
			Args:     c.Args,
			ExitCode: -1,
			Stderr:   stderr.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			perr.Err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return stdout.Bytes(), perr
	}
	return stdout.Bytes(), nil
}

// Available reports whether name resolves to an executable on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
