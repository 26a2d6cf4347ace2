// Package sandbox runs build commands in an isolated environment bound
// to one repository checkout.
package sandbox

import (
	"context"
	"errors"
)

// ErrTimeout is returned by Exec when the call deadline passed before the
// command finished. The partial output is still returned.
var ErrTimeout = errors.New("command exceeded its time budget")

// ExecResult is the outcome of one command. Output interleaves stdout and stderr.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Environment is a live execution environment. It is owned by a single
// verification run and must be closed on every exit path.
type Environment interface {
	// Exec runs a shell command in the checkout. A deadline on ctx bounds
	// the call; breaching it returns ErrTimeout.
	Exec(ctx context.Context, command string) (ExecResult, error)
	// Close destroys the environment
	Close(ctx context.Context) error
}

// Spec describes the environment to open
type Spec struct {
	// Image is the container image of the build family
	Image string
	// HostDir is the checkout bound into the environment read-write
	HostDir string
}

// Opener creates environments
type Opener interface {
	Open(ctx context.Context, spec Spec) (Environment, error)
}

// classify maps a finished call's context state to the sandbox error
func classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
