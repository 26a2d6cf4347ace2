// Package sandboxtest provides a scripted environment for tests.
package sandboxtest

import (
	"context"
	"strings"
	"sync"

	"github.com/hochfrequenz/crab-verify/internal/sandbox"
)

// Step scripts the response to commands containing Match
type Step struct {
	Match    string
	ExitCode int
	Output   string
	Err      error
	// Block waits for the call context to end and returns its error
	Block bool
	// Do runs before the result is returned, e.g. to write report files
	Do func()
	// Respond replaces the static result when set
	Respond func(command string) (sandbox.ExecResult, error)
}

// Env is a fake sandbox.Environment. Steps are matched in order; the
// first step whose Match is a substring of the command wins. Unmatched
// commands succeed with empty output.
type Env struct {
	mu       sync.Mutex
	steps    []Step
	commands []string
	closed   int
}

// New returns an environment answering with steps
func New(steps ...Step) *Env {
	return &Env{steps: steps}
}

// Exec implements sandbox.Environment
func (e *Env) Exec(ctx context.Context, command string) (sandbox.ExecResult, error) {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	var step *Step
	for i := range e.steps {
		if strings.Contains(command, e.steps[i].Match) {
			step = &e.steps[i]
			break
		}
	}
	e.mu.Unlock()

	if step == nil {
		return sandbox.ExecResult{}, nil
	}
	if step.Do != nil {
		step.Do()
	}
	if step.Respond != nil {
		return step.Respond(command)
	}
	if step.Block {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			return sandbox.ExecResult{ExitCode: -1, Output: step.Output}, sandbox.ErrTimeout
		}
		return sandbox.ExecResult{ExitCode: -1, Output: step.Output}, ctx.Err()
	}
	return sandbox.ExecResult{ExitCode: step.ExitCode, Output: step.Output}, step.Err
}

// Close implements sandbox.Environment
func (e *Env) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

// Commands returns the commands executed so far
func (e *Env) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Closed returns how often Close was called
func (e *Env) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Opener hands out Env and records the requested specs
type Opener struct {
	Env     *Env
	OpenErr error

	mu    sync.Mutex
	specs []sandbox.Spec
}

// Open implements sandbox.Opener
func (o *Opener) Open(_ context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	o.mu.Lock()
	o.specs = append(o.specs, spec)
	o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	return o.Env, nil
}

// Specs returns the specs passed to Open
func (o *Opener) Specs() []sandbox.Spec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sandbox.Spec(nil), o.specs...)
}
