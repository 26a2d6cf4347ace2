package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// GracePeriod is the time between SIGINT and SIGKILL when a command is stopped
var GracePeriod = 3 * time.Second

// LocalOpener runs commands directly on the host inside the checkout.
// Used where Docker is unavailable; the build tools must be installed.
type LocalOpener struct{}

// Open returns an environment bound to spec.HostDir
func (LocalOpener) Open(_ context.Context, spec Spec) (Environment, error) {
	info, err := os.Stat(spec.HostDir)
	if err != nil {
		return nil, fmt.Errorf("opening local environment: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening local environment: %s is not a directory", spec.HostDir)
	}
	return &Local{dir: spec.HostDir}, nil
}

// Local executes with sh -c in its own process group
type Local struct {
	dir string

	mu     sync.Mutex
	closed bool
}

// lockedBuffer lets stdout and stderr share one buffer
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Exec runs command and waits for it, killing the process group when ctx ends
func (l *Local) Exec(ctx context.Context, command string) (ExecResult, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ExecResult{}, errors.New("environment closed")
	}

	var out lockedBuffer
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = l.dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("starting command: %w", err)
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	var runErr error
	select {
	case runErr = <-waitDone:
	case <-ctx.Done():
		killProcessGroup(pgid)
		<-waitDone
		return ExecResult{ExitCode: -1, Output: out.String()}, classify(ctx, ctx.Err())
	}

	result := ExecResult{Output: out.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, fmt.Errorf("running command: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// Close marks the environment unusable. The checkout itself is left alone.
func (l *Local) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// killProcessGroup sends SIGINT to the group, waits GracePeriod, then SIGKILL
func killProcessGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGINT)
	time.Sleep(GracePeriod)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
