package buildpool

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// GitDaemonConfig configures the git daemon that serves the coordinator's
// checkouts to agents, which clone git://host:port/owner/name
type GitDaemonConfig struct {
	Port       int
	ReposDir   string
	ListenAddr string // Optional: address to listen on (e.g., "127.0.0.1" for local only)
	Logger     *zap.Logger
}

// GitDaemon manages a git daemon process
type GitDaemon struct {
	config GitDaemonConfig
	cmd    *exec.Cmd
	done   chan error
	mu     sync.Mutex
	logger *zap.Logger
}

// NewGitDaemon creates a git daemon manager
func NewGitDaemon(config GitDaemonConfig) *GitDaemon {
	if config.Port == 0 {
		config.Port = 9418
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitDaemon{config: config, logger: logger}
}

// CloneURL returns the clone URL template agents use for host
func (d *GitDaemon) CloneURL(host string) string {
	return fmt.Sprintf("git://%s:%d/%%s", host, d.config.Port)
}

// Args returns the command-line arguments for git daemon. Every
// repository below ReposDir is exported read-only.
func (d *GitDaemon) Args() []string {
	args := []string{
		"daemon",
		"--reuseaddr",
		fmt.Sprintf("--port=%d", d.config.Port),
		fmt.Sprintf("--base-path=%s", d.config.ReposDir),
		"--export-all",
	}
	if d.config.ListenAddr != "" {
		args = append(args, fmt.Sprintf("--listen=%s", d.config.ListenAddr))
	}
	return args
}

// Start starts the git daemon; it stops when ctx ends
func (d *GitDaemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cmd = exec.CommandContext(ctx, "git", d.Args()...)
	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("starting git daemon: %w", err)
	}
	d.done = make(chan error, 1)
	go func(cmd *exec.Cmd, done chan<- error) {
		done <- cmd.Wait()
	}(d.cmd, d.done)

	// an immediate exit means the port is taken or git is missing
	select {
	case err := <-d.done:
		d.done <- err
		return fmt.Errorf("git daemon exited immediately after start: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	d.logger.Info("git daemon started",
		zap.Int("port", d.config.Port),
		zap.String("repos_dir", d.config.ReposDir))
	return nil
}

// Stop stops the git daemon gracefully
func (d *GitDaemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	d.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-d.done:
		return nil
	case <-time.After(5 * time.Second):
		// Force kill if not responding
		return d.cmd.Process.Kill()
	}
}
