package buildpool

import (
	"context"
	"os/exec"
	"testing"
)

func TestGitDaemon_Args(t *testing.T) {
	daemon := NewGitDaemon(GitDaemonConfig{
		Port:     9999,
		ReposDir: "/srv/repos",
	})

	expected := []string{
		"daemon",
		"--reuseaddr",
		"--port=9999",
		"--base-path=/srv/repos",
		"--export-all",
	}

	args := daemon.Args()
	if len(args) != len(expected) {
		t.Fatalf("expected %d args, got %d: %v", len(expected), len(args), args)
	}
	for i, exp := range expected {
		if args[i] != exp {
			t.Errorf("arg[%d]: expected %q, got %q", i, exp, args[i])
		}
	}
}

func TestGitDaemon_DefaultPort(t *testing.T) {
	daemon := NewGitDaemon(GitDaemonConfig{ReposDir: "/tmp"})

	if got := daemon.CloneURL("central"); got != "git://central:9418/%s" {
		t.Errorf("got clone url %q", got)
	}
}

func TestGitDaemon_ListenAddr(t *testing.T) {
	tests := []struct {
		name       string
		listenAddr string
		want       string
	}{
		{"default", "", ""},
		{"localhost", "127.0.0.1", "--listen=127.0.0.1"},
		{"any", "0.0.0.0", "--listen=0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewGitDaemon(GitDaemonConfig{ReposDir: "/tmp", ListenAddr: tt.listenAddr})

			var listen string
			for _, arg := range d.Args() {
				if len(arg) > 9 && arg[:9] == "--listen=" {
					listen = arg
				}
			}
			if listen != tt.want {
				t.Errorf("got listen flag %q, want %q", listen, tt.want)
			}
		})
	}
}

func TestGitDaemon_StartStop(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	daemon := NewGitDaemon(GitDaemonConfig{
		Port:       19418, // High port to avoid conflicts
		ReposDir:   t.TempDir(),
		ListenAddr: "127.0.0.1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		t.Skipf("git daemon unavailable: %v", err)
	}
	if err := daemon.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
