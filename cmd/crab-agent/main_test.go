package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/crab-verify/internal/buildworker"
)

func newTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	serverURLs, workerID, maxJobs, reposDir, debug = nil, "", 2, "", false
	cmd := &cobra.Command{Use: "crab-agent", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().StringArrayVar(&serverURLs, "server", nil, "")
	cmd.Flags().StringVar(&workerID, "id", "", "")
	cmd.Flags().IntVar(&maxJobs, "jobs", 2, "")
	cmd.Flags().StringVar(&reposDir, "repos", "", "")
	cmd.Flags().BoolVar(&debug, "debug", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	content := `
[[servers]]
url = "ws://coord-a:8081/ws"
name = "a"

[[servers]]
url = "ws://coord-b:8081/ws"

[agent]
id = "builder-1"
max_jobs = 3

[general]
repos_dir = "/srv/repos"
clone_url = "git://coord-a:9418/%s"

[sandbox]
driver = "local"

[timeouts]
compile = "30m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Servers, 2)
	assert.Equal(t, "a", cfg.Servers[0].Name)
	assert.Equal(t, "builder-1", cfg.Agent.ID)
	assert.Equal(t, 3, cfg.Agent.MaxJobs)
	assert.Equal(t, "/srv/repos", cfg.General.ReposDir)
	assert.Equal(t, "git://coord-a:9418/%s", cfg.General.CloneURL)
	assert.Equal(t, "local", cfg.Sandbox.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Compile.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, time.Hour, cfg.Timeouts.Test.Duration)
	assert.Equal(t, "crab-maven", cfg.Sandbox.MavenImage)

	shared := cfg.shared()
	assert.Equal(t, "/srv/repos", shared.General.ReposDir)
	assert.Equal(t, "local", shared.Sandbox.Driver)
	assert.NoError(t, shared.Validate())
}

func TestLoadConfig_NoFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
	assert.Equal(t, "docker", cfg.Sandbox.Driver)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte("[agent\n"), 0644))
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestApplyFlags_OverrideConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	cfg.Servers = []ServerEntry{{URL: "ws://from-file/ws"}}
	cfg.Agent.ID = "from-file"
	cfg.Agent.MaxJobs = 5

	cmd := newTestCmd(t, "--server", "ws://a/ws", "--server", "ws://b/ws", "--jobs", "1", "--repos", "/tmp/r", "--debug")
	applyFlags(cmd, cfg)

	assert.Equal(t, []ServerEntry{{URL: "ws://a/ws"}, {URL: "ws://b/ws"}}, cfg.Servers)
	assert.Equal(t, "from-file", cfg.Agent.ID)
	assert.Equal(t, 1, cfg.Agent.MaxJobs)
	assert.Equal(t, "/tmp/r", cfg.General.ReposDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyFlags_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	applyFlags(newTestCmd(t), cfg)

	hostname, _ := os.Hostname()
	assert.Equal(t, hostname, cfg.Agent.ID)
	assert.Equal(t, 2, cfg.Agent.MaxJobs)
}

func TestClientConfig(t *testing.T) {
	cfg := &Config{Servers: []ServerEntry{{URL: "ws://a/ws", Name: "a"}}}
	cfg.Agent.ID = "w1"

	got := cfg.clientConfig()
	assert.Equal(t, buildworker.MultiClientConfig{
		Servers:  []buildworker.ServerConfig{{URL: "ws://a/ws", Name: "a"}},
		WorkerID: "w1",
	}, got)
	assert.NoError(t, got.Validate())

	assert.Error(t, (&Config{}).clientConfig().Validate())
}

func TestRenderUnit(t *testing.T) {
	unit, err := renderUnit(unitConfig{
		ExecStart: "/usr/local/bin/crab-agent --repos /var/lib/crab-agent/repos",
		User:      "crab",
		Group:     "crab",
		ReposDir:  "/var/lib/crab-agent/repos",
		Docker:    true,
	})
	require.NoError(t, err)

	assert.Contains(t, unit, "ExecStart=/usr/local/bin/crab-agent --repos /var/lib/crab-agent/repos\n")
	assert.Contains(t, unit, "User=crab\n")
	assert.Contains(t, unit, "SupplementaryGroups=docker\n")
	assert.Contains(t, unit, "ReadWritePaths=/var/lib/crab-agent/repos\n")

	unit, err = renderUnit(unitConfig{ExecStart: "/bin/crab-agent", ReposDir: "/r"})
	require.NoError(t, err)
	assert.NotContains(t, unit, "User=")
	assert.NotContains(t, unit, "SupplementaryGroups")
}
