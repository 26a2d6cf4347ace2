package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched upwards from the working directory
const LocalConfigName = ".crab-verify.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Timeouts      TimeoutsConfig      `toml:"timeouts"`
	Logging       LoggingConfig       `toml:"logging"`
	Coordinator   CoordinatorConfig   `toml:"coordinator"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ReposDir     string `toml:"repos_dir"`
	OutputPath   string `toml:"output_path"`
	CachePath    string `toml:"cache_path"`
	DatabasePath string `toml:"database_path"`
	ArchiveDir   string `toml:"archive_dir"`
	// CloneURL is a URL template with one %s for owner/name. Missing
	// checkouts are cloned only when it is set.
	CloneURL       string   `toml:"clone_url"`
	Workers        int      `toml:"workers"`
	CodeExtensions []string `toml:"code_extensions"`
	Exclude        []string `toml:"exclude"`
}

// SandboxConfig holds build environment settings
type SandboxConfig struct {
	Driver         string `toml:"driver"` // "docker" or "local"
	DockerEndpoint string `toml:"docker_endpoint"`
	MavenImage     string `toml:"maven_image"`
	GradleImage    string `toml:"gradle_image"`
	MountTarget    string `toml:"mount_target"`
}

// TimeoutsConfig holds the per-phase time budgets
type TimeoutsConfig struct {
	Compile  Duration `toml:"compile"`
	Test     Duration `toml:"test"`
	Coverage Duration `toml:"coverage"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// CoordinatorConfig holds settings for serving remote build agents
type CoordinatorConfig struct {
	Port              int      `toml:"port"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	DrainTimeout      Duration `toml:"drain_timeout"`
	LocalFallback     bool     `toml:"local_fallback"`
	// MaxInFlight bounds the repository units queued or running at once
	MaxInFlight int `toml:"max_in_flight"`
	// GitDaemonPort serves repos_dir to agents over git://; 0 disables it
	GitDaemonPort int `toml:"git_daemon_port"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Duration is a time.Duration written as a string like "90m" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ReposDir:       filepath.Join(home, ".crab-verify", "repos"),
			OutputPath:     "dataset.jsonl",
			DatabasePath:   filepath.Join(home, ".crab-verify", "runs.db"),
			Workers:        1,
			CodeExtensions: []string{".java"},
		},
		Sandbox: SandboxConfig{
			Driver:      "docker",
			MavenImage:  "crab-maven",
			GradleImage: "crab-gradle",
			MountTarget: "/repo",
		},
		Timeouts: TimeoutsConfig{
			Compile:  Duration{time.Hour},
			Test:     Duration{time.Hour},
			Coverage: Duration{time.Hour},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Coordinator: CoordinatorConfig{
			Port:              8081,
			HeartbeatInterval: Duration{30 * time.Second},
			HeartbeatTimeout:  Duration{90 * time.Second},
			DrainTimeout:      Duration{10 * time.Minute},
			LocalFallback:     true,
			MaxInFlight:       16,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ReposDir = ExpandPath(cfg.General.ReposDir)
	cfg.General.OutputPath = ExpandPath(cfg.General.OutputPath)
	cfg.General.CachePath = ExpandPath(cfg.General.CachePath)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ArchiveDir = ExpandPath(cfg.General.ArchiveDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise the
// nearest local config, otherwise the default config path
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig searches the working directory and its parents for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.General.Workers < 1 {
		return fmt.Errorf("general.workers must be at least 1, got %d", c.General.Workers)
	}
	switch c.Sandbox.Driver {
	case "docker", "local":
	default:
		return fmt.Errorf("sandbox.driver must be docker or local, got %q", c.Sandbox.Driver)
	}
	if c.Coordinator.MaxInFlight < 1 {
		return fmt.Errorf("coordinator.max_in_flight must be at least 1, got %d", c.Coordinator.MaxInFlight)
	}
	if len(c.General.CodeExtensions) == 0 {
		return fmt.Errorf("general.code_extensions must not be empty")
	}
	return nil
}

// Excluded reports whether the repository is on the exclusion list
func (c *Config) Excluded(repo string) bool {
	for _, r := range c.General.Exclude {
		if strings.EqualFold(r, repo) {
			return true
		}
	}
	return false
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "crab-verify", "config.toml")
}
