// cmd/crab-agent/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildworker"
	"github.com/hochfrequenz/crab-verify/internal/config"
	"github.com/hochfrequenz/crab-verify/internal/logging"
	"github.com/hochfrequenz/crab-verify/internal/sandbox"
)

var (
	configPath string
	serverURLs []string
	workerID   string
	maxJobs    int
	reposDir   string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "crab-agent",
		Short:        "Build agent that verifies repository units for one or more coordinators",
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringArrayVar(&serverURLs, "server", nil, "Coordinator WebSocket URL (repeatable)")
	rootCmd.Flags().StringVar(&workerID, "id", "", "Agent ID (defaults to the hostname)")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 2, "Maximum concurrent units")
	rootCmd.Flags().StringVar(&reposDir, "repos", "", "Directory holding the agent's checkouts")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Config is the agent's configuration file. The general, sandbox,
// timeouts and logging sections have the same meaning as in
// crab-verify's config.
type Config struct {
	General  config.GeneralConfig  `toml:"general"`
	Sandbox  config.SandboxConfig  `toml:"sandbox"`
	Timeouts config.TimeoutsConfig `toml:"timeouts"`
	Logging  config.LoggingConfig  `toml:"logging"`
	Servers  []ServerEntry         `toml:"servers"`
	Agent    struct {
		ID      string `toml:"id"`
		MaxJobs int    `toml:"max_jobs"`
	} `toml:"agent"`
}

// ServerEntry is one coordinator to connect to
type ServerEntry struct {
	URL  string `toml:"url"`
	Name string `toml:"name"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/crab-agent/config.toml",
	"/etc/crab-agent.toml",
}

func findConfig(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadConfig(path string) (*Config, error) {
	def := config.Default()
	cfg := &Config{General: def.General, Sandbox: def.Sandbox, Timeouts: def.Timeouts, Logging: def.Logging}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.General.ReposDir = config.ExpandPath(cfg.General.ReposDir)
	cfg.General.ArchiveDir = config.ExpandPath(cfg.General.ArchiveDir)
	return cfg, nil
}

// applyFlags lets explicitly set flags override the config file and
// fills in the remaining defaults
func applyFlags(cmd *cobra.Command, cfg *Config) {
	if len(serverURLs) > 0 {
		cfg.Servers = cfg.Servers[:0]
		for _, u := range serverURLs {
			cfg.Servers = append(cfg.Servers, ServerEntry{URL: u})
		}
	}
	if workerID != "" {
		cfg.Agent.ID = workerID
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Agent.MaxJobs = maxJobs
	}
	if reposDir != "" {
		cfg.General.ReposDir = config.ExpandPath(reposDir)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	if cfg.Agent.MaxJobs <= 0 {
		cfg.Agent.MaxJobs = 2
	}
	if cfg.Agent.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Agent.ID = hostname
	}
}

// shared returns the crab-verify config the agent's verifiers run with
func (c *Config) shared() *config.Config {
	shared := config.Default()
	shared.General = c.General
	shared.Sandbox = c.Sandbox
	shared.Timeouts = c.Timeouts
	shared.Logging = c.Logging
	return shared
}

func (c *Config) clientConfig() buildworker.MultiClientConfig {
	servers := make([]buildworker.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, buildworker.ServerConfig{URL: s.URL, Name: s.Name})
	}
	return buildworker.MultiClientConfig{Servers: servers, WorkerID: c.Agent.ID}
}

func run(cmd *cobra.Command, args []string) error {
	path := findConfig(configPath)
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	shared := cfg.shared()
	if err := shared.Validate(); err != nil {
		return err
	}
	clientCfg := cfg.clientConfig()
	if err := clientCfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if path != "" {
		logger.Info("loaded config", zap.String("path", path))
	}

	if err := os.MkdirAll(cfg.General.ReposDir, 0755); err != nil {
		return fmt.Errorf("creating repos dir: %w", err)
	}

	opener, err := sandbox.FromConfig(cfg.Sandbox, logger)
	if err != nil {
		return err
	}

	relay := buildworker.NewRelay()
	factory := batch.LocalRunners(batch.LocalConfig{
		Config:   shared,
		Opener:   opener,
		Progress: relay,
		Logger:   logger,
	})
	runners := make([]batch.UnitRunner, 0, cfg.Agent.MaxJobs)
	for i := range cfg.Agent.MaxJobs {
		r, err := factory(fmt.Sprintf("%s-%d", cfg.Agent.ID, i))
		if err != nil {
			return err
		}
		runners = append(runners, r)
	}

	executor := buildworker.NewExecutor(buildworker.ExecutorConfig{
		IgnoreUnitPaths: true,
		Logger:          logger,
	}, buildworker.NewPool(runners))

	client, err := buildworker.NewMultiClient(clientCfg, executor, relay, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		client.Stop()
	}()

	logger.Info("starting agent",
		zap.String("id", cfg.Agent.ID),
		zap.Int("coordinators", client.ServerCount()),
		zap.Int("max_jobs", cfg.Agent.MaxJobs),
		zap.String("repos_dir", cfg.General.ReposDir),
		zap.String("sandbox", cfg.Sandbox.Driver))

	return client.Run(ctx)
}
