package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/config"
	"github.com/hochfrequenz/crab-verify/internal/logging"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "crab-verify",
		Short: "crab-verify - build verification for code review datasets",
		Long: `crab-verify checks candidate pull requests of Java repositories by
compiling, testing and measuring the coverage of each one inside an isolated
build environment, and writes one dataset entry per pull request.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger logs to stderr so stdout stays free for results
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.ToStderr(cfg.Logging)
}
