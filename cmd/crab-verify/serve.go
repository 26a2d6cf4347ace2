package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/observer"
	"github.com/hochfrequenz/crab-verify/internal/runstore"
	"github.com/hochfrequenz/crab-verify/web/api"
)

var serveAddr string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve [OUTPUT]",
		Short: "Serve run status and live entries over HTTP",
		Long: `Serves the runs ledger as JSON and streams entries appended to a
results file as server-sent events on /api/events. Without OUTPUT the
results file of the latest run is followed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8090", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening run ledger: %w", err)
	}
	defer store.Close()

	output := ""
	if len(args) == 1 {
		output = args[0]
	} else {
		run, err := store.LatestRun()
		if err != nil {
			return err
		}
		if run != nil {
			output = run.OutputPath
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(store, serveAddr, logger)

	if output != "" {
		// Start hands over the entries already written; only new ones are streamed
		var live atomic.Bool
		follower, err := observer.NewResultsFollower(output, func(entries []domain.Entry) {
			if !live.Load() {
				return
			}
			for _, e := range entries {
				server.Broadcast(api.NewEntryEvent(e))
			}
		}, logger)
		if err != nil {
			return err
		}
		follower.Start(ctx)
		live.Store(true)
		defer follower.Stop()
		logger.Info("following results", zap.String("path", output))
	}

	return server.Run(ctx)
}
