package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildpool"
	"github.com/hochfrequenz/crab-verify/internal/config"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/logging"
	"github.com/hochfrequenz/crab-verify/internal/notify"
	"github.com/hochfrequenz/crab-verify/internal/observer"
	"github.com/hochfrequenz/crab-verify/internal/resultstore"
	"github.com/hochfrequenz/crab-verify/internal/runstore"
	"github.com/hochfrequenz/crab-verify/internal/sandbox"
	"github.com/hochfrequenz/crab-verify/tui"
)

var (
	runOutput      string
	runCache       string
	runRepos       string
	runWorkers     int
	runOnlyRepo    string
	runSandbox     string
	runTUI         bool
	runCoordinator bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run CANDIDATES",
		Short: "Verify every candidate pull request",
		Long: `Verify every candidate pull request listed in CANDIDATES (YAML or JSON).

Entries of an earlier results file given with --cache are reused verbatim;
pull requests that were still being processed when that run stopped are
verified again. Interrupting with Ctrl+C keeps every finished entry.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "results file (JSON lines)")
	runCmd.Flags().StringVar(&runCache, "cache", "", "results file of an earlier run to resume from")
	runCmd.Flags().StringVar(&runRepos, "repos", "", "directory holding the checkouts as owner/name")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 1, "number of local workers")
	runCmd.Flags().StringVar(&runOnlyRepo, "only-repo", "", "verify only this owner/name")
	runCmd.Flags().StringVar(&runSandbox, "sandbox", "", "sandbox driver (docker or local)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show the progress dashboard")
	runCmd.Flags().BoolVar(&runCoordinator, "coordinator", false, "serve build agents on the configured port")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overrides config values with flags that were set explicitly
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.General.OutputPath = runOutput
	}
	if flags.Changed("cache") {
		cfg.General.CachePath = runCache
	}
	if flags.Changed("repos") {
		cfg.General.ReposDir = runRepos
	}
	if flags.Changed("workers") {
		cfg.General.Workers = runWorkers
	}
	if flags.Changed("sandbox") {
		cfg.Sandbox.Driver = runSandbox
	}
	if runOnlyRepo != "" {
		if err := domain.ValidateRepoName(runOnlyRepo); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	var logger *zap.Logger
	if runTUI {
		logger, err = logging.ToFile(cfg.Logging, cfg.General.OutputPath+".log")
	} else {
		logger, err = newLogger(cfg)
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	units, err := resultstore.LoadCandidates(args[0])
	if err != nil {
		return err
	}
	cache, err := resultstore.LoadCache(cfg.General.CachePath)
	if err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer store.Close()

	runID := uuid.NewString()
	if err := store.StartRun(&runstore.Run{
		ID:         runID,
		Candidates: args[0],
		OutputPath: cfg.General.OutputPath,
		Workers:    cfg.General.Workers,
		Status:     domain.RunRunning,
		StartedAt:  time.Now(),
	}); err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", runID))

	writer, err := resultstore.Create(cfg.General.OutputPath)
	if err != nil {
		return err
	}

	opener, err := sandbox.FromConfig(cfg.Sandbox, logger)
	if err != nil {
		writer.Close()
		return err
	}

	t := cfg.Timeouts
	obs := observer.New(t.Compile.Duration + t.Test.Duration + 2*t.Coverage.Duration)
	lc := batch.LocalConfig{
		Config:   cfg,
		Opener:   opener,
		Cache:    cache,
		Ledger:   store,
		Progress: obs,
		RunID:    runID,
		Logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := batch.Options{
		Workers:   cfg.General.Workers,
		NewRunner: batch.LocalRunners(lc),
		Sink:      writer,
		Cache:     cache,
		Exclude:   cfg.General.Exclude,
		OnlyRepo:  runOnlyRepo,
		Logger:    logger,
	}
	if runCoordinator {
		stopPool, err := startCoordinator(ctx, cfg, lc, &opts)
		if err != nil {
			writer.Close()
			return err
		}
		defer stopPool()
	}

	var summary batch.Summary
	var runErr error
	if runTUI {
		summary, runErr = runWithTUI(ctx, stop, units, opts, obs, runID, cache)
	} else {
		summary, runErr = batch.Run(ctx, units, opts)
	}

	if err := writer.Close(); err != nil && runErr == nil {
		runErr = err
	}

	status := domain.RunCompleted
	switch {
	case runErr != nil:
		status = domain.RunFailed
	case summary.Interrupted:
		status = domain.RunInterrupted
	}
	if err := store.FinishRun(runID, status, summary.Total, summary.Successful); err != nil {
		logger.Warn("recording run outcome", zap.Error(err))
	}

	reasons, err := store.ReasonCounts(runID)
	if err != nil {
		logger.Warn("counting reasons", zap.Error(err))
	}
	if err := notify.FromConfig(cfg.Notifications).Send(notify.BatchFinished(runID, summary, runErr, reasons)); err != nil {
		logger.Warn("sending notification", zap.Error(err))
	}

	fmt.Printf("%s → %s\n", summary.Totals(), cfg.General.OutputPath)
	if summary.Interrupted {
		fmt.Println("Interrupted; resume with --cache", cfg.General.OutputPath)
	}
	return runErr
}

// startCoordinator serves agents and routes every unit through the
// dispatcher. Local workers become the embedded fallback slots.
func startCoordinator(ctx context.Context, cfg *config.Config, lc batch.LocalConfig, opts *batch.Options) (func(), error) {
	logger := lc.Logger
	registry := buildpool.NewRegistry()

	var local buildpool.LocalFunc
	if cfg.Coordinator.LocalFallback {
		runners := make([]batch.UnitRunner, cfg.General.Workers)
		newRunner := batch.LocalRunners(lc)
		for i := range runners {
			r, err := newRunner(fmt.Sprintf("local-%d", i))
			if err != nil {
				return nil, err
			}
			runners[i] = r
		}
		local = buildpool.NewEmbeddedWorker(runners).Run
	}

	coord := buildpool.NewCoordinator(buildpool.CoordinatorConfig{
		WebSocketPort:     cfg.Coordinator.Port,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval.Duration,
		HeartbeatTimeout:  cfg.Coordinator.HeartbeatTimeout.Duration,
		DrainTimeout:      cfg.Coordinator.DrainTimeout.Duration,
		RunID:             lc.RunID,
		Ledger:            lc.Ledger,
		Progress:          lc.Progress,
		Logger:            logger,
	}, registry, buildpool.NewDispatcher(registry, local))

	// the coordinator keeps serving while in-flight units drain
	serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := coord.Start(serveCtx); err != nil {
			logger.Error("coordinator stopped", zap.Error(err))
		}
	}()

	var daemon *buildpool.GitDaemon
	if cfg.Coordinator.GitDaemonPort > 0 {
		daemon = buildpool.NewGitDaemon(buildpool.GitDaemonConfig{
			Port:     cfg.Coordinator.GitDaemonPort,
			ReposDir: cfg.General.ReposDir,
			Logger:   logger,
		})
		if err := daemon.Start(serveCtx); err != nil {
			cancelServe()
			coord.Stop()
			return nil, err
		}
	}

	opts.Workers = cfg.Coordinator.MaxInFlight
	opts.NewRunner = func(string) (batch.UnitRunner, error) { return coord, nil }

	return func() {
		if daemon != nil {
			if err := daemon.Stop(); err != nil {
				logger.Warn("stopping git daemon", zap.Error(err))
			}
		}
		if err := coord.Stop(); err != nil {
			logger.Warn("stopping coordinator", zap.Error(err))
		}
		cancelServe()
	}, nil
}

// runWithTUI runs the batch in the background while the dashboard owns
// the terminal. Quitting the dashboard cancels the batch, which still
// drains and flushes before this returns.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, units []domain.RepoUnit, opts batch.Options,
	obs *observer.Observer, runID string, cache resultstore.Cache) (batch.Summary, error) {
	pending, cached := 0, 0
	for _, u := range batch.Select(units, opts.Exclude, opts.OnlyRepo) {
		for _, pr := range u.Pulls {
			if _, ok := cache.Lookup(u.Repo, pr.Number); ok {
				cached++
			} else {
				pending++
			}
		}
	}

	model := tui.NewModel(tui.ModelConfig{
		Source:   obs,
		RunID:    runID,
		Workers:  opts.Workers,
		TotalPRs: pending,
		Cached:   cached,
		OnQuit:   cancel,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	type outcome struct {
		summary batch.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := batch.Run(ctx, units, opts)
		done <- outcome{s, err}
		p.Send(tui.BatchDoneMsg{Summary: s, Err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		res := <-done
		return res.summary, errors.Join(res.err, err)
	}
	res := <-done
	return res.summary, res.err
}
