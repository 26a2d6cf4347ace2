package batch

import (
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/buildsys"
	"github.com/hochfrequenz/crab-verify/internal/config"
	"github.com/hochfrequenz/crab-verify/internal/handler"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
	"github.com/hochfrequenz/crab-verify/internal/resultstore"
	"github.com/hochfrequenz/crab-verify/internal/sandbox"
)

// LocalConfig holds what every local worker shares
type LocalConfig struct {
	Config   *config.Config
	Opener   sandbox.Opener
	Cache    resultstore.Cache
	Ledger   pipeline.Ledger
	Progress pipeline.Progress
	RunID    string
	Logger   *zap.Logger
}

// HandlerOptions maps the config onto handler time budgets and images
func HandlerOptions(cfg *config.Config) handler.Options {
	return handler.Options{
		CompileTimeout:  cfg.Timeouts.Compile.Duration,
		TestTimeout:     cfg.Timeouts.Test.Duration,
		CoverageTimeout: cfg.Timeouts.Coverage.Duration,
		MavenImage:      cfg.Sandbox.MavenImage,
		GradleImage:     cfg.Sandbox.GradleImage,
	}
}

// NewVerifier creates the verifier of one worker
func NewVerifier(lc LocalConfig, worker string) (*pipeline.Verifier, error) {
	cfg := lc.Config
	return pipeline.New(pipeline.Options{
		Opener:         lc.Opener,
		Handler:        HandlerOptions(cfg),
		Detect:         buildsys.DefaultOptions,
		Setup:          pipeline.DefaultSetup(pipeline.SetupOptions{ArchiveDir: cfg.General.ArchiveDir}),
		Cache:          lc.Cache,
		Ledger:         lc.Ledger,
		Progress:       lc.Progress,
		CodeExtensions: cfg.General.CodeExtensions,
		CloneURL:       cfg.General.CloneURL,
		RunID:          lc.RunID,
		Worker:         worker,
		Logger:         lc.Logger,
	})
}

// LocalRunners returns a factory of in-process runners, one verifier each
func LocalRunners(lc LocalConfig) RunnerFactory {
	return func(worker string) (UnitRunner, error) {
		v, err := NewVerifier(lc, worker)
		if err != nil {
			return nil, err
		}
		return &LocalRunner{Verifier: v, ReposDir: lc.Config.General.ReposDir}, nil
	}
}
