// Package buildworker implements the verification agent: it connects to
// one or more coordinators, runs the repository units they assign on its
// own slots and streams the finished entries back.
package buildworker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Job is one repository unit to verify
type Job struct {
	ID   string
	Unit domain.RepoUnit
}

// Result is the outcome of a job whose entries were all emitted
type Result struct {
	Interrupted bool
	Duration    time.Duration
}

// ExecutorConfig configures the job executor
type ExecutorConfig struct {
	// IgnoreUnitPaths drops checkout paths sent with a unit so the
	// runners resolve checkouts in their own repos dir
	IgnoreUnitPaths bool
	Logger          *zap.Logger
}

// Executor runs jobs on the runners of a pool
type Executor struct {
	config ExecutorConfig
	pool   *Pool
	logger *zap.Logger
}

// NewExecutor creates a job executor
func NewExecutor(config ExecutorConfig, pool *Pool) *Executor {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{config: config, pool: pool, logger: logger}
}

// Pool returns the slot pool of the executor
func (e *Executor) Pool() *Pool {
	return e.pool
}

// RunJob waits for a free slot and verifies the unit. Cancellation is
// reported through Result.Interrupted; entries emitted before it stay.
func (e *Executor) RunJob(ctx context.Context, job Job, emit batch.Emit) (*Result, error) {
	runner, err := e.pool.Acquire(ctx)
	if err != nil {
		return &Result{Interrupted: true}, nil
	}
	defer e.pool.Release(runner)

	unit := job.Unit
	if e.config.IgnoreUnitPaths {
		unit.Path = ""
	}

	start := time.Now()
	e.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("repo", unit.Repo),
		zap.Int("pulls", len(unit.Pulls)))

	err = runner.RunUnit(ctx, unit, emit)
	result := &Result{Duration: time.Since(start)}
	if err != nil {
		if !batch.Interrupted(err) {
			e.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			return nil, err
		}
		result.Interrupted = true
	}
	e.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.Bool("interrupted", result.Interrupted),
		zap.Duration("duration", result.Duration))
	return result, nil
}
