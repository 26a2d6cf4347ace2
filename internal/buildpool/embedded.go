package buildpool

import (
	"context"
	"errors"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/buildworker"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
)

// EmbeddedWorker verifies jobs in this process when no agent is connected
type EmbeddedWorker struct {
	executor *buildworker.Executor
}

// NewEmbeddedWorker creates a local worker with one slot per runner.
// Unit checkout paths are kept since they refer to this host.
func NewEmbeddedWorker(runners []batch.UnitRunner) *EmbeddedWorker {
	return &EmbeddedWorker{
		executor: buildworker.NewExecutor(buildworker.ExecutorConfig{}, buildworker.NewPool(runners)),
	}
}

// Slots returns the number of local slots
func (e *EmbeddedWorker) Slots() int {
	return e.executor.Pool().MaxJobs()
}

// Run verifies a job; it has the LocalFunc signature
func (e *EmbeddedWorker) Run(ctx context.Context, job *buildprotocol.JobMessage, emit batch.Emit) error {
	if e.Slots() == 0 {
		return errors.New("embedded worker has no slots")
	}
	result, err := e.executor.RunJob(ctx, buildworker.Job{ID: job.JobID, Unit: job.Unit}, emit)
	if err != nil {
		return err
	}
	if result.Interrupted {
		return pipeline.ErrInterrupted
	}
	return nil
}
