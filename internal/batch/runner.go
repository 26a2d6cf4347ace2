package batch

import (
	"context"
	"errors"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
)

// Emit receives every finished entry of a unit as soon as it exists
type Emit func(e *domain.Entry) error

// UnitRunner processes all PRs of one repository. It returns
// pipeline.ErrInterrupted, possibly wrapped, when ctx ends mid-unit;
// entries emitted before that are kept.
type UnitRunner interface {
	RunUnit(ctx context.Context, unit domain.RepoUnit, emit Emit) error
}

// LocalRunner verifies units in this process
type LocalRunner struct {
	Verifier *pipeline.Verifier
	ReposDir string
}

// RunUnit verifies the PRs of unit in order
func (r *LocalRunner) RunUnit(ctx context.Context, unit domain.RepoUnit, emit Emit) error {
	path := unit.ResolvePath(r.ReposDir)
	for _, pr := range unit.Pulls {
		if ctx.Err() != nil {
			return pipeline.ErrInterrupted
		}
		e, err := r.Verifier.Verify(ctx, pipeline.Unit{Repo: unit.Repo, Checkout: path, PR: pr})
		if err != nil {
			return err
		}
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

// Interrupted reports whether err stems from cancellation
func Interrupted(err error) bool {
	return errors.Is(err, pipeline.ErrInterrupted) || errors.Is(err, context.Canceled)
}
