package buildworker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
)

// stubRunner emits one entry per PR; block makes it wait for ctx after
// the first entry
type stubRunner struct {
	mu    sync.Mutex
	paths []string
	block bool
	err   error
}

func (r *stubRunner) RunUnit(ctx context.Context, u domain.RepoUnit, emit batch.Emit) error {
	r.mu.Lock()
	r.paths = append(r.paths, u.Path)
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for i, pr := range u.Pulls {
		if err := emit(domain.NewEntry(u.Repo, pr)); err != nil {
			return err
		}
		if r.block && i == 0 {
			<-ctx.Done()
			return pipeline.ErrInterrupted
		}
	}
	return nil
}

func testUnit(prs ...int) domain.RepoUnit {
	u := domain.RepoUnit{Repo: "acme/widgets", Path: "/coordinator/checkouts/widgets"}
	for _, n := range prs {
		u.Pulls = append(u.Pulls, domain.PullRequest{Number: n})
	}
	return u
}

func TestExecutor_RunJob(t *testing.T) {
	runner := &stubRunner{}
	exec := NewExecutor(ExecutorConfig{IgnoreUnitPaths: true}, NewPool([]batch.UnitRunner{runner}))

	var got []int
	result, err := exec.RunJob(context.Background(), Job{ID: "job-1", Unit: testUnit(1, 2)}, func(e *domain.Entry) error {
		got = append(got, e.Metadata.PRNumber)
		return nil
	})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if result.Interrupted {
		t.Error("job should not be interrupted")
	}
	if len(got) != 2 {
		t.Errorf("got entries %v, want 2", got)
	}
	if runner.paths[0] != "" {
		t.Errorf("coordinator path should be dropped, got %q", runner.paths[0])
	}
	if exec.Pool().Available() != 1 {
		t.Error("runner should be released")
	}
}

func TestExecutor_RunJob_Interrupted(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{}, NewPool([]batch.UnitRunner{&stubRunner{block: true}}))
	ctx, cancel := context.WithCancel(context.Background())

	var got []int
	result, err := exec.RunJob(ctx, Job{ID: "job-1", Unit: testUnit(1, 2)}, func(e *domain.Entry) error {
		got = append(got, e.Metadata.PRNumber)
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if !result.Interrupted {
		t.Error("job should be interrupted")
	}
	if len(got) != 1 {
		t.Errorf("got entries %v, want the first only", got)
	}
}

func TestExecutor_RunJob_Error(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{}, NewPool([]batch.UnitRunner{&stubRunner{err: errors.New("no space left")}}))

	_, err := exec.RunJob(context.Background(), Job{ID: "job-1", Unit: testUnit(1)}, func(*domain.Entry) error { return nil })
	if err == nil || err.Error() != "no space left" {
		t.Errorf("got %v, want runner error", err)
	}
	if exec.Pool().Available() != 1 {
		t.Error("runner should be released after an error")
	}
}
