package buildpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/domain"
)

type entryLog struct {
	mu  sync.Mutex
	prs []int
}

func (l *entryLog) emit(e *domain.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prs = append(l.prs, e.Metadata.PRNumber)
	return nil
}

func (l *entryLog) numbers() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.prs...)
}

func unitJob(id string, prs ...int) *buildprotocol.JobMessage {
	job := &buildprotocol.JobMessage{JobID: id, Unit: domain.RepoUnit{Repo: "acme/widgets"}}
	for _, n := range prs {
		job.Unit.Pulls = append(job.Unit.Pulls, domain.PullRequest{Number: n})
	}
	return job
}

func entry(pr int) *domain.Entry {
	return domain.NewEntry("acme/widgets", domain.PullRequest{Number: pr})
}

func TestDispatcher_QueuesWithoutAgents(t *testing.T) {
	disp := NewDispatcher(NewRegistry(), nil)

	resultCh := disp.Submit(context.Background(), unitJob("job-1", 1), (&entryLog{}).emit)
	disp.TryDispatch()

	if disp.QueuedCount() != 1 {
		t.Errorf("got queue length=%d, want 1", disp.QueuedCount())
	}
	select {
	case <-resultCh:
		t.Error("should not have result yet")
	default:
	}
}

func TestDispatcher_DispatchToAgent(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Agent{ID: "agent-1", MaxJobs: 4, Slots: 1})

	var sent []string
	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(a *Agent, job *buildprotocol.JobMessage) error {
		sent = append(sent, a.ID+":"+job.JobID)
		return nil
	})

	disp.Submit(context.Background(), unitJob("job-1", 1), (&entryLog{}).emit)
	disp.Submit(context.Background(), unitJob("job-2", 2), (&entryLog{}).emit)
	disp.TryDispatch()

	if len(sent) != 1 || sent[0] != "agent-1:job-1" {
		t.Errorf("got sent=%v, want [agent-1:job-1]", sent)
	}
	if disp.QueuedCount() != 1 {
		t.Errorf("got queue length=%d, want 1", disp.QueuedCount())
	}
	if got := disp.Assigned("job-1"); got != "agent-1" {
		t.Errorf("got assigned=%q, want agent-1", got)
	}
}

func TestDispatcher_EntriesDeduplicated(t *testing.T) {
	disp := NewDispatcher(NewRegistry(), nil)
	log := &entryLog{}
	resultCh := disp.Submit(context.Background(), unitJob("job-1", 1, 2), log.emit)

	for _, pr := range []int{1, 1, 2} {
		if err := disp.Entry("job-1", entry(pr)); err != nil {
			t.Fatalf("entry: %v", err)
		}
	}
	if err := disp.Entry("unknown", entry(3)); err != nil {
		t.Errorf("entries of unknown jobs are ignored, got %v", err)
	}
	disp.Complete("job-1", &buildprotocol.JobResult{JobID: "job-1"})

	if got := log.numbers(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("got entries %v, want [1 2]", got)
	}
	if result := <-resultCh; result.Interrupted || result.Err != "" {
		t.Errorf("got result %+v", result)
	}
}

func TestDispatcher_RequeueKeepsOnlyMissingPRs(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Agent{ID: "agent-1", MaxJobs: 1, Slots: 1})

	var jobs []*buildprotocol.JobMessage
	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(a *Agent, job *buildprotocol.JobMessage) error {
		jobs = append(jobs, job)
		return nil
	})

	disp.Submit(context.Background(), unitJob("job-1", 1, 2, 3), (&entryLog{}).emit)
	disp.TryDispatch()
	if err := disp.Entry("job-1", entry(1)); err != nil {
		t.Fatal(err)
	}

	reg.Unregister("agent-1", nil)
	disp.RequeueAgentJobs("agent-1")
	reg.Register(&Agent{ID: "agent-2", MaxJobs: 1, Slots: 1})
	disp.TryDispatch()

	if len(jobs) != 2 {
		t.Fatalf("got %d sends, want 2", len(jobs))
	}
	pulls := jobs[1].Unit.Pulls
	if len(pulls) != 2 || pulls[0].Number != 2 || pulls[1].Number != 3 {
		t.Errorf("requeued job carries %v, want PRs 2 and 3", pulls)
	}
}

func TestDispatcher_RequeueWithNothingLeftCompletes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Agent{ID: "agent-1", MaxJobs: 1, Slots: 1})
	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(*Agent, *buildprotocol.JobMessage) error { return nil })

	resultCh := disp.Submit(context.Background(), unitJob("job-1", 1), (&entryLog{}).emit)
	disp.TryDispatch()
	disp.Entry("job-1", entry(1))
	disp.RequeueAgentJobs("agent-1")

	select {
	case result := <-resultCh:
		if result.Interrupted || result.Err != "" {
			t.Errorf("got result %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("job did not complete")
	}
}

func TestDispatcher_AgentInterruptionRequeues(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Agent{ID: "agent-1", MaxJobs: 2, Slots: 2})
	var sends int
	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(*Agent, *buildprotocol.JobMessage) error {
		sends++
		return nil
	})

	resultCh := disp.Submit(context.Background(), unitJob("job-1", 1, 2), (&entryLog{}).emit)
	disp.TryDispatch()
	disp.Entry("job-1", entry(1))
	// the agent shut down on its own
	disp.Complete("job-1", &buildprotocol.JobResult{JobID: "job-1", Interrupted: true})

	select {
	case <-resultCh:
		t.Fatal("job should be requeued, not completed")
	default:
	}
	if sends != 2 {
		t.Errorf("got %d sends, want 2", sends)
	}
}

func TestDispatcher_Cancel(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Agent{ID: "agent-1", MaxJobs: 1, Slots: 1})

	var cancelled []string
	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(*Agent, *buildprotocol.JobMessage) error { return nil })
	disp.SetCancelFunc(func(agentID, jobID string) error {
		cancelled = append(cancelled, agentID+":"+jobID)
		return nil
	})

	running := disp.Submit(context.Background(), unitJob("job-1", 1), (&entryLog{}).emit)
	queued := disp.Submit(context.Background(), unitJob("job-2", 2), (&entryLog{}).emit)
	disp.TryDispatch()

	disp.Cancel("job-2")
	if result := <-queued; !result.Interrupted {
		t.Errorf("queued job should complete as interrupted, got %+v", result)
	}

	disp.Cancel("job-1")
	if len(cancelled) != 1 || cancelled[0] != "agent-1:job-1" {
		t.Errorf("got cancelled=%v", cancelled)
	}
	select {
	case <-running:
		t.Error("assigned job completes only when the agent confirms")
	default:
	}

	disp.Abandon("job-1")
	if result := <-running; !result.Interrupted {
		t.Errorf("abandoned job should be interrupted, got %+v", result)
	}
	if disp.PendingCount() != 0 {
		t.Errorf("got pending=%d, want 0", disp.PendingCount())
	}
}

func TestDispatcher_LocalFallback(t *testing.T) {
	local := func(ctx context.Context, job *buildprotocol.JobMessage, emit batch.Emit) error {
		for _, pr := range job.Unit.Pulls {
			if err := emit(entry(pr.Number)); err != nil {
				return err
			}
		}
		return nil
	}
	disp := NewDispatcher(NewRegistry(), local)
	log := &entryLog{}

	resultCh := disp.Submit(context.Background(), unitJob("job-1", 1, 2), log.emit)
	disp.TryDispatch()

	select {
	case result := <-resultCh:
		if result.Err != "" || result.Interrupted {
			t.Errorf("got result %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("local job did not complete")
	}
	if got := log.numbers(); len(got) != 2 {
		t.Errorf("got entries %v, want 2", got)
	}
	if disp.LocalFallbackActive() {
		t.Error("no local job should be running")
	}
}
