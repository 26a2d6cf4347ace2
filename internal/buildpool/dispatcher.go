package buildpool

import (
	"context"
	"sync"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// PendingJob tracks a unit waiting for dispatch or completion
type PendingJob struct {
	Job     *buildprotocol.JobMessage
	AgentID string // assigned agent, empty while queued or running locally

	ctx      context.Context
	emit     batch.Emit
	resultCh chan *buildprotocol.JobResult
	emitted  map[int]bool
	local    bool
}

// SendFunc sends a job to an agent
type SendFunc func(a *Agent, job *buildprotocol.JobMessage) error

// CancelFunc asks an agent to stop a job
type CancelFunc func(agentID, jobID string) error

// LocalFunc verifies a job in this process
type LocalFunc func(ctx context.Context, job *buildprotocol.JobMessage, emit batch.Emit) error

// Dispatcher manages the job queue and assignment. Jobs go to agents
// with free slots; with no agent connected they run on the local
// fallback when one is configured.
type Dispatcher struct {
	registry   *Registry
	local      LocalFunc
	sendFunc   SendFunc
	cancelFunc CancelFunc

	queue       []*PendingJob
	pending     map[string]*PendingJob // jobID -> pending job
	localActive int
	mu          sync.Mutex
}

// NewDispatcher creates a dispatcher. local may be nil.
func NewDispatcher(registry *Registry, local LocalFunc) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		local:    local,
		pending:  make(map[string]*PendingJob),
	}
}

// SetSendFunc sets the function used to send jobs to agents
func (d *Dispatcher) SetSendFunc(fn SendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendFunc = fn
}

// SetCancelFunc sets the function used to cancel jobs on agents
func (d *Dispatcher) SetCancelFunc(fn CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelFunc = fn
}

// Submit queues a job and returns a channel for its result. emit
// receives every entry of the job exactly once.
func (d *Dispatcher) Submit(ctx context.Context, job *buildprotocol.JobMessage, emit batch.Emit) <-chan *buildprotocol.JobResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	pj := &PendingJob{
		Job:      job,
		ctx:      ctx,
		emit:     emit,
		resultCh: make(chan *buildprotocol.JobResult, 1),
		emitted:  make(map[int]bool),
	}
	d.queue = append(d.queue, pj)
	d.pending[job.JobID] = pj
	return pj.resultCh
}

// TryDispatch hands queued jobs to agents with free slots
func (d *Dispatcher) TryDispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var remaining []*PendingJob
	for _, pj := range d.queue {
		if agent := d.registry.Claim(); agent != nil && d.sendFunc != nil {
			pj.AgentID = agent.ID
			if err := d.sendFunc(agent, pj.Job); err != nil {
				// the read loop of a broken connection requeues its jobs
				pj.AgentID = ""
				remaining = append(remaining, pj)
			}
			continue
		}
		if d.local != nil && d.registry.Count() == 0 {
			pj.local = true
			d.localActive++
			go d.runLocal(pj)
			continue
		}
		remaining = append(remaining, pj)
	}
	d.queue = remaining
}

func (d *Dispatcher) runLocal(pj *PendingJob) {
	err := d.local(pj.ctx, pj.Job, func(e *domain.Entry) error {
		return d.Entry(pj.Job.JobID, e)
	})

	d.mu.Lock()
	d.localActive--
	d.mu.Unlock()

	result := &buildprotocol.JobResult{JobID: pj.Job.JobID}
	switch {
	case err == nil:
	case batch.Interrupted(err):
		result.Interrupted = true
	default:
		result.Err = err.Error()
	}
	d.Complete(pj.Job.JobID, result)
}

// Entry forwards an entry of a job. Repeated entries for the same PR
// are dropped; entries of unknown jobs are ignored.
func (d *Dispatcher) Entry(jobID string, e *domain.Entry) error {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	duplicate := ok && pj.emitted[e.Metadata.PRNumber]
	if ok {
		pj.emitted[e.Metadata.PRNumber] = true
	}
	d.mu.Unlock()

	if !ok || duplicate {
		return nil
	}
	return pj.emit(e)
}

// Complete marks a job as complete and sends the result. A job an agent
// gave up without being cancelled is requeued with its remaining PRs.
func (d *Dispatcher) Complete(jobID string, result *buildprotocol.JobResult) {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if ok && result.Interrupted && !pj.local && pj.ctx.Err() == nil {
		if d.requeueLocked(pj) {
			d.mu.Unlock()
			d.TryDispatch()
			return
		}
		result = &buildprotocol.JobResult{JobID: jobID, Duration: result.Duration}
	}
	if ok {
		delete(d.pending, jobID)
	}
	d.mu.Unlock()

	if ok {
		pj.resultCh <- result
		close(pj.resultCh)
	}
}

// RequeueAgentJobs puts the jobs of a disconnected agent back into the
// queue with the PRs that have no entry yet
func (d *Dispatcher) RequeueAgentJobs(agentID string) {
	d.mu.Lock()
	var finished []string
	for id, pj := range d.pending {
		if pj.AgentID != agentID {
			continue
		}
		if !d.requeueLocked(pj) {
			finished = append(finished, id)
		}
	}
	d.mu.Unlock()

	for _, id := range finished {
		d.Complete(id, &buildprotocol.JobResult{JobID: id})
	}
}

// requeueLocked strips emitted PRs and queues the job again. It reports
// false when no PR is left.
func (d *Dispatcher) requeueLocked(pj *PendingJob) bool {
	var left []domain.PullRequest
	for _, pr := range pj.Job.Unit.Pulls {
		if !pj.emitted[pr.Number] {
			left = append(left, pr)
		}
	}
	pj.AgentID = ""
	if len(left) == 0 {
		return false
	}
	job := *pj.Job
	job.Unit.Pulls = left
	pj.Job = &job
	d.queue = append(d.queue, pj)
	return true
}

// Cancel stops a job. Queued jobs complete as interrupted at once;
// assigned jobs are cancelled on their agent and complete when the
// agent confirms. Local jobs observe their own context.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	queued := false
	for i, q := range d.queue {
		if q == pj {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			queued = true
			break
		}
	}
	agentID, cancel := pj.AgentID, d.cancelFunc
	d.mu.Unlock()

	switch {
	case queued:
		d.Complete(jobID, &buildprotocol.JobResult{JobID: jobID, Interrupted: true})
	case agentID != "" && cancel != nil:
		if err := cancel(agentID, jobID); err != nil {
			// the agent is gone; its read loop requeues or finishes the job
			d.Abandon(jobID)
		}
	}
}

// Abandon completes a job as interrupted without waiting for its agent.
// Later entries of the job are ignored.
func (d *Dispatcher) Abandon(jobID string) {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if ok {
		delete(d.pending, jobID)
		for i, q := range d.queue {
			if q == pj {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()

	if ok {
		pj.resultCh <- &buildprotocol.JobResult{JobID: jobID, Interrupted: true}
		close(pj.resultCh)
	}
}

// Assigned returns the agent a job runs on
func (d *Dispatcher) Assigned(jobID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pj, ok := d.pending[jobID]; ok {
		return pj.AgentID
	}
	return ""
}

// QueuedCount returns the number of jobs waiting for a slot
func (d *Dispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// PendingCount returns the number of pending jobs (queued + in progress)
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LocalFallbackActive reports whether jobs are running in this process
func (d *Dispatcher) LocalFallbackActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localActive > 0
}
