package buildworker

import (
	"context"
	"sync"

	"github.com/hochfrequenz/crab-verify/internal/batch"
)

// Pool hands out a fixed set of unit runners, one per job slot. A runner
// owns a verifier and therefore serves one unit at a time.
type Pool struct {
	runners        chan batch.UnitRunner
	maxJobs        int
	mu             sync.Mutex
	onSlotsChanged func(available int) // Callback when slots change
}

// NewPool creates a pool holding runners
func NewPool(runners []batch.UnitRunner) *Pool {
	p := &Pool{
		runners: make(chan batch.UnitRunner, len(runners)),
		maxJobs: len(runners),
	}
	for _, r := range runners {
		p.runners <- r
	}
	return p
}

// SetOnSlotsChanged sets a callback to be invoked when slot availability changes
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// TryAcquire claims a runner if one is free
func (p *Pool) TryAcquire() (batch.UnitRunner, bool) {
	select {
	case r := <-p.runners:
		p.notify()
		return r, true
	default:
		return nil, false
	}
}

// Acquire waits for a free runner or the end of ctx
func (p *Pool) Acquire(ctx context.Context) (batch.UnitRunner, error) {
	select {
	case r := <-p.runners:
		p.notify()
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a runner to the pool
func (p *Pool) Release(r batch.UnitRunner) {
	p.runners <- r
	p.notify()
}

// notify runs the callback outside of the lock
func (p *Pool) notify() {
	p.mu.Lock()
	callback := p.onSlotsChanged
	p.mu.Unlock()
	if callback != nil {
		callback(p.Available())
	}
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	return len(p.runners)
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}
