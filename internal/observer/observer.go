// Package observer tracks a batch run as it happens: which PRs are in
// flight, how long they take and why they fail. It also follows a
// results file while another process appends to it.
package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Observer collects progress events of a run. It implements
// pipeline.Progress and is safe for concurrent use.
type Observer struct {
	stuckThreshold time.Duration
	now            func() time.Time

	active      map[domain.Key]*Attempt
	completions []completion
	mu          sync.RWMutex
}

// Attempt is a PR currently being verified
type Attempt struct {
	Worker    string
	Key       domain.Key
	State     domain.State
	StartedAt time.Time
}

type completion struct {
	Key         domain.Key
	Worker      string
	Successful  bool
	Reason      string
	Duration    time.Duration
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted  int
	TotalSuccessful int
	TotalFailed     int
	AvgDuration     time.Duration
	Reasons         map[string]int
}

// Completion is a finished PR as shown by the dashboard
type Completion struct {
	Key        domain.Key
	Worker     string
	Successful bool
	Reason     string
	Duration   time.Duration
}

// New creates a new Observer. Attempts running longer than
// stuckThreshold are reported as stuck; zero disables the check.
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
		active:         make(map[domain.Key]*Attempt),
	}
}

// Started records that a worker picked up a PR
func (o *Observer) Started(worker string, key domain.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[key] = &Attempt{Worker: worker, Key: key, State: domain.StateSetup, StartedAt: o.now()}
}

// StateChanged records a lifecycle transition
func (o *Observer) StateChanged(worker string, key domain.Key, state domain.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.active[key]
	if !ok {
		a = &Attempt{Worker: worker, Key: key, StartedAt: o.now()}
		o.active[key] = a
	}
	a.State = state
}

// Finished records the final entry of a PR
func (o *Observer) Finished(worker string, e *domain.Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := e.Key()
	c := completion{
		Key:         key,
		Worker:      worker,
		Successful:  e.Metadata.Successful,
		Reason:      e.Metadata.ReasonForFailure,
		CompletedAt: o.now(),
	}
	if a, ok := o.active[key]; ok {
		c.Duration = c.CompletedAt.Sub(a.StartedAt)
		delete(o.active, key)
	}
	o.completions = append(o.completions, c)
}

// IsStuck returns true if an attempt has been running longer than the
// stuck threshold
func (o *Observer) IsStuck(a *Attempt) bool {
	if o.stuckThreshold <= 0 || a == nil {
		return false
	}
	return o.now().Sub(a.StartedAt) > o.stuckThreshold
}

// Active returns the attempts in flight, oldest first
func (o *Observer) Active() []*Attempt {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]*Attempt, 0, len(o.active))
	for _, a := range o.active {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].Worker < result[j].Worker
	})
	return result
}

// Stuck returns the active attempts running past the threshold
func (o *Observer) Stuck() []*Attempt {
	var stuck []*Attempt
	for _, a := range o.Active() {
		if o.IsStuck(a) {
			stuck = append(stuck, a)
		}
	}
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{Reasons: make(map[string]int)}
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.TotalCompleted++
		if c.Successful {
			metrics.TotalSuccessful++
		} else {
			metrics.TotalFailed++
		}
		metrics.Reasons[c.Reason]++
		totalDuration += c.Duration
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// Recent returns up to n completions, newest first
func (o *Observer) Recent(n int) []Completion {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var result []Completion
	for i := len(o.completions) - 1; i >= 0 && len(result) < n; i-- {
		c := o.completions[i]
		result = append(result, Completion{
			Key:        c.Key,
			Worker:     c.Worker,
			Successful: c.Successful,
			Reason:     c.Reason,
			Duration:   c.Duration,
		})
	}
	return result
}
