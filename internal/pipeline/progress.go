package pipeline

import (
	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Progress observes verification runs. Implementations must be safe for
// use by several workers at once.
type Progress interface {
	Started(worker string, key domain.Key)
	StateChanged(worker string, key domain.Key, state domain.State)
	Finished(worker string, e *domain.Entry)
}

// Ledger records attempts so interrupted PRs can be found and retried
type Ledger interface {
	StartAttempt(runID, repo string, pr int, worker string) error
	UpdateAttemptState(runID, repo string, pr int, state domain.State) error
	FinishAttempt(runID string, e *domain.Entry) error
}

// NopProgress ignores every event
type NopProgress struct{}

func (NopProgress) Started(string, domain.Key)                    {}
func (NopProgress) StateChanged(string, domain.Key, domain.State) {}
func (NopProgress) Finished(string, *domain.Entry)                {}

type nopLedger struct{}

func (nopLedger) StartAttempt(string, string, int, string) error             { return nil }
func (nopLedger) UpdateAttemptState(string, string, int, domain.State) error { return nil }
func (nopLedger) FinishAttempt(string, *domain.Entry) error                  { return nil }

// MultiProgress fans events out to several observers
type MultiProgress []Progress

func (m MultiProgress) Started(worker string, key domain.Key) {
	for _, p := range m {
		p.Started(worker, key)
	}
}

func (m MultiProgress) StateChanged(worker string, key domain.Key, state domain.State) {
	for _, p := range m {
		p.StateChanged(worker, key, state)
	}
}

func (m MultiProgress) Finished(worker string, e *domain.Entry) {
	for _, p := range m {
		p.Finished(worker, e)
	}
}
