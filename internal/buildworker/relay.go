package buildworker

import (
	"sync"

	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/domain"
)

type route struct {
	jobID string
	send  func(msgType string, payload any) error
}

// Relay forwards verifier progress to the coordinator that assigned the
// job. It implements pipeline.Progress; finished entries travel as entry
// messages and are not relayed here.
type Relay struct {
	mu     sync.Mutex
	routes map[string]route
}

// NewRelay creates an empty relay
func NewRelay() *Relay {
	return &Relay{routes: make(map[string]route)}
}

func (r *Relay) track(repo, jobID string, send func(string, any) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[repo] = route{jobID: jobID, send: send}
}

func (r *Relay) untrack(repo, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[repo].jobID == jobID {
		delete(r.routes, repo)
	}
}

func (r *Relay) forward(key domain.Key, state domain.State) {
	r.mu.Lock()
	rt, ok := r.routes[key.Repo]
	r.mu.Unlock()
	if !ok {
		return
	}
	// send errors surface in the job's entry messages
	_ = rt.send(buildprotocol.TypeState, buildprotocol.StateMessage{
		JobID:    rt.jobID,
		Repo:     key.Repo,
		PRNumber: key.PRNumber,
		State:    state,
	})
}

// Started implements pipeline.Progress
func (r *Relay) Started(_ string, key domain.Key) {
	r.forward(key, domain.StateSetup)
}

// StateChanged implements pipeline.Progress
func (r *Relay) StateChanged(_ string, key domain.Key, state domain.State) {
	r.forward(key, state)
}

// Finished implements pipeline.Progress
func (r *Relay) Finished(string, *domain.Entry) {}
