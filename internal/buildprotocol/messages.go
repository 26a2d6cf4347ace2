// Package buildprotocol defines the messages exchanged between the
// coordinator and remote verification agents. Messages flow over
// WebSocket connections as JSON envelopes.
package buildprotocol

import (
	"encoding/json"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Agent -> Coordinator messages

// RegisterMessage sent when an agent first connects
type RegisterMessage struct {
	WorkerID string `json:"worker_id"`
	MaxJobs  int    `json:"max_jobs"`
}

// ReadyMessage sent when the agent's free slot count changes
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// StateMessage reports a state transition of a PR in flight
type StateMessage struct {
	JobID    string       `json:"job_id"`
	Repo     string       `json:"repo"`
	PRNumber int          `json:"pr_number"`
	State    domain.State `json:"state"`
}

// EntryMessage carries one finished PR of a job. Entries are sent as
// soon as they exist so they survive a later agent crash.
type EntryMessage struct {
	JobID string        `json:"job_id"`
	Entry *domain.Entry `json:"entry"`
}

// CompleteMessage sent when all PRs of a job were processed or the job
// was cancelled
type CompleteMessage struct {
	JobID       string `json:"job_id"`
	Interrupted bool   `json:"interrupted,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// ErrorMessage sent when a job stops on an error
type ErrorMessage struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Coordinator -> Agent messages

// JobMessage assigns one repository unit to an agent
type JobMessage struct {
	JobID string          `json:"job_id"`
	RunID string          `json:"run_id,omitempty"`
	Unit  domain.RepoUnit `json:"unit"`
}

// CancelMessage requests job cancellation
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// JobResult is the coordinator-side outcome of a job
type JobResult struct {
	JobID       string
	Interrupted bool
	Err         string
	Duration    float64
}

// Message type constants
const (
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeState    = "state"
	TypeEntry    = "entry"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeJob      = "job"
	TypeCancel   = "cancel"
	TypePing     = "ping"
	TypePong     = "pong"
)
