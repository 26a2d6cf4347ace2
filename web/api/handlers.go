package api

import (
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/runstore"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID         string        `json:"id"`
	Candidates string        `json:"candidates"`
	OutputPath string        `json:"output_path"`
	Workers    int           `json:"workers"`
	Status     string        `json:"status"`
	StartedAt  string        `json:"started_at"`
	FinishedAt *string       `json:"finished_at,omitempty"`
	Duration   string        `json:"duration"`
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	InProgress int           `json:"in_progress"`
	Reasons    []ReasonCount `json:"reasons"`
}

// ReasonCount is how many attempts ended with one reason
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// AttemptResponse is the API response for one PR attempt
type AttemptResponse struct {
	Repo        string  `json:"repo"`
	PRNumber    int     `json:"pr_number"`
	Worker      string  `json:"worker"`
	Status      string  `json:"status"`
	State       string  `json:"state"`
	Reason      string  `json:"reason,omitempty"`
	BuildSystem string  `json:"build_system,omitempty"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	Duration    string  `json:"duration"`
}

// EntryEvent is the data of an "entry" event: the outcome of one PR
// without its file contents
type EntryEvent struct {
	Repo        string `json:"repo"`
	PRNumber    int    `json:"pr_number"`
	Successful  bool   `json:"successful"`
	Reason      string `json:"reason"`
	BuildSystem string `json:"build_system,omitempty"`
	Files       int    `json:"files"`
}

// NewEntryEvent wraps a dataset entry for broadcasting
func NewEntryEvent(e domain.Entry) SSEEvent {
	return SSEEvent{Type: "entry", Data: EntryEvent{
		Repo:        e.Metadata.Repo,
		PRNumber:    e.Metadata.PRNumber,
		Successful:  e.Metadata.Successful,
		Reason:      e.Metadata.ReasonForFailure,
		BuildSystem: e.Metadata.BuildSystem,
		Files:       len(e.Files),
	}}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func (s *Server) runToResponse(run *runstore.Run) (RunResponse, error) {
	resp := RunResponse{
		ID:         run.ID,
		Candidates: run.Candidates,
		OutputPath: run.OutputPath,
		Workers:    run.Workers,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt: formatTime(run.FinishedAt),
		Total:      run.Total,
		Successful: run.Successful,
		Reasons:    []ReasonCount{},
	}
	end := s.now()
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	resp.Duration = end.Sub(run.StartedAt).Round(time.Second).String()

	counts, err := s.store.ReasonCounts(run.ID)
	if err != nil {
		return resp, err
	}
	for reason, n := range counts {
		resp.Reasons = append(resp.Reasons, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(resp.Reasons, func(i, j int) bool {
		if resp.Reasons[i].Count != resp.Reasons[j].Count {
			return resp.Reasons[i].Count > resp.Reasons[j].Count
		}
		return resp.Reasons[i].Reason < resp.Reasons[j].Reason
	})

	// totals are only stored when the run finishes
	if run.FinishedAt == nil {
		attempts, err := s.store.ListAttempts(runstore.ListOptions{RunID: run.ID})
		if err != nil {
			return resp, err
		}
		resp.Total, resp.Successful = 0, 0
		for _, a := range attempts {
			switch a.Status {
			case domain.AttemptInProgress:
				resp.InProgress++
				continue
			case domain.AttemptSucceeded:
				resp.Successful++
			}
			resp.Total++
		}
	}
	return resp, nil
}

func (s *Server) attemptToResponse(a *runstore.Attempt) AttemptResponse {
	return AttemptResponse{
		Repo:        a.Repo,
		PRNumber:    a.PRNumber,
		Worker:      a.Worker,
		Status:      string(a.Status),
		State:       string(a.State),
		Reason:      a.Reason,
		BuildSystem: a.BuildSystem,
		StartedAt:   a.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  formatTime(a.FinishedAt),
		Duration:    a.Duration(s.now()).Round(time.Second).String(),
	}
}

func (s *Server) writeRun(w http.ResponseWriter, run *runstore.Run) {
	resp, err := s.runToResponse(run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (s *Server) latestRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.store.LatestRun()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "no runs recorded")
			return
		}
		s.writeRun(w, run)
	}
}

func (s *Server) lookupRun(w http.ResponseWriter, id string) *runstore.Run {
	run, err := s.store.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && run == nil) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return run
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if run := s.lookupRun(w, r.PathValue("id")); run != nil {
			s.writeRun(w, run)
		}
	}
}

func (s *Server) listAttemptsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := s.lookupRun(w, r.PathValue("id"))
		if run == nil {
			return
		}

		opts := runstore.ListOptions{
			RunID:  run.ID,
			Repo:   r.URL.Query().Get("repo"),
			Status: domain.AttemptStatus(r.URL.Query().Get("status")),
		}
		switch opts.Status {
		case "", domain.AttemptInProgress, domain.AttemptSucceeded, domain.AttemptFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+string(opts.Status))
			return
		}

		attempts, err := s.store.ListAttempts(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]AttemptResponse, 0, len(attempts))
		for _, a := range attempts {
			resp = append(resp, s.attemptToResponse(a))
		}
		writeJSON(w, resp)
	}
}
