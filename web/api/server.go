// Package api serves run progress over HTTP: the runs ledger as JSON and
// newly written dataset entries as server-sent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/runstore"
)

// Store is the read side of the runs ledger
type Store interface {
	GetRun(id string) (*runstore.Run, error)
	LatestRun() (*runstore.Run, error)
	ListAttempts(opts runstore.ListOptions) ([]*runstore.Attempt, error)
	ReasonCounts(runID string) (map[string]int, error)
}

// Server is the HTTP API server
type Server struct {
	store  Store
	addr   string
	mux    *http.ServeMux
	hub    *SSEHub
	logger *zap.Logger
	now    func() time.Time
}

// NewServer creates a new API server
func NewServer(store Store, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		addr:   addr,
		mux:    http.NewServeMux(),
		hub:    NewSSEHub(),
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/runs/latest", s.latestRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/attempts", s.listAttemptsHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx ends, then shuts the listener down
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving status API", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// SSE streams end with the hub, so shutdown does not wait on them
		stopHub()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.hub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
