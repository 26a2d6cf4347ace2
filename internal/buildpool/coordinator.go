package buildpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
)

// CoordinatorConfig configures the coordinator
type CoordinatorConfig struct {
	WebSocketPort     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// DrainTimeout bounds the wait for agents to confirm a cancellation
	DrainTimeout time.Duration
	RunID        string
	Ledger       pipeline.Ledger
	Progress     pipeline.Progress
	Logger       *zap.Logger
}

// Coordinator serves agents over WebSocket and runs repository units on
// them. It implements batch.UnitRunner and is safe for all batch workers
// to share.
type Coordinator struct {
	config     CoordinatorConfig
	registry   *Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewCoordinator creates a coordinator
func NewCoordinator(config CoordinatorConfig, registry *Registry, dispatcher *Dispatcher) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // Allow missing 2 heartbeats before disconnect
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 10 * time.Minute
	}
	if config.Progress == nil {
		config.Progress = pipeline.NopProgress{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		config:     config,
		registry:   registry,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}

	dispatcher.SetSendFunc(c.sendJobToAgent)
	dispatcher.SetCancelFunc(c.sendCancelToAgent)
	return c
}

// Registry returns the agent registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Dispatcher returns the job dispatcher
func (c *Coordinator) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// RunUnit implements batch.UnitRunner. The unit runs on an agent, or
// locally when none is connected. When ctx ends the agent is asked to
// stop; its completed entries are still emitted until it confirms or
// the drain timeout passes.
func (c *Coordinator) RunUnit(ctx context.Context, unit domain.RepoUnit, emit batch.Emit) error {
	job := &buildprotocol.JobMessage{JobID: uuid.NewString(), RunID: c.config.RunID, Unit: unit}
	resultCh := c.dispatcher.Submit(ctx, job, emit)
	c.dispatcher.TryDispatch()

	select {
	case result := <-resultCh:
		return resultError(result)
	case <-ctx.Done():
	}

	c.dispatcher.Cancel(job.JobID)
	timer := time.NewTimer(c.config.DrainTimeout)
	defer timer.Stop()
	select {
	case result := <-resultCh:
		if err := resultError(result); err != nil && !batch.Interrupted(err) {
			return err
		}
	case <-timer.C:
		c.logger.Warn("agent did not confirm cancellation", zap.String("job_id", job.JobID), zap.String("repo", unit.Repo))
		c.dispatcher.Abandon(job.JobID)
	}
	return fmt.Errorf("%w: %s", pipeline.ErrInterrupted, unit.Repo)
}

func resultError(r *buildprotocol.JobResult) error {
	switch {
	case r.Interrupted:
		return fmt.Errorf("%w: job %s", pipeline.ErrInterrupted, r.JobID)
	case r.Err != "":
		return errors.New(r.Err)
	}
	return nil
}

// HandleWebSocket handles incoming WebSocket connections from agents
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	go c.handleAgentConnection(conn)
}

func (c *Coordinator) handleAgentConnection(conn *websocket.Conn) {
	var agentID string
	defer func() {
		conn.Close()
		if agentID != "" && c.registry.Unregister(agentID, conn) {
			c.dispatcher.RequeueAgentJobs(agentID)
			c.dispatcher.TryDispatch()
			c.logger.Info("agent disconnected", zap.String("worker", agentID))
		}
	}()

	// Extend the read deadline on every pong
	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		if a := c.registry.Get(agentID); a != nil {
			a.SetLastHeartbeat(time.Now())
		}
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.String("worker", agentID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env buildprotocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid message", zap.Error(err))
			continue
		}

		switch env.Type {
		case buildprotocol.TypeRegister:
			var reg buildprotocol.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.WorkerID == "" {
				c.logger.Warn("invalid register", zap.Error(err))
				continue
			}
			agentID = reg.WorkerID
			if old := c.registry.Get(agentID); old != nil && old.Conn != conn {
				// reconnected before the stale connection timed out
				c.registry.Unregister(agentID, old.Conn)
				c.dispatcher.RequeueAgentJobs(agentID)
				old.Conn.Close()
			}
			// slots stay zero until the agent reports them
			c.registry.Register(&Agent{ID: reg.WorkerID, MaxJobs: reg.MaxJobs, Conn: conn})
			c.logger.Info("agent registered", zap.String("worker", agentID), zap.Int("max_jobs", reg.MaxJobs))

		case buildprotocol.TypeReady:
			var ready buildprotocol.ReadyMessage
			if err := json.Unmarshal(env.Payload, &ready); err != nil {
				c.logger.Warn("invalid ready", zap.Error(err))
				continue
			}
			if a := c.registry.Get(agentID); a != nil {
				a.UpdateSlots(ready.Slots)
				c.dispatcher.TryDispatch()
			}

		case buildprotocol.TypeState:
			var st buildprotocol.StateMessage
			if err := json.Unmarshal(env.Payload, &st); err != nil {
				c.logger.Warn("invalid state", zap.Error(err))
				continue
			}
			c.recordState(agentID, st)

		case buildprotocol.TypeEntry:
			var msg buildprotocol.EntryMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.Entry == nil {
				c.logger.Warn("invalid entry", zap.Error(err))
				continue
			}
			c.recordEntry(agentID, msg)

		case buildprotocol.TypeComplete:
			var complete buildprotocol.CompleteMessage
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				c.logger.Warn("invalid complete", zap.Error(err))
				continue
			}
			c.dispatcher.Complete(complete.JobID, &buildprotocol.JobResult{
				JobID:       complete.JobID,
				Interrupted: complete.Interrupted,
				Duration:    float64(complete.DurationMs) / 1000,
			})

		case buildprotocol.TypeError:
			var errMsg buildprotocol.ErrorMessage
			if err := json.Unmarshal(env.Payload, &errMsg); err != nil {
				c.logger.Warn("invalid error message", zap.Error(err))
				continue
			}
			c.dispatcher.Complete(errMsg.JobID, &buildprotocol.JobResult{
				JobID: errMsg.JobID,
				Err:   fmt.Sprintf("agent %s: %s", agentID, errMsg.Message),
			})

		case buildprotocol.TypePong:
			if a := c.registry.Get(agentID); a != nil {
				a.SetLastHeartbeat(time.Now())
			}
		}
	}
}

func (c *Coordinator) recordState(agentID string, st buildprotocol.StateMessage) {
	key := domain.Key{Repo: st.Repo, PRNumber: st.PRNumber}
	if l := c.config.Ledger; l != nil {
		var err error
		if st.State == domain.StateSetup {
			err = l.StartAttempt(c.config.RunID, st.Repo, st.PRNumber, agentID)
		} else {
			err = l.UpdateAttemptState(c.config.RunID, st.Repo, st.PRNumber, st.State)
		}
		if err != nil {
			c.logger.Warn("recording state", zap.String("repo", st.Repo), zap.Int("pr", st.PRNumber), zap.Error(err))
		}
	}
	if st.State == domain.StateSetup {
		c.config.Progress.Started(agentID, key)
		return
	}
	c.config.Progress.StateChanged(agentID, key, st.State)
}

func (c *Coordinator) recordEntry(agentID string, msg buildprotocol.EntryMessage) {
	e := msg.Entry
	if err := c.dispatcher.Entry(msg.JobID, e); err != nil {
		// the sink failed; stop the job so the batch can wind down
		c.logger.Error("writing entry", zap.String("job_id", msg.JobID), zap.Error(err))
		c.dispatcher.Complete(msg.JobID, &buildprotocol.JobResult{JobID: msg.JobID, Err: err.Error()})
		if err := c.sendCancelToAgent(agentID, msg.JobID); err != nil {
			c.logger.Debug("cancelling job", zap.Error(err))
		}
		return
	}
	if l := c.config.Ledger; l != nil {
		if err := l.FinishAttempt(c.config.RunID, e); err != nil {
			c.logger.Warn("recording attempt outcome", zap.String("repo", e.Metadata.Repo), zap.Error(err))
		}
	}
	c.config.Progress.Finished(agentID, e)
}

func (c *Coordinator) sendJobToAgent(a *Agent, job *buildprotocol.JobMessage) error {
	data, err := buildprotocol.MarshalEnvelope(buildprotocol.TypeJob, job)
	if err != nil {
		return err
	}
	c.logger.Info("unit dispatched", zap.String("worker", a.ID), zap.String("job_id", job.JobID), zap.String("repo", job.Unit.Repo))
	return a.WriteMessage(websocket.TextMessage, data)
}

func (c *Coordinator) sendCancelToAgent(agentID, jobID string) error {
	a := c.registry.Get(agentID)
	if a == nil {
		return fmt.Errorf("agent %s not found", agentID)
	}
	data, err := buildprotocol.MarshalEnvelope(buildprotocol.TypeCancel, buildprotocol.CancelMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return a.WriteMessage(websocket.TextMessage, data)
}

// Handler returns the HTTP routes of the coordinator
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.HandleWebSocket)
	mux.HandleFunc("/status", c.HandleStatus)
	return mux
}

// Start listens on the configured port and serves agents until Stop.
// Heartbeats run until ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.WebSocketPort))
	if err != nil {
		return fmt.Errorf("listening for agents: %w", err)
	}
	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{Handler: c.Handler()}
	server := c.server
	c.mu.Unlock()

	go c.heartbeatLoop(ctx)

	c.logger.Info("coordinator listening", zap.String("addr", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address once Start is serving
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// AgentStatus is one agent in the status report
type AgentStatus struct {
	ID             string    `json:"id"`
	MaxJobs        int       `json:"max_jobs"`
	ActiveJobs     int       `json:"active_jobs"`
	ConnectedSince time.Time `json:"connected_since"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// Status is the report served on /status
type Status struct {
	Agents              []AgentStatus `json:"agents"`
	QueuedJobs          int           `json:"queued_jobs"`
	PendingJobs         int           `json:"pending_jobs"`
	LocalFallbackActive bool          `json:"local_fallback_active"`
}

// Status returns a snapshot of agents and jobs
func (c *Coordinator) Status() Status {
	s := Status{
		Agents:              []AgentStatus{},
		QueuedJobs:          c.dispatcher.QueuedCount(),
		PendingJobs:         c.dispatcher.PendingCount(),
		LocalFallbackActive: c.dispatcher.LocalFallbackActive(),
	}
	for _, a := range c.registry.All() {
		maxJobs, slots, connectedAt, heartbeat := a.Status()
		s.Agents = append(s.Agents, AgentStatus{
			ID:             a.ID,
			MaxJobs:        maxJobs,
			ActiveJobs:     maxJobs - slots,
			ConnectedSince: connectedAt,
			LastHeartbeat:  heartbeat,
		})
	}
	return s
}

// HandleStatus returns the current status of agents and jobs
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Status()); err != nil {
		c.logger.Warn("writing status", zap.Error(err))
	}
}

// Stop stops the coordinator server
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server != nil {
		return server.Close()
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

func (c *Coordinator) sendHeartbeats() {
	for _, a := range c.registry.All() {
		if err := a.Ping(10 * time.Second); err != nil {
			c.logger.Warn("ping failed", zap.String("worker", a.ID), zap.Error(err))
			// the read loop handles cleanup
			a.Conn.Close()
		}
	}
}
