package buildworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the coordinator before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

var errNotConnected = errors.New("not connected")

// WorkerConfig configures one coordinator connection
type WorkerConfig struct {
	ServerURL string
	WorkerID  string
	// Name labels the coordinator in logs
	Name string
}

// Validate checks the config is valid
func (c *WorkerConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	return nil
}

// Worker is the connection of an agent to one coordinator. Jobs run on
// the shared executor so several connections draw from the same slots.
type Worker struct {
	config   WorkerConfig
	executor *Executor
	relay    *Relay
	logger   *zap.Logger

	mu   sync.Mutex // protects conn and writes
	conn *websocket.Conn

	jobsMu  sync.Mutex
	jobs    map[string]context.CancelFunc
	running sync.WaitGroup
}

// NewWorker creates a connection that runs jobs on executor. relay may
// be nil when no progress is forwarded.
func NewWorker(config WorkerConfig, executor *Executor, relay *Relay, logger *zap.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = config.ServerURL
	}
	return &Worker{
		config:   config,
		executor: executor,
		relay:    relay,
		logger:   logger.With(zap.String("coordinator", config.Name)),
		jobs:     make(map[string]context.CancelFunc),
	}, nil
}

// Connect establishes the connection and registers the agent
func (w *Worker) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Extend the read deadline whenever the coordinator pings us
	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil {
			w.logger.Debug("failed to send pong", zap.Error(err))
		}
		return err
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	return w.send(buildprotocol.TypeRegister, buildprotocol.RegisterMessage{
		WorkerID: w.config.WorkerID,
		MaxJobs:  w.executor.Pool().MaxJobs(),
	})
}

// Run reads messages until the connection fails or ctx ends. On ctx end
// running jobs finish their current PR and report before the connection
// closes.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.sendReadyIfConnected(); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.running.Wait()
			w.closeConn()
		case <-stop:
		}
	}()
	defer w.cancelAll()

	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return nil
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env buildprotocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			w.logger.Warn("invalid message", zap.Error(err))
			continue
		}

		switch env.Type {
		case buildprotocol.TypeJob:
			var job buildprotocol.JobMessage
			if err := json.Unmarshal(env.Payload, &job); err != nil {
				w.logger.Warn("invalid job message", zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				w.send(buildprotocol.TypeComplete, buildprotocol.CompleteMessage{JobID: job.JobID, Interrupted: true})
				continue
			}
			jobCtx, cancel := context.WithCancel(ctx)
			w.TrackJob(job.JobID, cancel)
			w.running.Add(1)
			go w.handleJob(jobCtx, job)

		case buildprotocol.TypePing:
			w.send(buildprotocol.TypePong, nil)

		case buildprotocol.TypeCancel:
			var cancel buildprotocol.CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				w.logger.Warn("invalid cancel message", zap.Error(err))
				continue
			}
			w.logger.Info("cancelling job", zap.String("job_id", cancel.JobID))
			w.CancelJob(cancel.JobID)
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, msg buildprotocol.JobMessage) {
	defer w.running.Done()
	defer w.UntrackJob(msg.JobID)

	if w.relay != nil {
		w.relay.track(msg.Unit.Repo, msg.JobID, w.send)
		defer w.relay.untrack(msg.Unit.Repo, msg.JobID)
	}

	result, err := w.executor.RunJob(ctx, Job{ID: msg.JobID, Unit: msg.Unit}, func(e *domain.Entry) error {
		return w.send(buildprotocol.TypeEntry, buildprotocol.EntryMessage{JobID: msg.JobID, Entry: e})
	})
	if err != nil {
		w.send(buildprotocol.TypeError, buildprotocol.ErrorMessage{
			JobID:   msg.JobID,
			Message: err.Error(),
		})
		return
	}

	w.send(buildprotocol.TypeComplete, buildprotocol.CompleteMessage{
		JobID:       msg.JobID,
		Interrupted: result.Interrupted,
		DurationMs:  result.Duration.Milliseconds(),
	})
}

// sendReadyIfConnected reports the free slots, skipping when disconnected
func (w *Worker) sendReadyIfConnected() error {
	err := w.send(buildprotocol.TypeReady, buildprotocol.ReadyMessage{
		Slots: w.executor.Pool().Available(),
	})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

func (w *Worker) send(msgType string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return errNotConnected
	}
	data, err := buildprotocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	defer w.conn.SetWriteDeadline(time.Time{})
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *Worker) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Stop closes the connection; Run returns afterwards
func (w *Worker) Stop() {
	w.cancelAll()
	w.closeConn()
}

// RunWithReconnect runs the connection and reconnects with exponential
// backoff until ctx ends
func (w *Worker) RunWithReconnect(ctx context.Context) error {
	attempt := 0
	for ctx.Err() == nil {
		if err := w.Connect(ctx); err != nil {
			w.closeConn()
			delay := calculateBackoff(attempt)
			w.logger.Warn("connection failed", zap.Error(err), zap.Duration("retry_in", delay))
			attempt++

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		w.logger.Info("connected to coordinator")

		err := w.Run(ctx)
		// Close the connection before reconnecting to avoid leaking file descriptors
		w.closeConn()
		if err != nil {
			w.logger.Warn("disconnected", zap.Error(err))
		}
	}
	return nil
}

// TrackJob registers a job's cancel function for later cancellation
func (w *Worker) TrackJob(jobID string, cancel context.CancelFunc) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	w.jobs[jobID] = cancel
}

// UntrackJob removes a job from tracking
func (w *Worker) UntrackJob(jobID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[jobID]
	delete(w.jobs, jobID)
	w.jobsMu.Unlock()
	if ok {
		cancel()
	}
}

// HasJob checks if a job is being tracked
func (w *Worker) HasJob(jobID string) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	_, ok := w.jobs[jobID]
	return ok
}

// CancelJob cancels a running job. The job still reports completion.
func (w *Worker) CancelJob(jobID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[jobID]
	w.jobsMu.Unlock()

	if ok {
		cancel()
	}
}

func (w *Worker) cancelAll() {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	for _, cancel := range w.jobs {
		cancel()
	}
}
