package buildworker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServerConfig defines a connection to a single coordinator
type ServerConfig struct {
	URL  string
	Name string // Optional, for logging
}

// MultiClientConfig configures the agent
type MultiClientConfig struct {
	Servers  []ServerConfig
	WorkerID string
}

// Validate checks the config is valid
func (c *MultiClientConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}
	for i, srv := range c.Servers {
		if srv.URL == "" {
			return fmt.Errorf("server[%d].url is required", i)
		}
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	return nil
}

// MultiClient connects one agent to several coordinators. All
// connections share the executor's slots; every slot change is
// broadcast to every coordinator.
type MultiClient struct {
	config   MultiClientConfig
	executor *Executor
	workers  []*Worker
	logger   *zap.Logger
}

// NewMultiClient creates the agent client
func NewMultiClient(config MultiClientConfig, executor *Executor, relay *Relay, logger *zap.Logger) (*MultiClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mc := &MultiClient{
		config:   config,
		executor: executor,
		workers:  make([]*Worker, 0, len(config.Servers)),
		logger:   logger,
	}

	for _, srv := range config.Servers {
		w, err := NewWorker(WorkerConfig{
			ServerURL: srv.URL,
			WorkerID:  config.WorkerID,
			Name:      srv.Name,
		}, executor, relay, logger)
		if err != nil {
			return nil, fmt.Errorf("creating connection for %s: %w", srv.URL, err)
		}
		mc.workers = append(mc.workers, w)
	}

	executor.Pool().SetOnSlotsChanged(func(int) {
		mc.broadcastReady()
	})
	return mc, nil
}

// broadcastReady sends a ReadyMessage to all connected coordinators
func (mc *MultiClient) broadcastReady() {
	for _, w := range mc.workers {
		if err := w.sendReadyIfConnected(); err != nil {
			mc.logger.Debug("failed to send ready", zap.String("coordinator", w.config.Name), zap.Error(err))
		}
	}
}

// Run keeps every connection alive until ctx ends. Individual connection
// failures don't affect other connections.
func (mc *MultiClient) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range mc.workers {
		g.Go(func() error {
			return w.RunWithReconnect(gctx)
		})
	}
	return g.Wait()
}

// Stop closes every connection
func (mc *MultiClient) Stop() {
	for _, w := range mc.workers {
		w.Stop()
	}
}

// ServerCount returns the number of configured coordinators
func (mc *MultiClient) ServerCount() int {
	return len(mc.workers)
}

// AvailableSlots returns the number of free job slots
func (mc *MultiClient) AvailableSlots() int {
	return mc.executor.Pool().Available()
}
