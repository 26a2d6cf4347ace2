package buildpool

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/buildprotocol"
	"github.com/hochfrequenz/crab-verify/internal/domain"
	"github.com/hochfrequenz/crab-verify/internal/pipeline"
)

// newTestCoordinator creates a coordinator with default registry and dispatcher for testing
func newTestCoordinator(config CoordinatorConfig) *Coordinator {
	registry := NewRegistry()
	return NewCoordinator(config, registry, NewDispatcher(registry, nil))
}

// fakeAgent speaks the agent side of the protocol
type fakeAgent struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialAgent(t *testing.T, server *httptest.Server, id string, slots int) *fakeAgent {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	a := &fakeAgent{t: t, conn: conn}
	a.send(buildprotocol.TypeRegister, buildprotocol.RegisterMessage{WorkerID: id, MaxJobs: slots})
	a.send(buildprotocol.TypeReady, buildprotocol.ReadyMessage{Slots: slots})
	return a
}

func (a *fakeAgent) send(msgType string, payload any) {
	a.t.Helper()
	data, err := buildprotocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		a.t.Fatal(err)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.t.Fatalf("write failed: %v", err)
	}
}

func (a *fakeAgent) next() buildprotocol.EnvelopeRaw {
	a.t.Helper()
	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := a.conn.ReadMessage()
	if err != nil {
		a.t.Fatalf("read failed: %v", err)
	}
	var env buildprotocol.EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		a.t.Fatal(err)
	}
	return env
}

func (a *fakeAgent) job() buildprotocol.JobMessage {
	a.t.Helper()
	env := a.next()
	if env.Type != buildprotocol.TypeJob {
		a.t.Fatalf("got message %q, want job", env.Type)
	}
	var job buildprotocol.JobMessage
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		a.t.Fatal(err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type recordingProgress struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingProgress) Started(worker string, key domain.Key) {
	p.add(worker + " started")
}

func (p *recordingProgress) StateChanged(worker string, key domain.Key, state domain.State) {
	p.add(worker + " " + string(state))
}

func (p *recordingProgress) Finished(worker string, e *domain.Entry) {
	p.add(worker + " finished")
}

func (p *recordingProgress) add(ev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingProgress) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestCoordinator_AcceptAgent(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	agent := dialAgent(t, server, "test-agent", 4)
	defer agent.conn.Close()

	waitFor(t, "registration", func() bool {
		a := coord.Registry().Get("test-agent")
		return a != nil && a.FreeSlots() == 4
	})
	if a := coord.Registry().Get("test-agent"); a.MaxJobs != 4 {
		t.Errorf("got max_jobs=%d, want 4", a.MaxJobs)
	}
}

func TestCoordinator_AgentDisconnect(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	agent := dialAgent(t, server, "disconnect-test", 2)
	waitFor(t, "registration", func() bool { return coord.Registry().Count() == 1 })

	agent.conn.Close()
	waitFor(t, "unregistration", func() bool { return coord.Registry().Count() == 0 })
}

func TestCoordinator_RunUnitOnAgent(t *testing.T) {
	progress := &recordingProgress{}
	coord := newTestCoordinator(CoordinatorConfig{Progress: progress})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	agent := dialAgent(t, server, "agent-1", 1)
	defer agent.conn.Close()
	waitFor(t, "slots", func() bool { return coord.Registry().TotalSlots() == 1 })

	log := &entryLog{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.RunUnit(context.Background(), unitJob("", 1, 2).Unit, log.emit)
	}()

	job := agent.job()
	if len(job.Unit.Pulls) != 2 {
		t.Fatalf("got %d pulls, want 2", len(job.Unit.Pulls))
	}
	agent.send(buildprotocol.TypeState, buildprotocol.StateMessage{JobID: job.JobID, Repo: "acme/widgets", PRNumber: 1, State: domain.StateSetup})
	agent.send(buildprotocol.TypeState, buildprotocol.StateMessage{JobID: job.JobID, Repo: "acme/widgets", PRNumber: 1, State: domain.StateCompiled})
	for _, pr := range job.Unit.Pulls {
		agent.send(buildprotocol.TypeEntry, buildprotocol.EntryMessage{JobID: job.JobID, Entry: entry(pr.Number)})
	}
	agent.send(buildprotocol.TypeComplete, buildprotocol.CompleteMessage{JobID: job.JobID, DurationMs: 1500})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunUnit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunUnit did not return")
	}
	if got := log.numbers(); len(got) != 2 {
		t.Errorf("got entries %v, want 2", got)
	}
	want := []string{"agent-1 started", "agent-1 compiled", "agent-1 finished", "agent-1 finished"}
	if got := progress.all(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got progress %v, want %v", got, want)
	}
}

func TestCoordinator_ErrorMessage(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	agent := dialAgent(t, server, "agent-1", 1)
	defer agent.conn.Close()
	waitFor(t, "slots", func() bool { return coord.Registry().TotalSlots() == 1 })

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.RunUnit(context.Background(), unitJob("", 1).Unit, (&entryLog{}).emit)
	}()

	job := agent.job()
	agent.send(buildprotocol.TypeError, buildprotocol.ErrorMessage{JobID: job.JobID, Message: "checkout corrupted"})

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "checkout corrupted") {
		t.Errorf("got %v, want agent error", err)
	}
}

func TestCoordinator_CrashedAgentWorkMovesOn(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	first := dialAgent(t, server, "agent-1", 1)
	waitFor(t, "slots", func() bool { return coord.Registry().TotalSlots() == 1 })

	log := &entryLog{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.RunUnit(context.Background(), unitJob("", 1, 2, 3).Unit, log.emit)
	}()

	job := first.job()
	first.send(buildprotocol.TypeEntry, buildprotocol.EntryMessage{JobID: job.JobID, Entry: entry(1)})
	waitFor(t, "first entry", func() bool { return len(log.numbers()) == 1 })
	first.conn.Close()
	waitFor(t, "unregistration", func() bool { return coord.Registry().Count() == 0 })

	second := dialAgent(t, server, "agent-2", 1)
	defer second.conn.Close()
	requeued := second.job()
	if len(requeued.Unit.Pulls) != 2 || requeued.Unit.Pulls[0].Number != 2 {
		t.Fatalf("requeued unit carries %v, want PRs 2 and 3", requeued.Unit.Pulls)
	}
	for _, pr := range requeued.Unit.Pulls {
		second.send(buildprotocol.TypeEntry, buildprotocol.EntryMessage{JobID: requeued.JobID, Entry: entry(pr.Number)})
	}
	second.send(buildprotocol.TypeComplete, buildprotocol.CompleteMessage{JobID: requeued.JobID})

	if err := <-errCh; err != nil {
		t.Fatalf("RunUnit: %v", err)
	}
	if got := log.numbers(); len(got) != 3 {
		t.Errorf("got entries %v, want 3", got)
	}
}

func TestCoordinator_CancelDrainsAgent(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	agent := dialAgent(t, server, "agent-1", 1)
	defer agent.conn.Close()
	waitFor(t, "slots", func() bool { return coord.Registry().TotalSlots() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	log := &entryLog{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.RunUnit(ctx, unitJob("", 1, 2).Unit, log.emit)
	}()

	job := agent.job()
	cancel()

	env := agent.next()
	if env.Type != buildprotocol.TypeCancel {
		t.Fatalf("got message %q, want cancel", env.Type)
	}
	// the PR that finished before the cancellation still counts
	agent.send(buildprotocol.TypeEntry, buildprotocol.EntryMessage{JobID: job.JobID, Entry: entry(1)})
	agent.send(buildprotocol.TypeComplete, buildprotocol.CompleteMessage{JobID: job.JobID, Interrupted: true})

	err := <-errCh
	if !errors.Is(err, pipeline.ErrInterrupted) {
		t.Errorf("got %v, want ErrInterrupted", err)
	}
	if got := log.numbers(); len(got) != 1 || got[0] != 1 {
		t.Errorf("got entries %v, want [1]", got)
	}
}

func TestCoordinator_LocalFallback(t *testing.T) {
	registry := NewRegistry()
	embedded := NewEmbeddedWorker([]batch.UnitRunner{&stubRunner{}})
	coord := NewCoordinator(CoordinatorConfig{}, registry, NewDispatcher(registry, embedded.Run))

	log := &entryLog{}
	if err := coord.RunUnit(context.Background(), unitJob("", 1, 2).Unit, log.emit); err != nil {
		t.Fatalf("RunUnit: %v", err)
	}
	if got := log.numbers(); len(got) != 2 {
		t.Errorf("got entries %v, want 2", got)
	}
}

func TestCoordinator_Status(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})
	server := httptest.NewServer(coord.Handler())
	defer server.Close()

	agent := dialAgent(t, server, "agent-1", 3)
	defer agent.conn.Close()
	waitFor(t, "slots", func() bool { return coord.Registry().TotalSlots() == 3 })

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if len(status.Agents) != 1 || status.Agents[0].ID != "agent-1" || status.Agents[0].ActiveJobs != 0 {
		t.Errorf("got agents %+v", status.Agents)
	}
	if status.QueuedJobs != 0 || status.LocalFallbackActive {
		t.Errorf("got status %+v", status)
	}
}

func TestCoordinatorNewCoordinatorDefaults(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{})

	if coord.config.HeartbeatInterval != 30*time.Second {
		t.Errorf("got heartbeat interval=%v, want 30s", coord.config.HeartbeatInterval)
	}
	if coord.config.HeartbeatTimeout != 90*time.Second {
		t.Errorf("got heartbeat timeout=%v, want 90s", coord.config.HeartbeatTimeout)
	}
	if coord.config.DrainTimeout != 10*time.Minute {
		t.Errorf("got drain timeout=%v, want 10m", coord.config.DrainTimeout)
	}
}

func TestCoordinatorStartStop(t *testing.T) {
	coord := newTestCoordinator(CoordinatorConfig{WebSocketPort: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Start(ctx) }()
	waitFor(t, "listener", func() bool { return coord.Addr() != "" })

	_, port, err := net.SplitHostPort(coord.Addr())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	resp.Body.Close()

	if err := coord.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start returned %v after Stop", err)
	}
}
