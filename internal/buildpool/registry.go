// Package buildpool serves remote verification agents. It tracks
// connected agents and their free slots and dispatches repository units
// to them, falling back to local verification when none is connected.
package buildpool

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Agent represents a connected verification agent
type Agent struct {
	ID            string
	MaxJobs       int
	Slots         int
	Conn          *websocket.Conn
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	mu            sync.Mutex
	writeMu       sync.Mutex // protects Conn writes
}

// UpdateSlots records the free slot count reported by the agent
func (a *Agent) UpdateSlots(slots int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Slots = slots
}

// TakeSlot claims a slot. It reports false when none is free.
func (a *Agent) TakeSlot() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Slots <= 0 {
		return false
	}
	a.Slots--
	return true
}

// FreeSlots returns the free slot count
func (a *Agent) FreeSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Slots
}

// SetLastHeartbeat sets the last heartbeat time
func (a *Agent) SetLastHeartbeat(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LastHeartbeat = t
}

// Status returns a snapshot of the agent's status fields
func (a *Agent) Status() (maxJobs, slots int, connectedAt, lastHeartbeat time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.MaxJobs, a.Slots, a.ConnectedAt, a.LastHeartbeat
}

// WriteMessage sends a message to the agent connection
func (a *Agent) WriteMessage(messageType int, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.Conn.WriteMessage(messageType, data)
}

// Ping sends a protocol-level ping with a write deadline
func (a *Agent) Ping(wait time.Duration) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

// Registry tracks connected agents
type Registry struct {
	agents map[string]*Agent
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds an agent, replacing a previous connection with the same ID
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	a.ConnectedAt = now
	a.LastHeartbeat = now
	r.agents[a.ID] = a
}

// Unregister removes the agent if conn is still its current connection.
// It reports whether the agent was removed.
func (r *Registry) Unregister(id string, conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || (conn != nil && a.Conn != conn) {
		return false
	}
	delete(r.agents, id)
	return true
}

// Get returns an agent by ID
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// Count returns the number of connected agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Claim takes a slot on the agent with the most free slots and returns
// it, or nil when every agent is busy
func (r *Registry) Claim() *Agent {
	for _, a := range r.All() {
		if a.TakeSlot() {
			return a
		}
	}
	return nil
}

// All returns the connected agents, most free slots first
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	slots := make(map[*Agent]int, len(agents))
	for _, a := range agents {
		slots[a] = a.FreeSlots()
	}
	sort.Slice(agents, func(i, j int) bool {
		if slots[agents[i]] != slots[agents[j]] {
			return slots[agents[i]] > slots[agents[j]]
		}
		return agents[i].ID < agents[j].ID
	})
	return agents
}

// TotalSlots returns the sum of free slots
func (r *Registry) TotalSlots() int {
	total := 0
	for _, a := range r.All() {
		total += a.FreeSlots()
	}
	return total
}
