package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/observer"
)

// Source is polled on every refresh; *observer.Observer implements it
type Source interface {
	Active() []*observer.Attempt
	IsStuck(a *observer.Attempt) bool
	GetMetrics() observer.Metrics
	Recent(n int) []observer.Completion
}

// Tabs of the dashboard
const (
	TabDashboard = iota
	TabReasons
	TabRecent
	tabCount
)

// recentLimit is how many completions the Recent tab keeps
const recentLimit = 200

// Model is the TUI application model
type Model struct {
	source Source

	// Data
	active  []*observer.Attempt
	stuck   map[*observer.Attempt]bool
	metrics observer.Metrics
	recent  []observer.Completion

	// Run
	runID    string
	workers  int
	totalPRs int
	cached   int
	started  time.Time
	summary  *batch.Summary
	runErr   error
	quitting bool
	onQuit   func()

	// UI state
	width     int
	height    int
	activeTab int
	scroll    int

	// Refresh
	lastRefresh time.Time
	now         func() time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Source   Source
	RunID    string
	Workers  int
	TotalPRs int
	Cached   int
	// OnQuit is called once when the operator quits before the run ends
	OnQuit func()
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		source:   cfg.Source,
		runID:    cfg.RunID,
		workers:  cfg.Workers,
		totalPRs: cfg.TotalPRs,
		cached:   cfg.Cached,
		onQuit:   cfg.OnQuit,
		now:      time.Now,
	}
	m.started = m.now()
	m.refresh()
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// BatchDoneMsg is sent when the batch returned
type BatchDoneMsg struct {
	Summary batch.Summary
	Err     error
}

// refresh pulls a snapshot from the source
func (m *Model) refresh() {
	m.lastRefresh = m.now()
	if m.source == nil {
		return
	}
	m.active = m.source.Active()
	m.stuck = make(map[*observer.Attempt]bool)
	for _, a := range m.active {
		if m.source.IsStuck(a) {
			m.stuck[a] = true
		}
	}
	m.metrics = m.source.GetMetrics()
	m.recent = m.source.Recent(recentLimit)
}

// Done reports whether the batch has returned
func (m Model) Done() bool {
	return m.summary != nil
}
