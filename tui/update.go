package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.Done() && !m.quitting && m.onQuit != nil {
				m.onQuit()
			}
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.refresh()
		case "j", "down":
			if m.scroll < m.maxScroll() {
				m.scroll++
			}
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0
		case "1":
			m.activeTab = TabDashboard
			m.scroll = 0
		case "2":
			m.activeTab = TabReasons
			m.scroll = 0
		case "3":
			m.activeTab = TabRecent
			m.scroll = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh()
		if m.Done() {
			return m, nil
		}
		return m, tickCmd()

	case BatchDoneMsg:
		s := msg.Summary
		m.summary = &s
		m.runErr = msg.Err
		m.refresh()
		return m, nil
	}

	return m, nil
}

// maxScroll bounds scrolling to the rows of the current tab
func (m Model) maxScroll() int {
	rows := 0
	switch m.activeTab {
	case TabReasons:
		rows = len(m.metrics.Reasons)
	case TabRecent:
		rows = len(m.recent)
	default:
		return 0
	}
	if max := rows - m.visibleRows(); max > 0 {
		return max
	}
	return 0
}

func (m Model) visibleRows() int {
	if m.height <= 10 {
		return 10
	}
	return m.height - 8
}
