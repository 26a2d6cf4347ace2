package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	done := m.metrics.TotalCompleted
	header := fmt.Sprintf(" crab-verify │ Run: %s │ Active: %d/%d │ Done: %d/%d │ Successful: %d │ Cached: %d ",
		shortRun(m.runID), len(m.active), m.workers, done, m.totalPRs, m.metrics.TotalSuccessful, m.cached)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabReasons:
		section = m.renderReasons()
	case TabRecent:
		section = m.renderRecent()
	default:
		section = m.renderRunning() + "\n\n" + m.renderTotals()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.summary != nil {
		line := fmt.Sprintf(" Batch finished: %s ", m.summary.Totals())
		style := completedStyle
		switch {
		case m.runErr != nil:
			line = fmt.Sprintf(" Batch failed: %v ", m.runErr)
			style = failedStyle
		case m.summary.Interrupted:
			line = fmt.Sprintf(" Batch interrupted: %s ", m.summary.Totals())
			style = warningStyle
		}
		b.WriteString(style.Width(m.width).Render(line))
		b.WriteString("\n")
	}

	statusBar := " [tab]switch [1-3]tab [j/k]scroll [r]efresh [q]uit "
	if !m.Done() {
		statusBar = " [tab]switch [1-3]tab [j/k]scroll [r]efresh [q]uit (stops the batch) "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Reasons", "Recent"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderRunning() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNNING"))
	b.WriteString("\n")

	if len(m.active) == 0 {
		if m.Done() {
			b.WriteString(queuedStyle.Render("  All workers finished"))
		} else {
			b.WriteString(queuedStyle.Render("  No PR in flight"))
		}
		return b.String()
	}

	now := m.now()
	for _, a := range m.active {
		line := fmt.Sprintf("  ● %-10s %-40s #%-6d %-18s %6s",
			a.Worker, truncate(a.Key.Repo, 40), a.Key.PRNumber, a.State,
			formatDuration(now.Sub(a.StartedAt)))
		if m.stuck[a] {
			b.WriteString(warningStyle.Render(line + "  (stuck?)"))
		} else {
			b.WriteString(runningStyle.Render(line))
		}
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderTotals() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TOTALS"))
	b.WriteString("\n")

	mt := m.metrics
	pct := 0.0
	if mt.TotalCompleted > 0 {
		pct = float64(mt.TotalSuccessful) / float64(mt.TotalCompleted) * 100
	}
	fmt.Fprintf(&b, "  Completed:  %d\n", mt.TotalCompleted)
	b.WriteString(completedStyle.Render(fmt.Sprintf("  Successful: %d (%.1f%%)", mt.TotalSuccessful, pct)))
	b.WriteString("\n")
	b.WriteString(failedStyle.Render(fmt.Sprintf("  Failed:     %d", mt.TotalFailed)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Avg time:   %s\n", formatDuration(mt.AvgDuration))
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  Running for %s, refreshed %s",
		formatDuration(m.now().Sub(m.started)), humanize.Time(m.lastRefresh))))

	return b.String()
}

func (m Model) renderReasons() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("REASONS"))
	b.WriteString("\n")

	reasons := sortedReasons(m.metrics.Reasons)
	if len(reasons) == 0 {
		b.WriteString(queuedStyle.Render("  Nothing completed yet"))
		return b.String()
	}

	for _, r := range window(reasons, m.scroll, m.visibleRows()) {
		line := fmt.Sprintf("  %5d  %s", m.metrics.Reasons[r], truncate(r, m.width-16))
		b.WriteString(line)
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderRecent() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RECENT"))
	b.WriteString("\n")

	if len(m.recent) == 0 {
		b.WriteString(queuedStyle.Render("  Nothing completed yet"))
		return b.String()
	}

	for _, c := range window(m.recent, m.scroll, m.visibleRows()) {
		mark, style := "✓", completedStyle
		if !c.Successful {
			mark, style = "✗", failedStyle
		}
		line := fmt.Sprintf("  %s %-40s #%-6d %6s  %s", mark,
			truncate(c.Key.Repo, 40), c.Key.PRNumber, formatDuration(c.Duration), truncate(c.Reason, 50))
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// sortedReasons orders reasons by count, then alphabetically
func sortedReasons(reasons map[string]int) []string {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if reasons[keys[i]] != reasons[keys[j]] {
			return reasons[keys[i]] > reasons[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func window[T any](rows []T, offset, size int) []T {
	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
