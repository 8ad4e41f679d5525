package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

// GraphPaneModel shows task counts by effective status and a progress bar.
type GraphPaneModel struct {
	progress events.GraphProgressEvent
	version  uint64
	width    int
	height   int
	focused  bool
}

// NewGraphPaneModel creates a new graph pane model.
func NewGraphPaneModel() GraphPaneModel {
	return GraphPaneModel{}
}

// Update handles messages for the graph pane.
func (m GraphPaneModel) Update(msg tea.Msg) (GraphPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.GraphProgressEvent:
		m.progress = msg

	case events.GraphChangedEvent:
		m.version = msg.Version
	}

	return m, nil
}

// View renders the graph pane.
func (m GraphPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	p := m.progress

	title := StyleTitle.Render("Graph Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	row := func(label string, s graph.Status, n int) {
		b.WriteString(fmt.Sprintf("%-10s %s\n", label+":", StatusStyle(s).Render(fmt.Sprintf("%d", n))))
	}
	b.WriteString(fmt.Sprintf("%-10s %d\n", "Total:", p.Total))
	row("Passed", graph.StatusPassed, p.Passed)
	row("In flight", graph.StatusRunning, p.InFlight)
	row("Ready", graph.StatusReady, p.Ready)
	row("Pending", graph.StatusPending, p.Pending)
	row("Blocked", graph.StatusBlocked, p.Blocked)
	row("Escalated", graph.StatusEscalated, p.Escalated)
	if m.version > 0 {
		b.WriteString(fmt.Sprintf("\nPlan updated (v%d)\n", m.version))
	}
	b.WriteString("\n")

	if p.Total > 0 {
		b.WriteString(progressBar(p, min(m.width-4, 40)))
		b.WriteString(fmt.Sprintf("  %d/%d\n", p.Passed, p.Total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// progressBar renders passed, escalated or blocked, in-flight and waiting
// tasks as proportional segments.
func progressBar(p events.GraphProgressEvent, width int) string {
	if width <= 0 || p.Total == 0 {
		return ""
	}
	passed := p.Passed * width / p.Total
	dead := (p.Escalated + p.Blocked) * width / p.Total
	inflight := p.InFlight * width / p.Total
	waiting := max(0, width-passed-dead-inflight)

	bar := StyleStatusPassed.Render(strings.Repeat("=", passed))
	bar += StyleStatusEscalated.Render(strings.Repeat("!", dead))
	bar += StyleStatusRunning.Render(strings.Repeat("-", inflight))
	bar += StyleStatusPending.Render(strings.Repeat(".", waiting))
	return "[" + bar + "]"
}

// SetSize updates the pane dimensions.
func (m *GraphPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *GraphPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
