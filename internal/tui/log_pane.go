package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskgraph/internal/events"
)

const maxLogLines = 500

// LogPaneModel is a scrolling log of lifecycle events.
type LogPaneModel struct {
	lines    []string
	viewport viewport.Model
	follow   bool
	width    int
	height   int
	focused  bool
}

// NewLogPaneModel creates an empty event log.
func NewLogPaneModel() LogPaneModel {
	return LogPaneModel{viewport: viewport.New(0, 0), follow: true}
}

// Update handles messages for the log pane.
func (m LogPaneModel) Update(msg tea.Msg) (LogPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()

	case events.Event:
		line := FormatEvent(msg)
		if line == "" {
			break
		}
		m.lines = append(m.lines, line)
		if len(m.lines) > maxLogLines {
			m.lines = m.lines[len(m.lines)-maxLogLines:]
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if m.follow {
			m.viewport.GotoBottom()
		}
	}
	return m, cmd
}

// FormatEvent renders a lifecycle event as one log line. Output lines and
// progress ticks are not logged.
func FormatEvent(ev events.Event) string {
	var ts time.Time
	var text string
	switch e := ev.(type) {
	case events.TaskReadyEvent:
		ts, text = e.Timestamp, fmt.Sprintf("%s ready", e.ID)
	case events.TaskDispatchedEvent:
		ts, text = e.Timestamp, fmt.Sprintf("%s dispatched (attempt %d, role %q)", e.ID, e.Attempt, e.Role)
	case events.TaskVerifyingEvent:
		ts, text = e.Timestamp, fmt.Sprintf("%s verifying (%d ops)", e.ID, e.Operations)
	case events.TaskPassedEvent:
		ts, text = e.Timestamp, StyleStatusPassed.Render(fmt.Sprintf("%s passed", e.ID))
	case events.TaskRetryEvent:
		ts, text = e.Timestamp, StyleStatusRunning.Render(fmt.Sprintf("%s attempt %d %s", e.ID, e.Attempt, e.Outcome))
	case events.TaskEscalatedEvent:
		ts, text = e.Timestamp, StyleStatusEscalated.Render(fmt.Sprintf("%s escalated, blocks %d", e.ID, len(e.Impact)))
	case events.GraphChangedEvent:
		ts, text = e.Timestamp, fmt.Sprintf("plan added %s", strings.Join(e.Added, ", "))
	default:
		return ""
	}
	return StyleHelp.Render(ts.Format("15:04:05")) + " " + text
}

// View renders the log pane.
func (m LogPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(StyleTitle.Render("Events") + "\n" + m.viewport.View())
}

// SetSize updates the pane dimensions.
func (m *LogPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
}

// SetFocused updates the focus state.
func (m *LogPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
