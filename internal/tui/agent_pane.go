package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

// TaskState is what the monitor knows about one dispatched task.
type TaskState struct {
	TaskID    string
	Role      string
	Status    graph.Status
	Attempt   int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists dispatched tasks and shows the selected task's output
// in a scrollable viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskDispatchedEvent:
		t, exists := m.tasks[msg.ID]
		if !exists {
			t = &TaskState{TaskID: msg.ID, Role: msg.Role}
			m.tasks[msg.ID] = t
			m.taskOrder = append(m.taskOrder, msg.ID)
		}
		t.Status = graph.StatusRunning
		t.Attempt = msg.Attempt
		t.StartTime = msg.Timestamp
		t.Output = append(t.Output, fmt.Sprintf("[attempt %d, group %d]", msg.Attempt, msg.ParallelGroup))
		m.refresh(msg.ID)

	case events.TaskOutputEvent:
		if t, exists := m.tasks[msg.ID]; exists {
			t.Output = append(t.Output, msg.Line)
			if m.selectedTaskID() == msg.ID {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.TaskVerifyingEvent:
		if t, exists := m.tasks[msg.ID]; exists {
			t.Status = graph.StatusVerifying
			t.Output = append(t.Output, fmt.Sprintf("[verifying, %d operations]", msg.Operations))
			m.refresh(msg.ID)
		}

	case events.TaskPassedEvent:
		if t, exists := m.tasks[msg.ID]; exists {
			t.Status = graph.StatusPassed
			t.Duration = msg.Duration
			t.Output = append(t.Output, fmt.Sprintf("[passed in %v]", msg.Duration.Round(time.Millisecond)))
			m.refresh(msg.ID)
		}

	case events.TaskRetryEvent:
		if t, exists := m.tasks[msg.ID]; exists {
			t.Status = graph.StatusPending
			t.Output = append(t.Output, fmt.Sprintf("[attempt %d %s: %s]", msg.Attempt, msg.Outcome, msg.Err))
			for _, e := range msg.Evidence {
				t.Output = append(t.Output, "  "+e)
			}
			m.refresh(msg.ID)
		}

	case events.TaskEscalatedEvent:
		if t, exists := m.tasks[msg.ID]; exists {
			t.Status = graph.StatusEscalated
			t.Output = append(t.Output, fmt.Sprintf("[escalated after %d attempts]", msg.Attempts))
			if len(msg.Impact) > 0 {
				t.Output = append(t.Output, "  blocks: "+strings.Join(msg.Impact, ", "))
			}
			if len(msg.Replacements) > 0 {
				t.Output = append(t.Output, "  replaced by: "+strings.Join(msg.Replacements, ", "))
			}
			m.refresh(msg.ID)
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// refresh redraws the viewport when id is the task on display.
func (m *TaskPaneModel) refresh(id string) {
	if len(m.taskOrder) == 1 || m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := id
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// selectedTaskID returns the ID of the selected task.
func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's output.
func (m *TaskPaneModel) updateViewportContent() {
	t, exists := m.tasks[m.selectedTaskID()]
	if !exists {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-25-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
