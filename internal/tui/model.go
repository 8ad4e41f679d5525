package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneLog
	PaneGraph
)

// RunFinishedMsg tells the monitor the run is over. Summary is shown in
// place of the help bar.
type RunFinishedMsg struct {
	Summary string
}

// Model is the root Bubble Tea model of the run monitor.
type Model struct {
	taskPane    TaskPaneModel
	logPane     LogPaneModel
	graphPane   GraphPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
	summary     string
}

// New creates a monitor subscribed to every event on the bus.
func New(eventBus *events.EventBus) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		logPane:     NewLogPaneModel(),
		graphPane:   NewGraphPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case key.Matches(msg, keys.PrevPane):
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case key.Matches(msg, keys.TasksPane):
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case key.Matches(msg, keys.LogPane):
			m.focusedPane = PaneLog
			m.updateFocusStates()

		case key.Matches(msg, keys.GraphPane):
			m.focusedPane = PaneGraph
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneLog:
				m.logPane, cmd = m.logPane.Update(msg)
			case PaneGraph:
				m.graphPane, cmd = m.graphPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case RunFinishedMsg:
		m.summary = msg.Summary

	case events.GraphProgressEvent, events.GraphChangedEvent:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd)
		m.logPane, cmd = m.logPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.logPane, cmd = m.logPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.logPane.View(), m.graphPane.View())
	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)

	footer := HelpView()
	if m.summary != "" {
		footer = StyleTitle.Render(m.summary) + StyleHelp.Render("  q: quit")
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, footer)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	logHeight := (availableHeight * 60) / 100

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.logPane.SetSize(rightWidth, logHeight)
	m.graphPane.SetSize(rightWidth, availableHeight-logHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.logPane.SetFocused(m.focusedPane == PaneLog)
	m.graphPane.SetFocused(m.focusedPane == PaneGraph)
}
