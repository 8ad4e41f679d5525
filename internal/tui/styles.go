package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/graph"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusVerifying = lipgloss.NewStyle().
				Foreground(lipgloss.Color("cyan"))

	StyleStatusPassed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusEscalated = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("magenta"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// StatusStyle returns the style used to render a task status.
func StatusStyle(s graph.Status) lipgloss.Style {
	switch s {
	case graph.StatusAssigned, graph.StatusRunning, graph.StatusFailed:
		return StyleStatusRunning
	case graph.StatusVerifying:
		return StyleStatusVerifying
	case graph.StatusPassed:
		return StyleStatusPassed
	case graph.StatusEscalated:
		return StyleStatusEscalated
	case graph.StatusBlocked:
		return StyleStatusBlocked
	default:
		return StyleStatusPending
	}
}

// StatusIcon returns a styled one-character status indicator.
func StatusIcon(s graph.Status) string {
	icon := "○"
	switch s {
	case graph.StatusAssigned, graph.StatusRunning, graph.StatusFailed:
		icon = "●"
	case graph.StatusVerifying:
		icon = "◐"
	case graph.StatusPassed:
		icon = "✓"
	case graph.StatusEscalated:
		icon = "✗"
	case graph.StatusBlocked:
		icon = "⊘"
	}
	return StatusStyle(s).Render(icon)
}
