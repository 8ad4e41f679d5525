package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the monitor's bindings. Scrolling keys not listed here fall
// through to the focused pane's viewport.
type keyMap struct {
	Quit      key.Binding
	NextPane  key.Binding
	PrevPane  key.Binding
	TasksPane key.Binding
	LogPane   key.Binding
	GraphPane key.Binding
	Up        key.Binding
	Down      key.Binding
	Scroll    key.Binding
}

var keys = keyMap{
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	NextPane:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane:  key.NewBinding(key.WithKeys("shift+tab")),
	TasksPane: key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2/3", "jump to pane")),
	LogPane:   key.NewBinding(key.WithKeys("2")),
	GraphPane: key.NewBinding(key.WithKeys("3")),
	Up:        key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("j/k", "select task")),
	Down:      key.NewBinding(key.WithKeys("j", "down")),
	Scroll:    key.NewBinding(key.WithKeys("pgup", "pgdown"), key.WithHelp("pgup/pgdn", "scroll")),
}

// HelpView returns a one-line help bar built from the bindings that carry
// help text.
func HelpView() string {
	var parts []string
	for _, b := range []key.Binding{keys.NextPane, keys.TasksPane, keys.Up, keys.Scroll, keys.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
