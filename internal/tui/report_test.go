package tui

import (
	"strings"
	"testing"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

// escalatedGraph returns a -> b where a is escalated and b therefore blocked.
func escalatedGraph(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	a := graph.NewTask("a")
	a.MaxRetries = 0
	b := graph.NewTask("b")
	b.DependsOn = []string{"a"}
	if err := s.AddNodes([]graph.Task{a, b}); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	if _, err := s.PromoteReady(); err != nil {
		t.Fatalf("PromoteReady: %v", err)
	}
	for _, p := range []graph.Patch{
		{Status: graph.StatusAssigned, BeginAttempt: true},
		{Status: graph.StatusRunning},
		{Status: graph.StatusFailed, AppendAttempt: &graph.Attempt{Number: 1, Outcome: graph.OutcomeWorkerError, Error: "exit status 3"}},
		{Status: graph.StatusEscalated},
		{FailureRecord: &graph.FailureRecord{TaskID: "a", LastError: "exit status 3", Impact: []string{"b"}}},
	} {
		if _, err := s.UpdateNode("a", p); err != nil {
			t.Fatalf("UpdateNode(%+v): %v", p, err)
		}
	}
	return s
}

func TestRenderStatus(t *testing.T) {
	out := RenderStatus(escalatedGraph(t))

	for _, want := range []string{"a", "b", "failed_escalated", "blocked", "exit status 3", "blocks:"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestRenderTask(t *testing.T) {
	s := escalatedGraph(t)
	a, err := s.GetNode("a")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	out := RenderTask(a, graph.StatusEscalated)

	for _, want := range []string{"#1", "worker_error", "exit status 3", "1 of 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("task view missing %q:\n%s", want, out)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{"ready", events.TaskReadyEvent{ID: "a"}, "a ready"},
		{"retry", events.TaskRetryEvent{ID: "a", Attempt: 2, Outcome: "budget_exceeded"}, "a attempt 2 budget_exceeded"},
		{"escalated", events.TaskEscalatedEvent{ID: "a", Impact: []string{"b", "c"}}, "a escalated, blocks 2"},
		{"plan", events.GraphChangedEvent{Added: []string{"x", "y"}}, "plan added x, y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatEvent(tt.ev); !strings.Contains(got, tt.want) {
				t.Errorf("FormatEvent() = %q, want it to contain %q", got, tt.want)
			}
		})
	}

	if got := FormatEvent(events.TaskOutputEvent{ID: "a", Line: "noise"}); got != "" {
		t.Errorf("output lines are not logged, got %q", got)
	}
}

func TestHelpView(t *testing.T) {
	help := HelpView()
	for _, want := range []string{"tab: cycle focus", "j/k: select task", "q: quit"} {
		if !strings.Contains(help, want) {
			t.Errorf("help bar %q lacks %q", help, want)
		}
	}
}
