package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

type staticReplanner struct {
	tasks []graph.Task
	err   error
	calls int
}

func (r *staticReplanner) Replan(ctx context.Context, failed graph.Task, record graph.FailureRecord) ([]graph.Task, error) {
	r.calls++
	out := make([]graph.Task, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Clone()
	}
	return out, r.err
}

func task(id string, deps ...string) graph.Task {
	t := graph.NewTask(id)
	t.DependsOn = deps
	t.MaxRetries = 0
	return t
}

// escalated builds root -> failed -> {child -> grandchild} and drives failed
// through one failing attempt to failed_escalated.
func escalated(t *testing.T) *graph.Store {
	t.Helper()
	store := graph.NewStore()
	require.NoError(t, store.AddNodes([]graph.Task{
		task("root"),
		task("failed", "root"),
		task("child", "failed"),
		task("grandchild", "child"),
		task("sibling", "root"),
	}))

	pass := func(id string) {
		_, err := store.PromoteReady()
		require.NoError(t, err)
		for _, st := range []graph.Status{graph.StatusAssigned, graph.StatusRunning, graph.StatusVerifying, graph.StatusPassed} {
			_, err := store.UpdateNode(id, graph.Patch{Status: st, BeginAttempt: st == graph.StatusAssigned})
			require.NoError(t, err)
		}
	}
	pass("root")

	_, err := store.PromoteReady()
	require.NoError(t, err)
	for _, st := range []graph.Status{graph.StatusAssigned, graph.StatusRunning, graph.StatusVerifying} {
		_, err := store.UpdateNode("failed", graph.Patch{Status: st, BeginAttempt: st == graph.StatusAssigned})
		require.NoError(t, err)
	}
	_, err = store.Apply(graph.Batch{Patches: []graph.Patch{
		{ID: "failed", Status: graph.StatusFailed, AppendAttempt: &graph.Attempt{
			Number:   1,
			Outcome:  graph.OutcomeVerificationFailed,
			Evidence: []string{"test X fails"},
			Error:    "verification failed",
		}},
		{ID: "failed", Status: graph.StatusEscalated},
	}})
	require.NoError(t, err)
	return store
}

func TestEscalate_AttachesRecord(t *testing.T) {
	store := escalated(t)
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 4)

	e := New(store, Config{Bus: bus})
	require.NoError(t, e.Escalate(context.Background(), "failed"))

	got, err := store.GetNode("failed")
	require.NoError(t, err)
	require.NotNil(t, got.FailureRecord)
	rec := got.FailureRecord
	assert.Equal(t, "failed", rec.TaskID)
	assert.Len(t, rec.Attempts, 1)
	assert.Equal(t, []string{"test X fails"}, rec.LastEvidence)
	assert.Equal(t, "verification failed", rec.LastError)
	assert.Equal(t, []string{"child", "grandchild"}, rec.Impact)
	assert.Empty(t, rec.Replacements)
	assert.WithinDuration(t, time.Now(), rec.EscalatedAt, time.Minute)

	for _, id := range []string{"child", "grandchild"} {
		st, err := store.Status(id)
		require.NoError(t, err)
		assert.Equal(t, graph.StatusBlocked, st, id)
	}

	ev := (<-sub).(events.TaskEscalatedEvent)
	assert.Equal(t, "failed", ev.ID)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, []string{"child", "grandchild"}, ev.Impact)
}

func TestEscalate_Idempotent(t *testing.T) {
	store := escalated(t)
	e := New(store, Config{})

	require.NoError(t, e.Escalate(context.Background(), "failed"))
	version := store.Version()
	require.NoError(t, e.Escalate(context.Background(), "failed"))
	assert.Equal(t, version, store.Version())
}

func TestEscalate_RejectsLiveTask(t *testing.T) {
	store := escalated(t)
	e := New(store, Config{})

	err := e.Escalate(context.Background(), "child")
	assert.True(t, graph.IsStale(err), "got %v", err)

	err = e.Escalate(context.Background(), "missing")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestEscalate_EmitsReplacements(t *testing.T) {
	store := escalated(t)
	read := graph.NewTask("failed-read")
	write := graph.NewTask("failed-write")
	write.DependsOn = []string{"failed-read"}
	anon := graph.NewTask("")

	r := &staticReplanner{tasks: []graph.Task{read, write, anon}}
	e := New(store, Config{Replanner: r})
	require.NoError(t, e.Escalate(context.Background(), "failed"))

	failed, err := store.GetNode("failed")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusEscalated, failed.Status, "the failed node is never revived")
	rec := failed.FailureRecord
	require.NotNil(t, rec)
	require.Len(t, rec.Replacements, 3)
	assert.Equal(t, "failed-read", rec.Replacements[0])
	assert.Equal(t, "failed-write", rec.Replacements[1])
	assert.True(t, strings.HasPrefix(rec.Replacements[2], "failed~"), "generated id %q", rec.Replacements[2])

	for _, id := range rec.Replacements {
		r, err := store.GetNode(id)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Generation)
		assert.Equal(t, "failed", r.ReplacementOf)
		assert.Contains(t, r.DependsOn, "root", "replacements inherit prerequisites")

		extends, err := store.GetNeighbors(id, graph.Incoming, graph.EdgeExtends)
		require.NoError(t, err)
		require.Len(t, extends, 1)
		assert.Equal(t, "failed", extends[0].Task.ID)
	}

	w, _ := store.GetNode("failed-write")
	assert.Contains(t, w.DependsOn, "failed-read")

	child, err := store.GetNode("child")
	require.NoError(t, err)
	assert.Subset(t, child.DependsOn, rec.Replacements)

	// Nothing downstream is blocked while replacements are alive.
	assert.Empty(t, store.Blocked())
	promoted, err := store.PromoteReady()
	require.NoError(t, err)
	assert.Contains(t, promoted, "failed-read")
	assert.NotContains(t, promoted, "child")
}

func TestEscalate_GenerationCap(t *testing.T) {
	store := escalated(t)
	r := &staticReplanner{tasks: []graph.Task{graph.NewTask("again")}}
	e := New(store, Config{Replanner: r, MaxGeneration: 1})

	// Pretend the failed task is itself a first-generation replacement.
	store2 := graph.NewStore()
	gen := task("gen1")
	gen.Generation = 1
	require.NoError(t, store2.AddNode(gen))
	_, err := store2.PromoteReady()
	require.NoError(t, err)
	for _, st := range []graph.Status{graph.StatusAssigned, graph.StatusRunning, graph.StatusFailed, graph.StatusEscalated} {
		_, err := store2.UpdateNode("gen1", graph.Patch{Status: st, BeginAttempt: st == graph.StatusAssigned})
		require.NoError(t, err)
	}

	e2 := New(store2, Config{Replanner: r, MaxGeneration: 1})
	require.NoError(t, e2.Escalate(context.Background(), "gen1"))
	assert.Zero(t, r.calls, "depth cap reached, replanner not consulted")

	got, _ := store2.GetNode("gen1")
	require.NotNil(t, got.FailureRecord)
	assert.Empty(t, got.FailureRecord.Replacements)

	require.NoError(t, e.Escalate(context.Background(), "failed"))
	assert.Equal(t, 1, r.calls)
}

func TestEscalate_ReplannerFailureStillRecords(t *testing.T) {
	store := escalated(t)
	e := New(store, Config{Replanner: &staticReplanner{err: errors.New("planner offline")}})

	require.NoError(t, e.Escalate(context.Background(), "failed"))

	got, _ := store.GetNode("failed")
	require.NotNil(t, got.FailureRecord)
	assert.Empty(t, got.FailureRecord.Replacements)
}

func TestEscalate_RejectedReplacementsFallBack(t *testing.T) {
	store := escalated(t)
	// "sibling" already exists with a different definition.
	clash := graph.NewTask("sibling")
	clash.Title = "different"
	e := New(store, Config{Replanner: &staticReplanner{tasks: []graph.Task{clash}}})

	require.NoError(t, e.Escalate(context.Background(), "failed"))

	got, _ := store.GetNode("failed")
	require.NotNil(t, got.FailureRecord)
	assert.Empty(t, got.FailureRecord.Replacements)
	st, _ := store.Status("child")
	assert.Equal(t, graph.StatusBlocked, st)
}
