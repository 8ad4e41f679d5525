package planner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

const basePlan = `
tasks:
  - id: a
  - id: b
    depends_on: [a]
`

const extendedPlan = basePlan + `  - id: c
    depends_on: [b]
`

func plannedStore(t *testing.T, p *FilePlanner) *graph.Store {
	t.Helper()
	b, err := p.Plan(context.Background())
	require.NoError(t, err)
	store := graph.NewStore()
	_, err = store.Apply(b)
	require.NoError(t, err)
	return store
}

func TestWatcherSync_AddsOnlyNewTasks(t *testing.T) {
	path := writePlan(t, basePlan)
	p := NewFilePlanner(path, Defaults{MaxRetries: 2})
	store := plannedStore(t, p)

	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicGraph, 4)
	w := NewWatcher(p, store, WatcherConfig{Bus: bus})

	added, err := w.Sync()
	require.NoError(t, err)
	assert.Empty(t, added, "unchanged plan adds nothing")

	require.NoError(t, os.WriteFile(path, []byte(extendedPlan), 0o644))
	added, err = w.Sync()
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, added)

	c, err := store.GetNode("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, c.DependsOn)

	ev := (<-sub).(events.GraphChangedEvent)
	assert.Equal(t, []string{"c"}, ev.Added)
	assert.Equal(t, store.Version(), ev.Version)
}

func TestWatcherSync_AddsEdgesBetweenExistingTasks(t *testing.T) {
	path := writePlan(t, "tasks:\n  - id: a\n  - id: b\n  - id: c\n")
	p := NewFilePlanner(path, Defaults{})
	store := plannedStore(t, p)

	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicGraph, 4)
	w := NewWatcher(p, store, WatcherConfig{Bus: bus})

	withEdge := `tasks:
  - id: a
  - id: b
  - id: c
edges:
  - {source: a, type: depends_on, target: b}
`
	require.NoError(t, os.WriteFile(path, []byte(withEdge), 0o644))
	added, err := w.Sync()
	require.NoError(t, err)
	assert.Empty(t, added)
	b, err := store.GetNode("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.DependsOn)
	ev := (<-sub).(events.GraphChangedEvent)
	assert.Equal(t, store.Version(), ev.Version)

	withDependsOn := `tasks:
  - id: a
  - id: b
  - id: c
    depends_on: [b]
edges:
  - {source: a, type: depends_on, target: b}
`
	require.NoError(t, os.WriteFile(path, []byte(withDependsOn), 0o644))
	_, err = w.Sync()
	require.NoError(t, err)
	c, err := store.GetNode("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, c.DependsOn)
	assert.Len(t, store.Edges(), 2)

	version := store.Version()
	_, err = w.Sync()
	require.NoError(t, err)
	assert.Equal(t, version, store.Version(), "unchanged plan is a no-op")
}

func TestWatcherSync_RejectsCycleAtomically(t *testing.T) {
	path := writePlan(t, basePlan)
	p := NewFilePlanner(path, Defaults{})
	store := plannedStore(t, p)
	w := NewWatcher(p, store, WatcherConfig{})

	cyclic := basePlan + `  - id: c
    depends_on: [b]
edges:
  - {source: c, type: depends_on, target: a}
`
	require.NoError(t, os.WriteFile(path, []byte(cyclic), 0o644))

	_, err := w.Sync()
	var cycle *graph.CyclicDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, 2, store.Len(), "rejected batch must not add c")
}

func TestWatcherRun_FollowsWrites(t *testing.T) {
	path := writePlan(t, basePlan)
	p := NewFilePlanner(path, Defaults{})
	store := plannedStore(t, p)
	w := NewWatcher(p, store, WatcherConfig{Debounce: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	version := store.Version()
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(extendedPlan), 0o644)
		select {
		case <-store.Changed(version):
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	_, err := store.GetNode("c")
	assert.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
