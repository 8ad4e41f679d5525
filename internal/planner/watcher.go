package planner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

// WatcherConfig configures a plan Watcher.
type WatcherConfig struct {
	Debounce time.Duration // Quiet period after the last write (default 100ms)
	Bus      *events.EventBus
	Logger   *slog.Logger
}

// Watcher follows a plan file during a run and submits tasks appended to it
// as atomic batches.
type Watcher struct {
	planner  *FilePlanner
	store    *graph.Store
	debounce time.Duration
	bus      *events.EventBus
	log      *slog.Logger
}

// NewWatcher creates a watcher submitting to store.
func NewWatcher(p *FilePlanner, store *graph.Store, cfg WatcherConfig) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	return &Watcher{
		planner:  p,
		store:    store,
		debounce: cfg.Debounce,
		bus:      cfg.Bus,
		log:      logger.With("component", "plan-watcher", "path", p.Path()),
	}
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so that editors replacing the file by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.planner.Path())
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	w.log.Info("following plan file")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			w.log.Debug("plan file changed", "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := w.Sync(); err != nil {
				w.log.Error("failed to apply plan changes", "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("fsnotify error", "error", err)
		}
	}
}

// Sync reloads the plan and submits, in one batch, the tasks the graph does
// not hold yet and the dependencies the graph lacks, whether declared as
// edges or added to an existing task's depends_on. It returns the added
// task ids.
func (w *Watcher) Sync() ([]string, error) {
	plan, err := w.planner.Reload()
	if err != nil {
		return nil, err
	}
	full := plan.Batch(w.planner.Defaults())

	existing := make(map[string]bool)
	for _, e := range w.store.Edges() {
		existing[e.String()] = true
	}

	var b graph.Batch
	var added []string
	for _, t := range full.Nodes {
		cur, err := w.store.GetNode(t.ID)
		if err != nil {
			b.Nodes = append(b.Nodes, t)
			added = append(added, t.ID)
			continue
		}
		for _, dep := range t.DependsOn {
			if !slices.Contains(cur.DependsOn, dep) {
				b.Edges = append(b.Edges, graph.DependsOn(t.ID, dep))
			}
		}
	}
	for _, e := range full.Edges {
		if !existing[e.String()] {
			b.Edges = append(b.Edges, e)
		}
	}
	if b.Empty() {
		return nil, nil
	}

	version, err := w.store.Apply(b)
	if err != nil {
		return nil, fmt.Errorf("failed to submit plan changes (%d tasks, %d edges): %w", len(added), len(b.Edges), err)
	}
	w.log.Info("plan changes applied", "tasks", added, "edges", len(b.Edges), "version", version)
	if w.bus != nil {
		w.bus.Publish(events.TopicGraph, events.GraphChangedEvent{Version: version, Added: added, Timestamp: time.Now()})
	}
	return added, nil
}
