package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
	"github.com/aristath/taskgraph/internal/planner"
)

// Config configures a FailureEscalator.
type Config struct {
	Replanner     planner.Replanner // nil disables replacement tasks
	MaxGeneration int               // Replacements of replacements stop at this depth (default 1)
	Bus           *events.EventBus
	Logger        *slog.Logger
}

// FailureEscalator handles tasks that exhausted their retries. It attaches a
// failure record and may emit replacement tasks; it never revives or edits
// the escalated task beyond the record.
type FailureEscalator struct {
	store         *graph.Store
	replanner     planner.Replanner
	maxGeneration int
	bus           *events.EventBus
	log           *slog.Logger
}

// New creates an escalator over store.
func New(store *graph.Store, cfg Config) *FailureEscalator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxGeneration <= 0 {
		cfg.MaxGeneration = 1
	}
	return &FailureEscalator{
		store:         store,
		replanner:     cfg.Replanner,
		maxGeneration: cfg.MaxGeneration,
		bus:           cfg.Bus,
		log:           logger.With("component", "escalator"),
	}
}

// Escalate builds and attaches the failure record of an escalated task.
// Escalating a task that already carries a record is a no-op.
func (e *FailureEscalator) Escalate(ctx context.Context, taskID string) error {
	task, err := e.store.GetNode(taskID)
	if err != nil {
		return err
	}
	if task.Status != graph.StatusEscalated {
		return &graph.StaleStateError{TaskID: taskID, Status: task.Status, Want: graph.StatusEscalated, Op: "escalate"}
	}
	if task.FailureRecord != nil {
		return nil
	}

	record := buildRecord(task, e.store.Downstream(taskID))
	log := e.log.With("task", taskID, "attempts", len(record.Attempts))

	replacements := e.replacements(ctx, task, record)
	if len(replacements.Nodes) > 0 {
		withReplacements := record
		for _, t := range replacements.Nodes {
			withReplacements.Replacements = append(withReplacements.Replacements, t.ID)
		}
		b := replacements
		b.Patches = []graph.Patch{{ID: taskID, FailureRecord: &withReplacements}}
		if _, err := e.store.Apply(b); err == nil {
			record = withReplacements
		} else {
			log.Error("replacement tasks rejected", "error", err)
		}
	}

	if record.Replacements == nil {
		if _, err := e.store.UpdateNode(taskID, graph.Patch{FailureRecord: &record}); err != nil {
			return fmt.Errorf("failed to attach failure record: %w", err)
		}
	}

	log.Error("task escalated", "impact", record.Impact, "replacements", record.Replacements, "last_error", record.LastError)
	if e.bus != nil {
		e.bus.Publish(events.TopicTask, events.TaskEscalatedEvent{
			ID:           taskID,
			Attempts:     len(record.Attempts),
			Impact:       record.Impact,
			Replacements: record.Replacements,
			Timestamp:    record.EscalatedAt,
		})
	}
	return nil
}

// buildRecord summarizes the attempt history of an escalated task.
func buildRecord(task graph.Task, impact []string) graph.FailureRecord {
	rec := graph.FailureRecord{
		TaskID:      task.ID,
		Attempts:    task.Attempts,
		Impact:      impact,
		EscalatedAt: time.Now(),
	}
	if n := len(task.Attempts); n > 0 {
		last := task.Attempts[n-1]
		rec.LastEvidence = last.Evidence
		rec.LastError = last.Error
	}
	return rec
}

// replacements asks the replanner for smaller tasks and wires them into the
// graph: each inherits the failed task's prerequisites, is linked to it by
// an extends edge and becomes a prerequisite of its direct dependents.
func (e *FailureEscalator) replacements(ctx context.Context, task graph.Task, record graph.FailureRecord) graph.Batch {
	if e.replanner == nil {
		return graph.Batch{}
	}
	if task.Generation >= e.maxGeneration {
		e.log.Info("replacement depth reached", "task", task.ID, "generation", task.Generation)
		return graph.Batch{}
	}

	proposed, err := e.replanner.Replan(ctx, task, record)
	if err != nil {
		e.log.Warn("replanning failed", "task", task.ID, "error", err)
		return graph.Batch{}
	}
	if len(proposed) == 0 {
		return graph.Batch{}
	}

	ids := make(map[string]string, len(proposed))
	for i, p := range proposed {
		key := p.ID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("%s~%s", task.ID, uuid.NewString()[:8])
		}
		ids[key] = id
		proposed[i].ID = id
	}

	var dependents []string
	e.store.Read(func(v graph.View) {
		dependents = v.Successors(task.ID)
	})

	var b graph.Batch
	for _, p := range proposed {
		r := p.Clone()
		r.Status = graph.StatusPending
		r.Generation = task.Generation + 1
		r.ReplacementOf = task.ID
		r.AttemptNumber = 0
		r.Attempts = nil
		r.FailureRecord = nil
		r.Artifact = nil
		r.ParallelGroup = 0

		var deps []string
		for _, d := range r.DependsOn {
			if mapped, ok := ids[d]; ok {
				d = mapped
			}
			deps = append(deps, d)
		}
		r.DependsOn = append(deps, task.DependsOn...)
		slices.Sort(r.DependsOn)
		r.DependsOn = slices.Compact(r.DependsOn)
		b.Nodes = append(b.Nodes, r)

		b.Edges = append(b.Edges, graph.Edge{Source: task.ID, Type: graph.EdgeExtends, Target: r.ID})
		for _, d := range dependents {
			b.Edges = append(b.Edges, graph.DependsOn(d, r.ID))
		}
	}
	return b
}
