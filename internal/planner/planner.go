package planner

import (
	"context"
	"sync"

	"github.com/aristath/taskgraph/internal/graph"
)

// Planner produces the initial graph-build batch.
type Planner interface {
	Plan(ctx context.Context) (graph.Batch, error)
}

// Replanner proposes smaller replacement tasks for an escalated task. The
// returned tasks may leave ids empty; dependencies among them refer to the
// ids they are returned with.
type Replanner interface {
	Replan(ctx context.Context, failed graph.Task, record graph.FailureRecord) ([]graph.Task, error)
}

// FilePlanner plans from a YAML plan file and replans from each task's
// on_escalate list.
type FilePlanner struct {
	path     string
	defaults Defaults

	mu   sync.RWMutex
	plan *Plan
}

// NewFilePlanner creates a planner for the plan file at path.
func NewFilePlanner(path string, d Defaults) *FilePlanner {
	return &FilePlanner{path: path, defaults: d}
}

// Plan reads the plan file and returns its batch.
func (p *FilePlanner) Plan(ctx context.Context) (graph.Batch, error) {
	plan, err := p.Reload()
	if err != nil {
		return graph.Batch{}, err
	}
	return plan.Batch(p.defaults), nil
}

// Reload re-reads the plan file and keeps it for later replanning.
func (p *FilePlanner) Reload() (*Plan, error) {
	plan, err := Load(p.path)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.plan = plan
	p.mu.Unlock()
	return plan, nil
}

// Path returns the plan file location.
func (p *FilePlanner) Path() string { return p.path }

// Defaults returns the defaults applied to planned tasks.
func (p *FilePlanner) Defaults() Defaults { return p.defaults }

// Replan returns the on_escalate tasks declared for the failed task.
func (p *FilePlanner) Replan(ctx context.Context, failed graph.Task, record graph.FailureRecord) ([]graph.Task, error) {
	p.mu.RLock()
	plan := p.plan
	p.mu.RUnlock()
	if plan == nil {
		var err error
		if plan, err = p.Reload(); err != nil {
			return nil, err
		}
	}

	var out []graph.Task
	for _, s := range plan.fallbacks(failed.ID) {
		out = append(out, s.Task(p.defaults))
	}
	return out, nil
}
