package execution

import (
	"context"

	"github.com/aristath/taskgraph/internal/graph"
)

// OpsReporter receives incremental operation counts from a running worker.
type OpsReporter interface {
	Report(n int)
}

// Result is what a worker hands back for one attempt.
type Result struct {
	Artifact   graph.Artifact
	Operations int // Total consumed, if the worker did not report incrementally
}

// Worker executes a task. Implementations must return promptly once ctx is
// cancelled.
type Worker interface {
	Execute(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error)

func (f WorkerFunc) Execute(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
	return f(ctx, task, ops)
}

// Workers maps roles to workers. The "default" role serves tasks whose role
// has no dedicated worker.
type Workers map[string]Worker

// DefaultRole is the role used for tasks that name none.
const DefaultRole = "default"

func (w Workers) lookup(role string) (Worker, bool) {
	if role == "" {
		role = DefaultRole
	}
	if worker, ok := w[role]; ok {
		return worker, true
	}
	worker, ok := w[DefaultRole]
	return worker, ok
}
