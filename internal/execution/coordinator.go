package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

var (
	// ErrNoWorker is returned when no worker serves a task's role.
	ErrNoWorker = errors.New("no worker for role")
	// ErrResourceConflict is returned when a claimed task would start next
	// to a running task holding a conflicting resource. The task is put back
	// to ready.
	ErrResourceConflict = errors.New("resource conflict with an in-flight task")
	// ErrTaskCancelled aborts an attempt on request.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrInterrupted marks an attempt cut short because the run itself
	// stopped. It does not count against the task's retries.
	ErrInterrupted = errors.New("run interrupted")
)

// ConflictChecker decides whether two tasks may run at the same time.
type ConflictChecker interface {
	Conflicts(a, b *graph.Task) bool
}

// LineReporter is implemented by the reporter handed to workers; workers
// that stream output may forward lines through it.
type LineReporter interface {
	Line(s string)
}

// Execution describes one finished worker invocation.
type Execution struct {
	TaskID     string
	Attempt    int
	Artifact   graph.Artifact
	Operations int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error // Attempt failure; nil means the task is now verifying
}

// Outcome classifies a failed execution for the attempt history.
func (e Execution) Outcome() graph.Outcome {
	var budget *BudgetExceededError
	switch {
	case e.Err == nil:
		return ""
	case errors.Is(e.Err, ErrInterrupted):
		return graph.OutcomeInterrupted
	case errors.As(e.Err, &budget):
		return graph.OutcomeBudgetExceeded
	case errors.Is(e.Err, ErrTaskCancelled), errors.Is(e.Err, context.Canceled):
		return graph.OutcomeCancelled
	default:
		return graph.OutcomeWorkerError
	}
}

// Interrupted reports whether the attempt stopped because the run did.
func (e Execution) Interrupted() bool {
	return errors.Is(e.Err, ErrInterrupted)
}

// Config configures a Coordinator.
type Config struct {
	Workers   Workers
	Conflicts ConflictChecker
	Breakers  *BreakerRegistry // nil uses default settings
	Bus       *events.EventBus
	Logger    *slog.Logger
}

// Coordinator runs claimed tasks on their workers under a resource budget.
type Coordinator struct {
	store     *graph.Store
	workers   Workers
	conflicts ConflictChecker
	breakers  *BreakerRegistry
	bus       *events.EventBus
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store *graph.Store, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(BreakerSettings{}, logger)
	}
	return &Coordinator{
		store:     store,
		workers:   cfg.Workers,
		conflicts: cfg.Conflicts,
		breakers:  breakers,
		bus:       cfg.Bus,
		log:       logger.With("component", "coordinator"),
		active:    make(map[string]context.CancelCauseFunc),
	}
}

// Dispatch starts an assigned task, runs its worker and leaves the task
// verifying on success or failed otherwise. Attempt failures are reported in
// Execution.Err; the returned error is reserved for store failures and
// ErrResourceConflict. An attempt stopped because ctx ended, rather than by
// its budget or CancelTask, carries ErrInterrupted.
func (c *Coordinator) Dispatch(ctx context.Context, taskID string) (Execution, error) {
	task, err := c.start(taskID)
	if err != nil {
		return Execution{TaskID: taskID}, err
	}

	exec := Execution{TaskID: taskID, Attempt: task.AttemptNumber, StartedAt: time.Now()}
	log := c.log.With("task", taskID, "attempt", task.AttemptNumber)
	log.Info("task running", "role", task.Role, "budget", task.ResourceBudget)

	runCtx, cancel := context.WithCancelCause(ctx)
	c.track(taskID, cancel)
	defer func() {
		c.untrack(taskID)
		cancel(nil)
	}()

	budget := task.ResourceBudget
	if budget <= 0 {
		budget = graph.DefaultResourceBudget
	}
	m := newMeter(taskID, budget, cancel)
	res, runErr := c.run(runCtx, task, &reporter{meter: m, taskID: taskID, bus: c.bus})

	ops, budgetErr := m.settle(res.Operations)
	if runErr == nil {
		runErr = budgetErr
	}
	if runErr != nil && ctx.Err() != nil && !abortedByTask(context.Cause(runCtx)) {
		runErr = fmt.Errorf("%w: %w", ErrInterrupted, runErr)
	}
	exec.Operations = ops
	exec.Artifact = res.Artifact
	exec.FinishedAt = time.Now()
	exec.Err = runErr

	if runErr != nil {
		log.Warn("attempt failed", "operations", ops, "error", runErr)
		if _, err := c.store.UpdateNode(taskID, graph.Patch{Expect: graph.StatusRunning, Status: graph.StatusFailed}); err != nil {
			return exec, fmt.Errorf("failed to record failed attempt: %w", err)
		}
		return exec, nil
	}

	artifact := res.Artifact
	if _, err := c.store.UpdateNode(taskID, graph.Patch{Expect: graph.StatusRunning, Status: graph.StatusVerifying, Artifact: &artifact}); err != nil {
		return exec, fmt.Errorf("failed to hand artifact to verification: %w", err)
	}
	log.Info("task verifying", "operations", ops)
	c.publish(events.TaskVerifyingEvent{ID: taskID, Attempt: exec.Attempt, Operations: ops, Timestamp: time.Now()})
	return exec, nil
}

// abortedByTask reports whether cause is an abort aimed at the attempt
// itself rather than the run around it.
func abortedByTask(cause error) bool {
	var budget *BudgetExceededError
	return errors.Is(cause, ErrTaskCancelled) || errors.As(cause, &budget)
}

// start moves an assigned task to running, re-checking conflicts against
// everything already running. On conflict the claim is undone.
func (c *Coordinator) start(taskID string) (graph.Task, error) {
	conflict := ""
	_, err := c.store.Update(func(v graph.View) (graph.Batch, error) {
		t, ok := v.Node(taskID)
		if !ok {
			return graph.Batch{}, fmt.Errorf("start: %w: %q", graph.ErrNotFound, taskID)
		}
		if c.conflicts != nil {
			for other := range v.Tasks() {
				if other.Status != graph.StatusRunning && other.Status != graph.StatusVerifying {
					continue
				}
				if c.conflicts.Conflicts(t, other) {
					conflict = other.ID
					prev := max(t.AttemptNumber-1, 0)
					return graph.Batch{Patches: []graph.Patch{{
						ID:            taskID,
						Expect:        graph.StatusAssigned,
						Status:        graph.StatusReady,
						AttemptNumber: &prev,
					}}}, nil
				}
			}
		}
		return graph.Batch{Patches: []graph.Patch{{ID: taskID, Expect: graph.StatusAssigned, Status: graph.StatusRunning}}}, nil
	})
	if err != nil {
		return graph.Task{}, err
	}
	if conflict != "" {
		c.log.Info("claim released", "task", taskID, "conflicts_with", conflict)
		return graph.Task{}, fmt.Errorf("%w: %q conflicts with %q", ErrResourceConflict, taskID, conflict)
	}
	return c.store.GetNode(taskID)
}

// run invokes the worker through its role's circuit breaker. Aborts imposed
// through ctx replace whatever the worker returned.
func (c *Coordinator) run(ctx context.Context, task graph.Task, rep *reporter) (Result, error) {
	worker, ok := c.workers.lookup(task.Role)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNoWorker, task.Role)
	}
	role := task.Role
	if role == "" {
		role = DefaultRole
	}

	out, err := c.breakers.Get(role).Execute(func() (interface{}, error) {
		res, err := worker.Execute(ctx, task, rep)
		if ctx.Err() != nil {
			return res, context.Cause(ctx)
		}
		return res, err
	})
	res, _ := out.(Result)
	if err != nil {
		return res, fmt.Errorf("worker %q: %w", role, err)
	}
	return res, nil
}

// CancelTask aborts the running attempt of taskID. The attempt fails with
// ErrTaskCancelled and consumes one retry. It reports whether an attempt
// was running.
func (c *Coordinator) CancelTask(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[taskID]
	c.mu.Unlock()
	if ok {
		c.log.Info("cancelling attempt", "task", taskID)
		cancel(ErrTaskCancelled)
	}
	return ok
}

// Running returns the number of attempts currently executing.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) track(taskID string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[taskID] = cancel
}

func (c *Coordinator) untrack(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, taskID)
}

func (c *Coordinator) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(events.TopicTask, ev)
	}
}

// reporter is the OpsReporter handed to workers.
type reporter struct {
	*meter
	taskID string
	bus    *events.EventBus
}

func (r *reporter) Line(s string) {
	if r.bus != nil {
		r.bus.Publish(events.TopicTask, events.TaskOutputEvent{ID: r.taskID, Line: s, Timestamp: time.Now()})
	}
}
