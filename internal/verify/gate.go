package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/execution"
	"github.com/aristath/taskgraph/internal/graph"
)

// VerificationFailure is a FAIL verdict. It consumes one retry.
type VerificationFailure struct {
	TaskID   string
	Attempt  int
	Evidence []string
}

func (e *VerificationFailure) Error() string {
	if len(e.Evidence) == 0 {
		return fmt.Sprintf("task %q failed verification on attempt %d", e.TaskID, e.Attempt)
	}
	return fmt.Sprintf("task %q failed verification on attempt %d: %s", e.TaskID, e.Attempt, strings.Join(e.Evidence, "; "))
}

// retryExhausted signals that a task used its last attempt and was escalated.
type retryExhausted struct {
	taskID   string
	attempts int
	cause    error
}

func (e *retryExhausted) Error() string {
	return fmt.Sprintf("task %q exhausted %d attempts: %v", e.taskID, e.attempts, e.cause)
}

func (e *retryExhausted) Unwrap() error { return e.cause }

// Escalator takes over a task once it is failed_escalated.
type Escalator interface {
	Escalate(ctx context.Context, taskID string) error
}

// Config configures a Gate.
type Config struct {
	Verifier  Verifier  // nil fails every attempt with ErrNoVerifier
	Escalator Escalator // nil leaves escalated tasks without a failure record
	Bus       *events.EventBus
	Logger    *slog.Logger
}

// Gate turns a finished execution into a binary verdict and decides whether
// a failed task is retried or escalated.
type Gate struct {
	store     *graph.Store
	verifier  Verifier
	escalator Escalator
	bus       *events.EventBus
	log       *slog.Logger
}

// NewGate creates a gate over store.
func NewGate(store *graph.Store, cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:     store,
		verifier:  cfg.Verifier,
		escalator: cfg.Escalator,
		bus:       cfg.Bus,
		log:       logger.With("component", "gate"),
	}
}

// Settle completes the attempt described by exec. A verifying task is
// judged; a failed one goes straight to the retry decision. The returned
// error reports store or escalation failures only.
func (g *Gate) Settle(ctx context.Context, exec execution.Execution) error {
	err := g.settle(ctx, exec)

	var exhausted *retryExhausted
	if errors.As(err, &exhausted) {
		if g.escalator == nil {
			g.log.Error("task escalated without an escalator, no failure record attached",
				"task", exhausted.taskID, "attempts", exhausted.attempts, "error", exhausted.cause)
			return nil
		}
		if err := g.escalator.Escalate(context.WithoutCancel(ctx), exhausted.taskID); err != nil {
			return fmt.Errorf("failed to escalate %q: %w", exhausted.taskID, err)
		}
		return nil
	}
	return err
}

func (g *Gate) settle(ctx context.Context, exec execution.Execution) error {
	attempt := graph.Attempt{
		Number:     exec.Attempt,
		Operations: exec.Operations,
		StartedAt:  exec.StartedAt,
		FinishedAt: exec.FinishedAt,
	}
	if exec.Err != nil {
		attempt.Outcome = exec.Outcome()
		attempt.Error = exec.Err.Error()
		if exec.Interrupted() {
			return g.interrupt(exec.TaskID, graph.StatusFailed, attempt)
		}
		return g.fail(exec.TaskID, graph.StatusFailed, attempt, exec.Err)
	}

	task, err := g.store.GetNode(exec.TaskID)
	if err != nil {
		return err
	}
	var artifact graph.Artifact
	if task.Artifact != nil {
		artifact = *task.Artifact
	}

	decision, verr := g.judge(ctx, task, artifact)
	attempt.FinishedAt = time.Now()
	attempt.Evidence = decision.Evidence

	if verr != nil {
		attempt.Error = verr.Error()
		if ctx.Err() != nil {
			attempt.Outcome = graph.OutcomeInterrupted
			return g.interrupt(task.ID, graph.StatusVerifying, attempt)
		}
		attempt.Outcome = graph.OutcomeVerificationFailed
		return g.fail(task.ID, graph.StatusVerifying, attempt, verr)
	}

	if decision.Verdict != Pass {
		failure := &VerificationFailure{TaskID: task.ID, Attempt: task.AttemptNumber, Evidence: decision.Evidence}
		attempt.Outcome = graph.OutcomeVerificationFailed
		attempt.Error = failure.Error()
		return g.fail(task.ID, graph.StatusVerifying, attempt, failure)
	}

	attempt.Outcome = graph.OutcomePassed
	if _, err := g.store.UpdateNode(task.ID, graph.Patch{
		Expect:        graph.StatusVerifying,
		Status:        graph.StatusPassed,
		AppendAttempt: &attempt,
	}); err != nil {
		return fmt.Errorf("failed to record pass: %w", err)
	}
	g.log.Info("task passed", "task", task.ID, "attempt", task.AttemptNumber)
	g.publish(events.TaskPassedEvent{
		ID:        task.ID,
		Attempt:   task.AttemptNumber,
		Duration:  attempt.FinishedAt.Sub(exec.StartedAt),
		Timestamp: time.Now(),
	})
	return nil
}

// judge asks the verifier for a verdict. Anything other than PASS is FAIL.
func (g *Gate) judge(ctx context.Context, task graph.Task, artifact graph.Artifact) (Decision, error) {
	if g.verifier == nil {
		return Decision{}, ErrNoVerifier
	}
	d, err := g.verifier.Verify(ctx, task, artifact)
	if err != nil {
		return Decision{}, fmt.Errorf("verifier: %w", err)
	}
	if d.Verdict != Pass {
		d.Verdict = Fail
	}
	return d, nil
}

// fail records the attempt and, in the same batch, sends the task back to
// pending or escalates it when the attempt was its last.
func (g *Gate) fail(taskID string, from graph.Status, attempt graph.Attempt, cause error) error {
	var next graph.Status
	var task *graph.Task
	_, err := g.store.Update(func(v graph.View) (graph.Batch, error) {
		t, ok := v.Node(taskID)
		if !ok {
			return graph.Batch{}, fmt.Errorf("settle: %w: %q", graph.ErrNotFound, taskID)
		}
		next = graph.StatusPending
		if t.AttemptNumber > t.MaxRetries {
			next = graph.StatusEscalated
		}
		c := t.Clone()
		task = &c
		return graph.Batch{Patches: []graph.Patch{
			{ID: taskID, Expect: from, Status: graph.StatusFailed, AppendAttempt: &attempt},
			{ID: taskID, Status: next},
		}}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}

	log := g.log.With("task", taskID, "attempt", task.AttemptNumber)
	if next == graph.StatusEscalated {
		log.Error("retries exhausted", "outcome", attempt.Outcome, "error", cause)
		return &retryExhausted{taskID: taskID, attempts: task.AttemptNumber, cause: cause}
	}

	log.Warn("attempt failed, retrying", "outcome", attempt.Outcome, "remaining", task.MaxRetries+1-task.AttemptNumber, "error", cause)
	g.publish(events.TaskRetryEvent{
		ID:        taskID,
		Attempt:   task.AttemptNumber,
		Outcome:   string(attempt.Outcome),
		Evidence:  attempt.Evidence,
		Err:       attempt.Error,
		Timestamp: time.Now(),
	})
	return nil
}

// interrupt records an attempt cut short by the run stopping and returns the
// task to pending without counting the attempt, as a restore from snapshot
// would.
func (g *Gate) interrupt(taskID string, from graph.Status, attempt graph.Attempt) error {
	var prev int
	_, err := g.store.Update(func(v graph.View) (graph.Batch, error) {
		t, ok := v.Node(taskID)
		if !ok {
			return graph.Batch{}, fmt.Errorf("settle: %w: %q", graph.ErrNotFound, taskID)
		}
		prev = max(t.AttemptNumber-1, 0)
		return graph.Batch{Patches: []graph.Patch{
			{ID: taskID, Expect: from, Status: graph.StatusFailed, AppendAttempt: &attempt},
			{ID: taskID, Status: graph.StatusPending, AttemptNumber: &prev},
		}}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record interrupted attempt: %w", err)
	}

	g.log.Info("attempt interrupted", "task", taskID, "attempt", attempt.Number, "error", attempt.Error)
	g.publish(events.TaskRetryEvent{
		ID:        taskID,
		Attempt:   attempt.Number,
		Outcome:   string(attempt.Outcome),
		Err:       attempt.Error,
		Timestamp: time.Now(),
	})
	return nil
}

func (g *Gate) publish(ev events.Event) {
	if g.bus != nil {
		g.bus.Publish(events.TopicTask, ev)
	}
}
