package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

// writesConflict treats overlapping FilesWritten as a conflict.
type writesConflict struct{}

func (writesConflict) Conflicts(a, b *graph.Task) bool {
	for _, x := range a.FilesWritten {
		for _, y := range b.FilesWritten {
			if x == y {
				return true
			}
		}
	}
	return false
}

// claimed builds a store holding tasks and moves ids to assigned the way
// the scheduler does.
func claimed(t *testing.T, tasks []graph.Task, ids ...string) *graph.Store {
	t.Helper()
	store := graph.NewStore()
	require.NoError(t, store.AddNodes(tasks))
	_, err := store.PromoteReady()
	require.NoError(t, err)
	for _, id := range ids {
		_, err := store.UpdateNode(id, graph.Patch{Expect: graph.StatusReady, Status: graph.StatusAssigned, BeginAttempt: true})
		require.NoError(t, err)
	}
	return store
}

func budgetTask(id string, budget int) graph.Task {
	task := graph.NewTask(id)
	task.ResourceBudget = budget
	return task
}

func TestDispatch_SuccessMovesToVerifying(t *testing.T) {
	store := claimed(t, []graph.Task{budgetTask("T1", 10)}, "T1")
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 16)

	c := NewCoordinator(store, Config{
		Workers: Workers{DefaultRole: WorkerFunc(func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			ops.Report(4)
			return Result{Artifact: graph.Artifact{Output: "done"}}, nil
		})},
		Bus: bus,
	})

	exec, err := c.Dispatch(context.Background(), "T1")
	require.NoError(t, err)
	require.NoError(t, exec.Err)
	assert.Equal(t, 1, exec.Attempt)
	assert.Equal(t, 4, exec.Operations)
	assert.Empty(t, exec.Outcome())

	task, err := store.GetNode("T1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusVerifying, task.Status)
	require.NotNil(t, task.Artifact)
	assert.Equal(t, "done", task.Artifact.Output)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventTypeTaskVerifying, ev.EventType())
	case <-time.After(time.Second):
		t.Fatal("no verifying event")
	}
}

func TestDispatch_BudgetExceededAbortsWorker(t *testing.T) {
	store := claimed(t, []graph.Task{budgetTask("T1", 10)}, "T1")

	var aborted atomic.Bool
	c := NewCoordinator(store, Config{Workers: Workers{DefaultRole: WorkerFunc(
		func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			for range 15 {
				ops.Report(1)
			}
			select {
			case <-ctx.Done():
				aborted.Store(true)
				return Result{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return Result{}, nil
			}
		})}})

	exec, err := c.Dispatch(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, aborted.Load(), "worker context should be cancelled on overrun")

	var budget *BudgetExceededError
	require.True(t, errors.As(exec.Err, &budget), "got %v", exec.Err)
	assert.Equal(t, 10, budget.Budget)
	assert.Equal(t, 11, budget.Consumed)
	assert.Equal(t, graph.OutcomeBudgetExceeded, exec.Outcome())
	assert.Equal(t, 15, exec.Operations)

	st, _ := store.Status("T1")
	assert.Equal(t, graph.StatusFailed, st)
}

func TestDispatch_FinalTallyOverBudget(t *testing.T) {
	store := claimed(t, []graph.Task{budgetTask("T1", 10)}, "T1")
	c := NewCoordinator(store, Config{Workers: Workers{DefaultRole: WorkerFunc(
		func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			return Result{Operations: 12}, nil
		})}})

	exec, err := c.Dispatch(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeBudgetExceeded, exec.Outcome())
}

func TestDispatch_WorkerErrorFailsAttempt(t *testing.T) {
	store := claimed(t, []graph.Task{budgetTask("T1", 10)}, "T1")
	boom := errors.New("compiler crashed")
	c := NewCoordinator(store, Config{Workers: Workers{DefaultRole: WorkerFunc(
		func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			return Result{}, boom
		})}})

	exec, err := c.Dispatch(context.Background(), "T1")
	require.NoError(t, err)
	assert.ErrorIs(t, exec.Err, boom)
	assert.Equal(t, graph.OutcomeWorkerError, exec.Outcome())
	assert.Equal(t, 1, exec.Operations)

	st, _ := store.Status("T1")
	assert.Equal(t, graph.StatusFailed, st)
}

func TestDispatch_RoleSelection(t *testing.T) {
	reviewer := graph.NewTask("R1")
	reviewer.Role = "reviewer"
	orphan := graph.NewTask("O1")
	orphan.Role = "designer"
	store := claimed(t, []graph.Task{reviewer, orphan}, "R1", "O1")

	var got []string
	worker := func(name string) Worker {
		return WorkerFunc(func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			got = append(got, name+":"+task.ID)
			return Result{}, nil
		})
	}
	c := NewCoordinator(store, Config{Workers: Workers{"reviewer": worker("reviewer"), DefaultRole: worker("default")}})

	for _, id := range []string{"R1", "O1"} {
		exec, err := c.Dispatch(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, exec.Err)
	}
	assert.Equal(t, []string{"reviewer:R1", "default:O1"}, got)
}

func TestDispatch_NoWorker(t *testing.T) {
	store := claimed(t, []graph.Task{graph.NewTask("T1")}, "T1")
	c := NewCoordinator(store, Config{Workers: Workers{}})

	exec, err := c.Dispatch(context.Background(), "T1")
	require.NoError(t, err)
	assert.ErrorIs(t, exec.Err, ErrNoWorker)
}

func TestDispatch_ConflictRecheckReleasesClaim(t *testing.T) {
	t1, t2 := graph.NewTask("T1"), graph.NewTask("T2")
	t1.FilesWritten = []string{"R"}
	t2.FilesWritten = []string{"R"}
	store := claimed(t, []graph.Task{t1, t2}, "T1", "T2")
	_, err := store.UpdateNode("T1", graph.Patch{Expect: graph.StatusAssigned, Status: graph.StatusRunning})
	require.NoError(t, err)

	var calls atomic.Int32
	c := NewCoordinator(store, Config{
		Conflicts: writesConflict{},
		Workers: Workers{DefaultRole: WorkerFunc(func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			calls.Add(1)
			return Result{}, nil
		})},
	})

	_, err = c.Dispatch(context.Background(), "T2")
	require.ErrorIs(t, err, ErrResourceConflict)
	assert.Zero(t, calls.Load())

	task, err := store.GetNode("T2")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusReady, task.Status)
	assert.Equal(t, 0, task.AttemptNumber, "released claim must not consume an attempt")
}

func TestDispatch_NotAssigned(t *testing.T) {
	store := claimed(t, []graph.Task{graph.NewTask("T1")})
	c := NewCoordinator(store, Config{Workers: Workers{}})

	_, err := c.Dispatch(context.Background(), "T1")
	assert.True(t, graph.IsStale(err), "got %v", err)

	_, err = c.Dispatch(context.Background(), "missing")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestCancelTask(t *testing.T) {
	store := claimed(t, []graph.Task{graph.NewTask("T1")}, "T1")
	started := make(chan struct{})
	c := NewCoordinator(store, Config{Workers: Workers{DefaultRole: WorkerFunc(
		func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		})}})

	assert.False(t, c.CancelTask("T1"), "nothing running yet")

	done := make(chan Execution, 1)
	go func() {
		exec, err := c.Dispatch(context.Background(), "T1")
		assert.NoError(t, err)
		done <- exec
	}()

	<-started
	assert.Equal(t, 1, c.Running())
	assert.True(t, c.CancelTask("T1"))

	select {
	case exec := <-done:
		assert.ErrorIs(t, exec.Err, ErrTaskCancelled)
		assert.Equal(t, graph.OutcomeCancelled, exec.Outcome())
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled attempt did not return")
	}
	assert.Zero(t, c.Running())
}

func TestDispatch_RunCancellation(t *testing.T) {
	store := claimed(t, []graph.Task{graph.NewTask("T1")}, "T1")
	c := NewCoordinator(store, Config{Workers: Workers{DefaultRole: WorkerFunc(
		func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			<-ctx.Done()
			return Result{}, errors.New("signal: killed")
		})}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exec, err := c.Dispatch(ctx, "T1")
	require.NoError(t, err)
	assert.ErrorIs(t, exec.Err, context.DeadlineExceeded)
	assert.ErrorIs(t, exec.Err, ErrInterrupted)
	assert.True(t, exec.Interrupted())
	assert.Equal(t, graph.OutcomeInterrupted, exec.Outcome())
}

func TestDispatch_BudgetAbortIsNotInterruption(t *testing.T) {
	store := claimed(t, []graph.Task{budgetTask("T1", 2)}, "T1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(store, Config{Workers: Workers{DefaultRole: WorkerFunc(
		func(wctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			ops.Report(5)
			<-wctx.Done()
			// The run stops after the budget already aborted the attempt.
			cancel()
			return Result{}, wctx.Err()
		})}})

	exec, err := c.Dispatch(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, exec.Interrupted())
	assert.Equal(t, graph.OutcomeBudgetExceeded, exec.Outcome())
}

func TestDispatch_OpenBreakerFailsFast(t *testing.T) {
	var tasks []graph.Task
	var ids []string
	for _, id := range []string{"T1", "T2", "T3"} {
		tasks = append(tasks, graph.NewTask(id))
		ids = append(ids, id)
	}
	store := claimed(t, tasks, ids...)

	var calls atomic.Int32
	c := NewCoordinator(store, Config{
		Breakers: NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, nil),
		Workers: Workers{DefaultRole: WorkerFunc(func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			calls.Add(1)
			return Result{}, errors.New("unavailable")
		})},
	})

	for _, id := range ids {
		exec, err := c.Dispatch(context.Background(), id)
		require.NoError(t, err)
		require.Error(t, exec.Err)
	}
	assert.Equal(t, int32(2), calls.Load(), "third attempt should fail without reaching the worker")

	st, _ := store.Status("T3")
	assert.Equal(t, graph.StatusFailed, st)
}

func TestDispatch_OpenBreakerError(t *testing.T) {
	store := claimed(t, []graph.Task{graph.NewTask("T1"), graph.NewTask("T2")}, "T1", "T2")
	c := NewCoordinator(store, Config{
		Breakers: NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Hour}, nil),
		Workers: Workers{DefaultRole: WorkerFunc(func(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
			return Result{}, errors.New("unavailable")
		})},
	})

	_, err := c.Dispatch(context.Background(), "T1")
	require.NoError(t, err)

	exec, err := c.Dispatch(context.Background(), "T2")
	require.NoError(t, err)
	assert.ErrorIs(t, exec.Err, gobreaker.ErrOpenState)
	assert.Equal(t, graph.OutcomeWorkerError, exec.Outcome())
}
