package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/graph"
)

// ErrStalled is returned when tasks remain unfinished but nothing is in
// flight and nothing can be claimed.
var ErrStalled = errors.New("scheduler stalled")

// Dispatcher runs one claimed attempt of a task to completion: execution,
// verification and the retry decision. A returned error aborts the run.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, taskID string) error

func (f DispatchFunc) Dispatch(ctx context.Context, taskID string) error { return f(ctx, taskID) }

// Config configures the scheduler.
type Config struct {
	Concurrency           int  // Max attempts in flight (default 4)
	AbortInFlightOnCancel bool // Cancel running attempts when the run is cancelled
	KeepAlive             bool // Keep waiting for new tasks once the graph settles
	Bus                   *events.EventBus
	Logger                *slog.Logger
}

// Scheduler drives tasks from pending to a dispatch. Readiness, grouping and
// claiming run on a single control loop; attempts run on a bounded pool.
type Scheduler struct {
	store      *graph.Store
	grouper    *ConflictGrouper
	dispatcher Dispatcher
	cfg        Config
	log        *slog.Logger
}

// New creates a scheduler over store.
func New(store *graph.Store, grouper *ConflictGrouper, d Dispatcher, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		grouper:    grouper,
		dispatcher: d,
		cfg:        cfg,
		log:        logger.With("component", "scheduler"),
	}
}

// Run schedules until every reachable task is passed or escalated, the
// context is cancelled, or a dispatch fails fatally. It always waits for
// attempts already in flight before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	workCtx := ctx
	if !s.cfg.AbortInFlightOnCancel {
		workCtx = context.WithoutCancel(ctx)
	}
	g, workCtx := errgroup.WithContext(workCtx)

	finished := make(chan struct{}, s.cfg.Concurrency)
	inflight := 0
	var lastProgress uint64
	var runErr error

	for {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if workCtx.Err() != nil {
			break
		}

		version := s.store.Version()
		launched, err := s.step(workCtx, g, inflight, finished)
		if err != nil {
			runErr = err
			break
		}
		inflight += launched

		if v := s.store.Version(); v != lastProgress {
			lastProgress = v
			s.publishProgress()
		}

		if inflight == 0 && launched == 0 && s.store.Version() == version {
			if s.store.Settled() {
				if !s.cfg.KeepAlive {
					break
				}
			} else {
				runErr = fmt.Errorf("%w: %v", ErrStalled, s.store.Counts())
				break
			}
		}

		select {
		case <-ctx.Done():
		case <-workCtx.Done():
		case <-finished:
			inflight--
		case <-s.store.Changed(version):
			s.log.Debug("graph changed", "version", s.store.Version(), "inflight", inflight)
		}
	}

	if inflight > 0 {
		s.log.Info("waiting for in-flight attempts", "count", inflight)
	}
	waitErr := g.Wait()
	s.publishProgress()

	if waitErr != nil {
		return waitErr
	}
	return runErr
}

// step promotes ready tasks, regroups them and claims as many as the pool
// allows. It returns how many attempts were launched.
func (s *Scheduler) step(ctx context.Context, g *errgroup.Group, inflight int, finished chan<- struct{}) (int, error) {
	promoted, err := s.store.PromoteReady()
	if err != nil {
		return 0, fmt.Errorf("failed to promote ready tasks: %w", err)
	}
	for _, id := range promoted {
		s.log.Debug("task ready", "task", id)
		s.publish(events.TopicTask, events.TaskReadyEvent{ID: id, Timestamp: time.Now()})
	}

	if _, err := s.grouper.Regroup(s.store); err != nil {
		return 0, err
	}

	launched := 0
	for inflight+launched < s.cfg.Concurrency {
		task, ok, err := s.claim()
		if err != nil {
			return launched, err
		}
		if !ok {
			break
		}
		launched++

		s.log.Info("task dispatched", "task", task.ID, "attempt", task.AttemptNumber, "group", task.ParallelGroup)
		s.publish(events.TopicTask, events.TaskDispatchedEvent{
			ID:            task.ID,
			Role:          task.Role,
			Attempt:       task.AttemptNumber,
			ParallelGroup: task.ParallelGroup,
			Timestamp:     time.Now(),
		})

		id := task.ID
		g.Go(func() error {
			defer func() { finished <- struct{}{} }()
			if err := s.dispatcher.Dispatch(ctx, id); err != nil {
				s.log.Error("dispatch failed", "task", id, "error", err)
				return fmt.Errorf("dispatch %q: %w", id, err)
			}
			return nil
		})
	}
	return launched, nil
}

// claim moves the best ready task to assigned and starts its attempt.
// Candidates are ordered by parallel group then id; a candidate is skipped
// while it conflicts with any task already holding resources.
func (s *Scheduler) claim() (graph.Task, bool, error) {
	var claimed string
	_, err := s.store.Update(func(v graph.View) (graph.Batch, error) {
		var ready, holders []*graph.Task
		for t := range v.Tasks() {
			switch t.Status {
			case graph.StatusReady:
				if t.AttemptNumber < t.MaxRetries+1 {
					ready = append(ready, t)
				}
			case graph.StatusAssigned, graph.StatusRunning, graph.StatusVerifying:
				holders = append(holders, t)
			}
		}
		slices.SortFunc(ready, func(a, b *graph.Task) int {
			return cmp.Or(cmp.Compare(a.ParallelGroup, b.ParallelGroup), cmp.Compare(a.ID, b.ID))
		})

		for _, t := range ready {
			if slices.ContainsFunc(holders, func(h *graph.Task) bool { return s.grouper.Conflicts(t, h) }) {
				continue
			}
			claimed = t.ID
			return graph.Batch{Patches: []graph.Patch{{
				ID:           t.ID,
				Expect:       graph.StatusReady,
				Status:       graph.StatusAssigned,
				BeginAttempt: true,
			}}}, nil
		}
		return graph.Batch{}, nil
	})
	if err != nil {
		return graph.Task{}, false, fmt.Errorf("failed to claim task: %w", err)
	}
	if claimed == "" {
		return graph.Task{}, false, nil
	}
	task, err := s.store.GetNode(claimed)
	if err != nil {
		return graph.Task{}, false, err
	}
	return task, true, nil
}

func (s *Scheduler) publishProgress() {
	s.publish(events.TopicGraph, Progress(s.store))
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, ev)
	}
}

// Progress summarizes the graph by effective status.
func Progress(store *graph.Store) events.GraphProgressEvent {
	counts := store.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	return events.GraphProgressEvent{
		Total:     total,
		Passed:    counts[graph.StatusPassed],
		InFlight:  counts[graph.StatusAssigned] + counts[graph.StatusRunning] + counts[graph.StatusVerifying] + counts[graph.StatusFailed],
		Ready:     counts[graph.StatusReady],
		Pending:   counts[graph.StatusPending],
		Blocked:   counts[graph.StatusBlocked],
		Escalated: counts[graph.StatusEscalated],
		Timestamp: time.Now(),
	}
}
