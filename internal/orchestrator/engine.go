package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/escalation"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/execution"
	"github.com/aristath/taskgraph/internal/graph"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/planner"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/verify"
)

// Options configures an Engine.
type Options struct {
	Config     *config.Config    // nil uses config.DefaultConfig()
	Planner    planner.Planner   // Initial tasks; may be nil when resuming
	Replanner  planner.Replanner // Defaults to Planner when it can replan
	FollowPlan bool              // Submit tasks appended to the plan file until cancelled
	DB         persistence.Store // nil disables snapshots
	Workers    execution.Workers // Merged over the configured command workers
	Verifier   verify.Verifier   // Overrides the configured verifier command
	Procs      *execution.ProcessManager
	Bus        *events.EventBus
	Logger     *slog.Logger
}

// Engine wires the graph store, scheduler, coordinator, verification gate
// and escalator into one run.
type Engine struct {
	runID       string
	cfg         *config.Config
	store       *graph.Store
	bus         *events.EventBus
	coordinator *execution.Coordinator
	gate        *verify.Gate
	scheduler   *scheduler.Scheduler
	watcher     *planner.Watcher
	persister   *Persister
	resumed     bool
	log         *slog.Logger
}

// Report summarizes a finished run.
type Report struct {
	RunID     string
	Version   uint64
	Counts    map[graph.Status]int
	Passed    []string
	Escalated []string
	Blocked   []string
	Failures  []graph.FailureRecord
	Resumed   bool
	Duration  time.Duration
}

// Complete reports whether every task passed.
func (r Report) Complete() bool {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total == len(r.Passed)
}

// New builds an engine. The graph is restored from opts.DB when a snapshot
// exists; the planner's batch is then submitted, which is a no-op for tasks
// the snapshot already holds.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}
	policy, err := scheduler.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		runID: uuid.NewString(),
		cfg:   cfg,
		bus:   bus,
	}
	e.log = logger.With("component", "engine", "run", e.runID)

	if err := e.loadGraph(ctx, opts); err != nil {
		return nil, err
	}

	workers := make(execution.Workers, len(cfg.Workers)+len(opts.Workers))
	for role, w := range cfg.Workers {
		workers[role] = execution.NewCommandWorker(execution.Command{
			Name:    w.Command,
			Args:    w.Args,
			Env:     w.Env,
			Timeout: w.Timeout.Std(),
		}, opts.Procs)
	}
	maps.Copy(workers, opts.Workers)

	verifier := opts.Verifier
	switch {
	case verifier != nil:
	case cfg.Verifier.Command != "":
		verifier = verify.NewCommandVerifier(execution.Command{
			Name:    cfg.Verifier.Command,
			Args:    cfg.Verifier.Args,
			Timeout: cfg.Verifier.Timeout.Std(),
		}, opts.Procs)
	case cfg.Verifier.AcceptAll:
		e.log.Warn("verification disabled, every artifact will pass")
		verifier = verify.AcceptAll
	default:
		return nil, fmt.Errorf("%w: set verifier.command or verifier.accept_all", verify.ErrNoVerifier)
	}

	replanner := opts.Replanner
	if replanner == nil {
		replanner, _ = opts.Planner.(planner.Replanner)
	}
	if cfg.MaxReplacementGeneration == 0 {
		replanner = nil
	}

	grouper := scheduler.NewConflictGrouper(policy)
	e.coordinator = execution.NewCoordinator(e.store, execution.Config{
		Workers:   workers,
		Conflicts: grouper,
		Breakers: execution.NewBreakerRegistry(execution.BreakerSettings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout.Std(),
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		}, logger),
		Bus:    bus,
		Logger: logger,
	})
	escalator := escalation.New(e.store, escalation.Config{
		Replanner:     replanner,
		MaxGeneration: cfg.MaxReplacementGeneration,
		Bus:           bus,
		Logger:        logger,
	})
	e.gate = verify.NewGate(e.store, verify.Config{
		Verifier:  verifier,
		Escalator: escalator,
		Bus:       bus,
		Logger:    logger,
	})
	e.scheduler = scheduler.New(e.store, grouper, scheduler.DispatchFunc(e.dispatch), scheduler.Config{
		Concurrency:           cfg.ConcurrencyLimit,
		AbortInFlightOnCancel: cfg.AbortInFlightOnCancel,
		KeepAlive:             opts.FollowPlan,
		Bus:                   bus,
		Logger:                logger,
	})

	if opts.FollowPlan {
		fp, ok := opts.Planner.(*planner.FilePlanner)
		if !ok {
			return nil, errors.New("following a plan requires a plan file")
		}
		e.watcher = planner.NewWatcher(fp, e.store, planner.WatcherConfig{Bus: bus, Logger: logger})
	}
	if opts.DB != nil {
		e.persister = NewPersister(e.store, opts.DB, PersisterConfig{
			Debounce: cfg.Persistence.SnapshotDebounce.Std(),
			Retry:    retryConfigFrom(cfg.Persistence.Retry),
			Logger:   logger,
		})
	}
	return e, nil
}

// loadGraph restores the stored snapshot, if any, and submits the plan.
func (e *Engine) loadGraph(ctx context.Context, opts Options) error {
	budget := graph.WithDefaultBudget(e.cfg.DefaultResourceBudget)
	e.store = graph.NewStore(budget)

	if opts.DB != nil {
		snap, err := opts.DB.LoadSnapshot(ctx)
		switch {
		case errors.Is(err, persistence.ErrNoSnapshot):
		case err != nil:
			return fmt.Errorf("failed to load snapshot: %w", err)
		default:
			restored, err := graph.Restore(snap, budget)
			if err != nil {
				return fmt.Errorf("failed to restore snapshot: %w", err)
			}
			e.store = restored
			e.resumed = true
			e.log.Info("resumed from snapshot", "version", snap.Version, "tasks", len(snap.Tasks))
		}
	}

	if opts.Planner == nil {
		if e.store.Len() == 0 {
			return errors.New("nothing to run: no planner and no stored graph")
		}
		return nil
	}
	batch, err := opts.Planner.Plan(ctx)
	if err != nil {
		return fmt.Errorf("failed to plan: %w", err)
	}
	if _, err := e.store.Apply(batch); err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}
	return nil
}

// dispatch runs one claimed attempt through the coordinator and the gate.
func (e *Engine) dispatch(ctx context.Context, taskID string) error {
	exec, err := e.coordinator.Dispatch(ctx, taskID)
	if errors.Is(err, execution.ErrResourceConflict) {
		e.log.Debug("dispatch deferred", "task", taskID, "reason", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch %q: %w", taskID, err)
	}
	return e.gate.Settle(ctx, exec)
}

// Run executes the graph until every reachable task is passed or escalated,
// or ctx is cancelled. With FollowPlan it runs until cancelled.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	e.log.Info("run started", "tasks", e.store.Len(), "version", e.store.Version(), "resumed", e.resumed)

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	aux, auxCtx := errgroup.WithContext(auxCtx)
	if e.persister != nil {
		aux.Go(func() error { return e.persister.Run(auxCtx) })
	}
	if e.watcher != nil {
		aux.Go(func() error { return e.watcher.Run(auxCtx) })
	}

	runErr := e.scheduler.Run(ctx)
	stopAux()
	auxErr := aux.Wait()

	report := e.Report()
	report.Duration = time.Since(start)
	e.log.Info("run finished",
		"passed", len(report.Passed),
		"escalated", len(report.Escalated),
		"blocked", len(report.Blocked),
		"duration", report.Duration,
	)
	return report, errors.Join(runErr, auxErr)
}

// Report summarizes the current state of the graph.
func (e *Engine) Report() Report {
	r := Report{
		RunID:   e.runID,
		Version: e.store.Version(),
		Counts:  e.store.Counts(),
		Blocked: e.store.Blocked(),
		Resumed: e.resumed,
	}
	for _, t := range e.store.QueryNodes(func(t graph.Task) bool { return t.Status.Terminal() }) {
		switch t.Status {
		case graph.StatusPassed:
			r.Passed = append(r.Passed, t.ID)
		case graph.StatusEscalated:
			r.Escalated = append(r.Escalated, t.ID)
			if t.FailureRecord != nil {
				r.Failures = append(r.Failures, *t.FailureRecord)
			}
		}
	}
	return r
}

// CancelTask aborts the in-flight attempt of a task. The attempt counts
// against its retries. It reports whether an attempt was running.
func (e *Engine) CancelTask(taskID string) bool {
	return e.coordinator.CancelTask(taskID)
}

// Store returns the graph the engine runs.
func (e *Engine) Store() *graph.Store { return e.store }

// Bus returns the event bus the engine publishes to.
func (e *Engine) Bus() *events.EventBus { return e.bus }

// RunID identifies this engine's run in logs and reports.
func (e *Engine) RunID() string { return e.runID }
