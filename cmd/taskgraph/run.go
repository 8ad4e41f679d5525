package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/planner"
	"github.com/aristath/taskgraph/internal/tui"
)

type runFlags struct {
	db          string
	concurrency int
	watch       bool
	followPlan  bool
	logFile     string
}

func newRunCmd(opts *options) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan until every task has passed or escalated",
		Long: `Execute the tasks of a plan on the configured workers.

With --db the graph is snapshotted as it changes, and a later run against
the same database resumes where the previous one stopped. Tasks that were
in flight when it stopped are retried.

The command exits non-zero when any task escalated or stayed blocked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts, flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.db, "db", "", "Snapshot database (default: persistence.path from config)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "Maximum tasks in flight (default: concurrency_limit from config)")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "Show the live monitor while running")
	cmd.Flags().BoolVar(&flags.followPlan, "follow-plan", false, "Keep running and add tasks appended to the plan file")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Write logs here while the monitor is shown")
	return cmd
}

func runPlan(cmd *cobra.Command, opts *options, flags runFlags, planPath string) error {
	ctx := cmd.Context()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.ConcurrencyLimit = flags.concurrency
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	// The monitor owns the terminal, so logs go elsewhere.
	logOut := cmd.ErrOrStderr()
	if flags.watch {
		logOut = io.Discard
		if flags.logFile != "" {
			f, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			logOut = f
		}
	}
	logger, err := newLogger(logOut, opts.logLevel)
	if err != nil {
		return err
	}

	engineOpts := orchestrator.Options{
		Config:     cfg,
		Planner:    planner.NewFilePlanner(planPath, planner.Defaults{MaxRetries: cfg.DefaultMaxRetries}),
		FollowPlan: flags.followPlan,
		Procs:      opts.procs,
		Logger:     logger,
	}

	dbPath := flags.db
	if dbPath == "" {
		dbPath = cfg.Persistence.Path
	}
	if dbPath != "" {
		db, err := persistence.NewSQLiteStore(ctx, dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		engineOpts.DB = db
	}

	bus := events.NewEventBus()
	defer bus.Close()
	engineOpts.Bus = bus

	engine, err := orchestrator.New(ctx, engineOpts)
	if err != nil {
		return err
	}

	var report orchestrator.Report
	if flags.watch {
		report, err = runWithMonitor(ctx, engine)
	} else {
		report, err = engine.Run(ctx)
	}
	// Following a plan only ends by interruption.
	if flags.followPlan && errors.Is(err, context.Canceled) {
		err = nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), tui.RenderStatus(engine.Store()))
	if err != nil {
		return err
	}
	if !report.Complete() {
		return fmt.Errorf("run %s incomplete: %d escalated, %d blocked", report.RunID, len(report.Escalated), len(report.Blocked))
	}
	return nil
}

// runWithMonitor runs the engine behind the bubbletea monitor. Quitting the
// monitor cancels the run.
func runWithMonitor(ctx context.Context, engine *orchestrator.Engine) (orchestrator.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the run starts so no event is missed.
	p := tea.NewProgram(tui.New(engine.Bus()), tea.WithAltScreen(), tea.WithContext(ctx))

	type result struct {
		report orchestrator.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := engine.Run(runCtx)
		done <- result{report, err}
		p.Send(tui.RunFinishedMsg{Summary: summarize(report, err)})
	}()

	_, progErr := p.Run()
	cancel()
	res := <-done
	if progErr != nil && !errors.Is(progErr, tea.ErrProgramKilled) {
		return res.report, errors.Join(res.err, fmt.Errorf("monitor: %w", progErr))
	}
	return res.report, res.err
}

func summarize(r orchestrator.Report, err error) string {
	if err != nil {
		return fmt.Sprintf("Run stopped: %v", err)
	}
	if r.Complete() {
		return fmt.Sprintf("All %d tasks passed in %v", len(r.Passed), r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%d passed, %d escalated, %d blocked", len(r.Passed), len(r.Escalated), len(r.Blocked))
}
