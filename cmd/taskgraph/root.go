package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/execution"
	"github.com/aristath/taskgraph/internal/graph"
	"github.com/aristath/taskgraph/internal/persistence"
)

// options holds flags shared by every command.
type options struct {
	logLevel   string
	configPath string
	procs      *execution.ProcessManager
}

func newRootCmd(procs *execution.ProcessManager) *cobra.Command {
	opts := &options{procs: procs}

	root := &cobra.Command{
		Use:   "taskgraph",
		Short: "Run dependency graphs of verified tasks",
		Long: `taskgraph executes a graph of tasks on external worker commands.

Tasks run once their prerequisites have passed, never alongside a task
writing the same resources, and within their operation budget. Every
result is judged by a verifier; failed attempts are retried and tasks
that exhaust their retries are escalated with a failure record while
their dependents stay blocked.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.ProjectPath(), "Project configuration file")

	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newExportCmd(opts))
	return root
}

// newLogger builds a text logger at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig merges the global configuration with the project file.
func (o *options) loadConfig() (*config.Config, error) {
	global, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	return config.Load(global, o.configPath)
}

// dbPath returns the flag value, falling back to the configured path.
func (o *options) dbPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Persistence.Path == "" {
		return "", errors.New("no database: pass --db or set persistence.path")
	}
	return cfg.Persistence.Path, nil
}

// openGraph restores the graph stored in an existing database.
func openGraph(ctx context.Context, path string) (*persistence.SQLiteStore, *graph.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	snap, err := db.LoadSnapshot(ctx)
	if err != nil {
		db.Close()
		if errors.Is(err, persistence.ErrNoSnapshot) {
			return nil, nil, fmt.Errorf("%s holds no task graph", path)
		}
		return nil, nil, err
	}
	store, err := graph.Restore(snap)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}
