package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/taskgraph/internal/execution"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracks worker and verifier subprocesses
	procs := execution.NewProcessManager()

	err := newRootCmd(procs).ExecuteContext(ctx)
	if ctx.Err() != nil {
		// Restore default signal handling (double Ctrl+C = force exit)
		stop()
		if kerr := procs.KillAll(); kerr != nil {
			fmt.Fprintf(os.Stderr, "Error killing subprocesses: %v\n", kerr)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}
