package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/graph"
	"github.com/aristath/taskgraph/internal/planner"
)

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan and print its execution order",
		Long: `Build the plan's graph in memory without running anything.

Prints the tasks in a valid execution order, or the dependency cycle
that prevents one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := planner.Load(args[0])
			if err != nil {
				return err
			}
			store := graph.NewStore()
			if _, err := store.Apply(plan.Batch(planner.Defaults{MaxRetries: graph.DefaultMaxRetries})); err != nil {
				return err
			}
			order, err := store.Validate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d tasks, %d edges\n", args[0], len(order), len(store.Edges()))
			for i, id := range order {
				fmt.Fprintf(out, "%3d. %s\n", i+1, id)
			}
			return nil
		},
	}
}
