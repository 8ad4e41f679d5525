package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/tui"
)

func newStatusCmd(opts *options) *cobra.Command {
	var dbPath, taskID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored state of a run",
		Long: `Print task statuses and failure records from a snapshot database.

Tasks that were in flight when the snapshot was taken are shown as they
would be resumed. Use --task for one task's full attempt history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := opts.dbPath(dbPath)
			if err != nil {
				return err
			}
			db, store, err := openGraph(ctx, path)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if taskID == "" {
				fmt.Fprintln(out, tui.RenderStatus(store))
				return nil
			}

			task, err := store.GetNode(taskID)
			if err != nil {
				return err
			}
			status, err := store.Status(taskID)
			if err != nil {
				return err
			}
			// Show the history as recorded, before resume bookkeeping.
			if task.Attempts, err = db.Attempts(ctx, taskID); err != nil {
				return err
			}
			fmt.Fprintln(out, tui.RenderTask(task, status))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Snapshot database (default: persistence.path from config)")
	cmd.Flags().StringVar(&taskID, "task", "", "Show one task in detail")
	return cmd
}
