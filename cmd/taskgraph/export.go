package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/graph"
)

// exportDoc is the JSON document written by the export command.
type exportDoc struct {
	Nodes []graph.NodeRecord `json:"nodes"`
	Edges []graph.EdgeRecord `json:"edges"`
}

func newExportCmd(opts *options) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored graph as JSON records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.dbPath(dbPath)
			if err != nil {
				return err
			}
			db, store, err := openGraph(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer db.Close()

			nodes, edges, err := store.Records()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(exportDoc{Nodes: nodes, Edges: edges})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Snapshot database (default: persistence.path from config)")
	return cmd
}
