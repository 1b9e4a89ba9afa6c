package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// dumpGraphCmd prints the example graph's declared entity names and a
// metrics summary (spec's DOMAIN STACK metrics summary surface), without
// running anything to equilibrium first.
func dumpGraphCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-graph",
		Short: "List the example graph's entities and print a metrics summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := buildExampleGraph(log)
			if err != nil {
				return fmt.Errorf("build graph: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "entities:")
			for _, name := range ctx.Children() {
				fmt.Fprintf(out, "  %s\n", name)
			}

			summary := ctx.Summary()
			fmt.Fprintln(out, "summary:")
			fmt.Fprintf(out, "  cells:             %d\n", summary.Cells)
			fmt.Fprintf(out, "  workers:           %d\n", summary.Workers)
			fmt.Fprintf(out, "  connections:       %d\n", summary.Connections)
			fmt.Fprintf(out, "  unstable workers:  %d\n", summary.UnstableWorkers)
			fmt.Fprintf(out, "  equilibrate count: %d\n", summary.EquilibrateCount)
			return nil
		},
	}
	return cmd
}
