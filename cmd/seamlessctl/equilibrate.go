package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// equilibrateCmd builds the example graph, drives two inputs and blocks
// until the graph reaches equilibrium (spec §4.1 equilibrate).
func equilibrateCmd(log zerolog.Logger) *cobra.Command {
	var a, b float64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "equilibrate",
		Short: "Run the example graph to equilibrium and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := buildExampleGraph(log)
			if err != nil {
				return fmt.Errorf("build graph: %w", err)
			}
			cellA, err := ctx.Cell("a")
			if err != nil {
				return err
			}
			cellB, err := ctx.Cell("b")
			if err != nil {
				return err
			}
			if err := cellA.Set(a); err != nil {
				return fmt.Errorf("set a: %w", err)
			}
			if err := cellB.Set(b); err != nil {
				return fmt.Errorf("set b: %w", err)
			}

			start := time.Now()
			unstable := ctx.Equilibrate(timeout)
			elapsed := time.Since(start)

			if len(unstable) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "did not reach equilibrium within %s: %d worker(s) still unstable\n", timeout, len(unstable))
				return nil
			}

			sum, err := ctx.Cell("sum")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sum = %v (equilibrated in %s)\n", sum.Value(), elapsed)
			return nil
		},
	}
	cmd.Flags().Float64Var(&a, "a", 1, "value written to input cell a")
	cmd.Flags().Float64Var(&b, "b", 2, "value written to input cell b")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "maximum time to wait for equilibrium")
	return cmd
}
