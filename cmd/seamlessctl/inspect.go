package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// inspectCmd prints every named cell in the example graph with its current
// status and value, after running the graph to equilibrium with the given
// inputs. Useful for manually checking propagation during development.
func inspectCmd(log zerolog.Logger) *cobra.Command {
	var a, b float64

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print every cell's status and value after running the example graph",
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
				return err
			}
			if err := cellB.Set(b); err != nil {
				return err
			}
			ctx.Equilibrate(2 * time.Second)

			for _, name := range []string{"a", "b", "sum"} {
				c, err := ctx.Cell(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %-10s %v\n", c.Name(), c.Status(), c.Value())
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&a, "a", 1, "value written to input cell a")
	cmd.Flags().Float64Var(&b, "b", 2, "value written to input cell b")
	return cmd
}
