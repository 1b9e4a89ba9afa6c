// Command seamlessctl is a small operational wrapper around an in-process
// dataflow graph: a thin main wiring config/logger/runtime, with a
// cobra-based CLI laid out as one root command and one file per subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smilemakc/seamless/internal/config"
	"github.com/smilemakc/seamless/internal/corelog"
)

func main() {
	cfg := config.Load()
	log := corelog.New(cfg.LogLevel, os.Stderr)

	root := &cobra.Command{
		Use:           "seamlessctl",
		Short:         "Operate and inspect an in-process seamless dataflow graph",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(equilibrateCmd(log))
	root.AddCommand(inspectCmd(log))
	root.AddCommand(dumpGraphCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
