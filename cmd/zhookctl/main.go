// Command zhookctl is a small operator tool around the zhook engine: it
// inspects the trampoline arena of the running process and dry-runs the
// relocator against a raw byte sequence, without ever patching memory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zyantific/zyan-hook-engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "zhookctl",
		Short:         "Inspect and dry-run the zhook inline-hook engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return zhook.SetLogLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")

	root.AddCommand(newInspectCmd())
	root.AddCommand(newPlanCmd())
	return root
}
