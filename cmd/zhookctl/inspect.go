package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zyantific/zyan-hook-engine/internal/arena"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "List the trampoline regions currently mapped into this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			regions := arena.Snapshot()
			if len(regions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no trampoline regions mapped")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s %10s %10s %10s %10s\n", "BASE", "SIZE", "CHUNK", "USED", "FREE")
			for _, r := range regions {
				fmt.Fprintf(cmd.OutOrStdout(), "0x%-16x %10d %10d %10d %10d\n",
					r.Base, r.Size, r.ChunkSize, r.ChunkUsed, r.ChunkFree)
			}
			return nil
		},
	}
}
