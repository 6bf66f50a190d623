package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zyantific/zyan-hook-engine/internal/disasm"
	"github.com/zyantific/zyan-hook-engine/internal/reloc"
)

func newPlanCmd() *cobra.Command {
	var (
		mode      int
		minDecode int
		addrFlag  string
	)

	cmd := &cobra.Command{
		Use:   "plan <hex-bytes>",
		Short: "Dry-run the relocator against a raw instruction stream",
		Long: "Decodes the given hex-encoded bytes as if they were a function's prologue at the " +
			"given address, and prints the instructions the relocator would need to move plus the " +
			"resulting source-to-destination translation map. No memory is read, allocated, or patched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(args[0])
			if err != nil {
				return errors.Wrap(err, "decode hex argument")
			}

			addr, err := strconv.ParseUint(addrFlag, 0, 64)
			if err != nil {
				return errors.Wrap(err, "parse --addr")
			}

			m := disasm.Mode32
			if mode == 64 {
				m = disasm.Mode64
			} else if mode != 32 {
				return errors.Errorf("--mode must be 32 or 64, got %d", mode)
			}

			analyzed, consumed, err := reloc.AnalyzeCode(m, raw, uintptr(addr), minDecode)
			if err != nil {
				return errors.Wrap(err, "analyze prologue")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "decoded %d instruction(s), %d byte(s) consumed (min_decode=%d):\n",
				len(analyzed), consumed, minDecode)
			for _, a := range analyzed {
				line := fmt.Sprintf("  +%-3d %-8s len=%d", a.Offset, a.Instruction.Mnemonic(), a.Instruction.Len())
				if a.HasRelativeTarget {
					line += fmt.Sprintf(" target=0x%x external=%v", a.AbsoluteTarget, a.ExternalTarget)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			dst := make([]byte, 64)
			result, err := reloc.Relocate(m, uintptr(addr), raw, uintptr(addr)+0x1000, dst, minDecode)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nrelocation plan: unsupported (%v)\n", err)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nrelocation plan: %d byte(s) read, %d byte(s) written, %d translation entr(ies):\n",
				result.BytesRead, result.BytesWritten, len(result.Map))
			for _, e := range result.Map {
				fmt.Fprintf(cmd.OutOrStdout(), "  src+%-3d -> dst+%-3d\n", e.SourceOffset, e.DestinationOffset)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&mode, "mode", 64, "processor mode to decode in (32 or 64)")
	cmd.Flags().IntVar(&minDecode, "min-decode", 5, "minimum number of prologue bytes to relocate")
	cmd.Flags().StringVar(&addrFlag, "addr", "0x140000000", "synthetic runtime address of the first byte")

	return cmd
}
