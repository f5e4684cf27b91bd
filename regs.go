//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/sim"
	"github.com/spf13/cobra"
)

var regsCmd = &cobra.Command{
	Use:   "regs [INDEX[=VALUE]...]",
	Short: "Read and write application registers.",
	Long: `regs reads each register INDEX, or writes VALUE to it first. Numbers may be ` +
		`decimal, 0x hex, or 0 octal. Without arguments, regs prints the status of ` +
		`both queues. With --all it prints every non-zero register instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ops, err := parseRegArgs(args)
		if err != nil {
			return err
		}

		d, err := openDevice(sim.Sequence)
		if err != nil {
			return err
		}

		defer d.Close()

		out := cmd.OutOrStdout()

		runRegs(out, d, ops)

		if regsAll {
			return d.DumpRegs(out)
		}

		if len(ops) == 0 {
			fmt.Fprintln(out, d.Status())
		}

		return nil
	},
}

var regsAll bool

func init() {
	rootCmd.AddCommand(regsCmd)
	regsCmd.Flags().BoolVarP(&regsAll, "all", "a", false, "print every non-zero register after applying the arguments")
}

var errRegArg = errors.New("bad register argument")

type regOp struct {
	index regs.Index
	value uint32
	write bool
}

func parseRegArgs(args []string) ([]regOp, error) {
	var ops []regOp

	for _, arg := range args {
		idx, val, write := strings.Cut(arg, "=")

		i, err := strconv.ParseUint(idx, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", errRegArg, arg, err)
		}

		op := regOp{index: regs.Index(i), write: write}

		if op.index.IsReserved() {
			return nil, fmt.Errorf("%w %q: %v is reserved", errRegArg, arg, op.index)
		}

		if write {
			v, err := strconv.ParseUint(val, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("%w %q: %w", errRegArg, arg, err)
			}

			op.value = uint32(v)
		}

		ops = append(ops, op)
	}

	return ops, nil
}

func runRegs(out io.Writer, d *device, ops []regOp) {
	for _, op := range ops {
		if op.write {
			d.SetReg(op.index, op.value)
		}

		fmt.Fprintf(out, "%-10v %#08x\n", op.index, d.Reg(op.index))
	}
}
