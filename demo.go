//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/seq"
	"github.com/c35s/fpgalink/sim"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Exercise the registers and both queues of the demo design.",
	Long: `demo writes the RNG sequence to every application register and reads it ` +
		`back, sends four queues' worth of sequence chunks while checking the ` +
		`device's running checksum, then receives one queue of chunks and compares ` +
		`them to the sequence.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(sim.Sequence)
		if err != nil {
			return err
		}

		defer d.Close()

		out := cmd.OutOrStdout()
		ck := checker{tty: term.IsTerminal(int(os.Stdout.Fd()))}

		if err := runDemo(out, d, &ck); err != nil {
			return err
		}

		if ck.failed > 0 {
			return fmt.Errorf("demo: %d mismatches", ck.failed)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

type checker struct {
	tty    bool
	failed int
}

func (c *checker) mark(ok bool) string {
	if !ok {
		c.failed++
	}

	switch {
	case ok && c.tty:
		return "(✓)"

	case c.tty:
		return "(✗)"

	case ok:
		return "ok"

	default:
		return "FAIL"
	}
}

func runDemo(out io.Writer, d *device, ck *checker) error {
	var (
		s    = seq.New()
		geo  = d.Geometry()
		vals []uint32
	)

	fmt.Fprintln(out, "Writing FPGA registers & verifying readback:")

	for r := regs.Index(0); r < sim.RegConsumerRate; r++ {
		v := s.Uint32()
		d.SetReg(r, v)
		vals = append(vals, v)
	}

	for r := regs.Index(0); r < sim.RegConsumerRate; r++ {
		v := d.Reg(r)
		fmt.Fprintf(out, "  %d: %#08x %s\n", r, v, ck.mark(v == vals[r]))
	}

	fmt.Fprintln(out, "\nWriting to the CPU->FPGA queue:")

	s.Reset()
	d.SetReg(sim.RegConsumerRate, 128)

	var sum uint64
	for i := 0; i < 4*int(geo.C2FNumChunks); i++ {
		fmt.Fprintf(out, "  [%d]: ", d.Status().C2FWrPtr)

		var c chunk
		for j := range c {
			c[j] = s.Uint64()
			sum += c[j]
		}

		*d.PrepareSend() = c
		d.CommitSend()

		// the device checksums asynchronously
		d.Drain()

		dev := uint64(d.Reg(sim.RegChecksumHi))<<32 | uint64(d.Reg(sim.RegChecksumLo))
		fmt.Fprintf(out, "fpgaChecksum = %016X; cpuChecksum = %016X; %s\n", dev, sum, ck.mark(dev == sum))
	}

	fmt.Fprintln(out, "\nReading from FPGA->CPU queue:")

	s.Reset()
	if err := d.EnableRecv(); err != nil {
		return err
	}

	for i := 0; i < int(geo.F2CNumChunks); i++ {
		c := d.Recv()
		fmt.Fprintf(out, "  Chunk %d (@%d):\n", i, d.Status().F2CRdPtr)

		for _, w := range c {
			fmt.Fprintf(out, "    %016X %s\n", w, ck.mark(w == s.Uint64()))
		}

		d.CommitRecv()
		fmt.Fprintln(out)
	}

	return d.DisableRecv()
}
