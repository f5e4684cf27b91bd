//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/sim"
	"github.com/spf13/cobra"
)

var (
	benchMode string
	benchN    int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure the round-trip latency of the benchmark design.",
	Long: `bench runs rounds of the benchmark design: the device sends one chunk and ` +
		`starts a timer, the host checksums the chunk and answers, and the device ` +
		`stops the timer. Mode q answers with a C2F chunk, mode r with a burst of ` +
		`register writes, and mode s with a single register write. bench prints a ` +
		`histogram of the timer in device cycles.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch benchMode {
		case "q", "r", "s":
		default:
			return fmt.Errorf("bench: unknown mode %q", benchMode)
		}

		if benchN <= 0 {
			return fmt.Errorf("bench: round count %d isn't positive", benchN)
		}

		d, err := openDevice(sim.Bench)
		if err != nil {
			return err
		}

		defer d.Close()

		h, err := runBench(d, benchMode, benchN)
		if err != nil {
			return err
		}

		h.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().StringVar(&benchMode, "mode", "q", "answer with a C2F chunk (q), register writes (r), or one register write (s)")
	benchCmd.Flags().IntVarP(&benchN, "rounds", "n", 10_000_000, "number of rounds")
}

// histogram counts timer values below its length.
type histogram []uint32

const (
	histLimit = 1024
	histRows  = 32
)

func runBench(d *device, mode string, n int) (histogram, error) {
	var (
		h       = make(histogram, histLimit)
		single  uint32
		respond = int(d.Geometry().C2FChunkSize) / 4
	)

	if mode == "s" {
		single = 1
	}

	d.SetReg(sim.RegSingleResponse, single)

	if err := d.EnableRecv(); err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		d.SetReg(sim.RegBenchTimer, 0)

		var sum uint64
		for _, w := range d.Recv() {
			sum += w
		}

		// the timer holds the last value the host wrote until the device latches
		// its count. Answers are never 0, which restarts the timer.
		var (
			stale  uint32
			answer = uint32(sum) | 1
		)

		switch mode {
		case "q":
			var c chunk
			for j := range c {
				c[j] = sum
			}

			*d.PrepareSend() = c
			d.CommitSend()

		case "r":
			for j := 0; j < respond; j++ {
				d.SetReg(sim.RegBenchTimer, answer)
			}

			stale = answer

		case "s":
			d.SetReg(sim.RegBenchTimer, answer)
			stale = answer
		}

		timer := d.Reg(sim.RegBenchTimer)
		for polls := 0; timer == stale; polls++ {
			ring.Yield{}.Await(polls)
			timer = d.Reg(sim.RegBenchTimer)
		}

		d.CommitRecv()

		if timer < histLimit {
			h[timer]++
		}
	}

	return h, d.DisableRecv()
}

// print writes the first histRows nonempty bins and the mode.
func (h histogram) print(w io.Writer) {
	var (
		rows  int
		mode  int
		modeN uint32
	)

	for i, n := range h {
		if n == 0 {
			continue
		}

		if n > modeN {
			mode, modeN = i, n
		}

		fmt.Fprintf(w, "%d: %d\n", i, n)

		if rows++; rows == histRows {
			break
		}
	}

	fmt.Fprintf(w, "Latency: %d cycles\n", mode)
}
