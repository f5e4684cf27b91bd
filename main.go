//go:build linux

// fpgalink talks to an FPGA over the DMA queues, or to a simulated one.
package main

import (
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/c35s/fpgalink/fpga"
	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/sim"
	"github.com/spf13/cobra"
)

var (
	devPath  string
	useSim   bool
	loopback bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "fpgalink",
	Short: "Drive an FPGA through its register window and DMA queues.",
	Long: `fpgalink drives an FPGA through the fpgalink kernel driver: it reads and ` +
		`writes application registers and moves chunks through the CPU->FPGA and ` +
		`FPGA->CPU queues. With --sim it runs against a software model of the ` +
		`demo designs instead.`,

	SilenceUsage: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(h))
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&devPath, "dev", fpga.DefaultNode, "path of the device node")
	f.BoolVar(&useSim, "sim", false, "run against the simulator")
	f.BoolVar(&loopback, "loopback", false, "simulate the loopback design (implies --sim)")
	f.BoolVarP(&verbose, "verbose", "v", false, "log debug records")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// chunk is a C2F or F2C chunk of the default geometry.
type chunk [8]uint64

type device = fpga.Device[chunk, chunk]

// openDevice opens the device node, or a simulator running design if --sim or
// --loopback is set. --loopback overrides design.
func openDevice(design sim.Design) (*device, error) {
	cfg := fpga.Config{Node: devPath}

	if useSim || loopback {
		if loopback {
			design = sim.Loopback
		}

		s, err := sim.New(sim.Config{Design: design})
		if err != nil {
			return nil, err
		}

		cfg.Platform = s
		cfg.Waiter = ring.Yield{}
	}

	return fpga.Open[chunk, chunk](cfg)
}

// chunkBytes copies c into a new byte slice, low word first.
func chunkBytes(c *chunk) []byte {
	b := make([]byte, 0, len(c)*8)
	for _, w := range c {
		b = binary.LittleEndian.AppendUint64(b, w)
	}

	return b
}
