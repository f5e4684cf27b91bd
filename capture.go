//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/c35s/fpgalink/capture"
	"github.com/c35s/fpgalink/sim"
	"github.com/spf13/cobra"
)

var (
	captureOut   string
	captureN     int
	captureBatch int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record F2C chunks to a capture archive.",
	Long: `capture receives chunks from the FPGA->CPU queue and writes them to a ` +
		`gzip'd cpio archive, one entry per batch, after an entry recording the ` +
		`queue geometry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if captureN <= 0 || captureBatch <= 0 {
			return fmt.Errorf("capture: -n %d and --batch %d must be positive", captureN, captureBatch)
		}

		var out io.Writer = cmd.OutOrStdout()
		if captureOut != "-" {
			f, err := os.Create(captureOut)
			if err != nil {
				return err
			}

			defer func() {
				err = errors.Join(err, f.Close())
			}()

			out = f
		}

		d, err := openDevice(sim.Sequence)
		if err != nil {
			return err
		}

		defer d.Close()

		return runCapture(out, d, captureN, captureBatch)
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().StringVarP(&captureOut, "output", "o", "-", "archive path, or - for stdout")
	captureCmd.Flags().IntVarP(&captureN, "chunks", "n", 1024, "number of chunks to record")
	captureCmd.Flags().IntVar(&captureBatch, "batch", 64, "chunks per archive entry")
}

func runCapture(out io.Writer, d *device, n, batch int) error {
	size := batch * int(d.Geometry().F2CChunkSize)
	if size > capture.MaxBatch {
		return fmt.Errorf("capture: --batch %d makes %d-byte entries, over %d", batch, size, capture.MaxBatch)
	}

	w, err := capture.NewWriter(out, d.Geometry())
	if err != nil {
		return err
	}

	if err := d.EnableRecv(); err != nil {
		return err
	}

	buf := make([]byte, 0, size)

	for i := 0; i < n; i++ {
		buf = append(buf, chunkBytes(d.Recv())...)
		d.CommitRecv()

		if i+1 == n || len(buf) == cap(buf) {
			if err := w.WriteBatch(buf); err != nil {
				return err
			}

			buf = buf[:0]
		}
	}

	if err := d.DisableRecv(); err != nil {
		return err
	}

	slog.Debug("capture done", "chunks", n, "batches", w.Batches())
	return w.Close()
}
