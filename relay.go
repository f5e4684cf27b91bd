//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c35s/fpgalink/relay"
	"github.com/c35s/fpgalink/sim"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var relayN int

var relayCmd = &cobra.Command{
	Use:   "relay TARGET",
	Short: "Forward F2C chunks to a vsock or TCP peer.",
	Long: `relay connects to TARGET, which is vsock://CID:PORT or tcp://HOST:PORT, ` +
		`sends the marshaled queue geometry, then forwards the raw bytes of every ` +
		`chunk it receives from the FPGA->CPU queue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if relayN <= 0 {
			return fmt.Errorf("relay: -n %d isn't positive", relayN)
		}

		conn, err := relay.Dial(args[0])
		if err != nil {
			return err
		}

		defer conn.Close()

		d, err := openDevice(sim.Sequence)
		if err != nil {
			return err
		}

		defer d.Close()

		hdr, err := d.Geometry().MarshalBinary()
		if err != nil {
			return err
		}

		if _, err := conn.Write(hdr); err != nil {
			return err
		}

		if err := d.EnableRecv(); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		chunks := make(chan []byte, d.Geometry().F2CNumChunks)

		g.Go(func() error {
			n, err := relay.Forward(ctx, conn, chunks)
			slog.Debug("relay done", "target", args[0], "bytes", n)
			return err
		})

		// only this goroutine touches the device until Wait returns
		g.Go(func() error {
			defer close(chunks)
			return pump(ctx, d, chunks, relayN)
		})

		if err := g.Wait(); err != nil {
			return err
		}

		return d.DisableRecv()
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().IntVarP(&relayN, "chunks", "n", 1024, "number of chunks to forward")
}

// pump receives n chunks and sends a copy of each on chunks.
func pump(ctx context.Context, d *device, chunks chan<- []byte, n int) error {
	for i := 0; i < n; i++ {
		b := chunkBytes(d.Recv())
		d.CommitRecv()

		select {
		case chunks <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
