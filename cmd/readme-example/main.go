//go:build linux

package main

import (
	"fmt"

	"github.com/c35s/fpgalink/fpga"
	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/sim"
)

// msg is one 64-byte chunk.
type msg [8]uint64

func main() {
	s, err := sim.New(sim.Config{Design: sim.Loopback})
	if err != nil {
		panic(err)
	}

	d, err := fpga.Open[msg, msg](fpga.Config{
		Platform: s,
		Waiter:   ring.Yield{},
	})

	if err != nil {
		panic(err)
	}

	defer d.Close()

	if err := d.EnableRecv(); err != nil {
		panic(err)
	}

	*d.PrepareSend() = msg{1, 2, 3, 4, 5, 6, 7, 8}
	d.CommitSend()

	fmt.Println(*d.Recv())
	d.CommitRecv()

	if err := d.DisableRecv(); err != nil {
		panic(err)
	}
}
