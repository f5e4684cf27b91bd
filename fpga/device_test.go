//go:build linux

package fpga_test

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/c35s/fpgalink/fpga"
	"github.com/c35s/fpgalink/region"
	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/seq"
	"github.com/c35s/fpgalink/sim"
	"github.com/c35s/fpgalink/wire"
	"github.com/google/go-cmp/cmp"
)

type chunk [8]uint64

type device = fpga.Device[chunk, chunk]

func newSim(t *testing.T, design sim.Design) *sim.Sim {
	t.Helper()

	s, err := sim.New(sim.Config{Design: design})
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func open(t *testing.T, plat fpga.Platform, w ring.Waiter) *device {
	t.Helper()

	if w == nil {
		w = ring.Yield{}
	}

	d, err := fpga.Open[chunk, chunk](fpga.Config{Platform: plat, Waiter: w})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Error(err)
		}
	})

	return d
}

func TestOpenMissingNode(t *testing.T) {
	_, err := fpga.Open[chunk, chunk](fpga.Config{Node: "/nonexistent/fpga0"})

	if !errors.Is(err, fpga.ErrOpen) {
		t.Errorf("error isn't ErrOpen: %v", err)
	}

	if !errors.Is(err, fpga.ErrDevice) {
		t.Errorf("error isn't ErrDevice: %v", err)
	}
}

func TestOpenBadConfig(t *testing.T) {
	type withPointer struct {
		p *uint64
		_ [56]byte
	}

	cases := map[string]func() error{
		"bad geometry": func() error {
			_, err := fpga.Open[chunk, chunk](fpga.Config{Geometry: wire.Geometry{C2FChunkSize: 64, C2FNumChunks: 3}})
			return err
		},

		"short send chunk": func() error {
			_, err := fpga.Open[[4]uint64, chunk](fpga.Config{})
			return err
		},

		"long recv chunk": func() error {
			_, err := fpga.Open[chunk, [9]uint64](fpga.Config{})
			return err
		},

		"pointer chunk": func() error {
			_, err := fpga.Open[withPointer, chunk](fpga.Config{})
			return err
		},
	}

	for name, open := range cases {
		t.Run(name, func(t *testing.T) {
			err := open()
			if !errors.Is(err, fpga.ErrConfig) || !errors.Is(err, fpga.ErrDevice) {
				t.Errorf("error isn't ErrConfig: %v", err)
			}
		})
	}
}

// brokenPlatform fails to map one region or to issue control ops.
type brokenPlatform struct {
	*sim.Sim
	mapFails region.Selector
	ctlFails bool
	closed   bool
}

func (p *brokenPlatform) Map(sel region.Selector, length int, prot region.Prot) (*region.Region, error) {
	if sel == p.mapFails {
		return nil, errors.New("no such region")
	}

	return p.Sim.Map(sel, length, prot)
}

func (p *brokenPlatform) Control(op fpga.Op) error {
	if p.ctlFails {
		return errors.New("no such op")
	}

	return p.Sim.Control(op)
}

func (p *brokenPlatform) Close() error {
	p.closed = true
	return p.Sim.Close()
}

func TestOpenMapFailure(t *testing.T) {
	for _, sel := range []region.Selector{region.Registers, region.Metrics, region.C2F, region.F2C} {
		t.Run(sel.String(), func(t *testing.T) {
			p := &brokenPlatform{Sim: newSim(t, sim.Sequence), mapFails: sel}

			_, err := fpga.Open[chunk, chunk](fpga.Config{Platform: p})
			if !errors.Is(err, fpga.ErrMap) || !errors.Is(err, fpga.ErrDevice) {
				t.Errorf("error isn't ErrMap: %v", err)
			}

			if !p.closed {
				t.Error("platform wasn't closed")
			}
		})
	}
}

func TestOpenControlFailure(t *testing.T) {
	p := &brokenPlatform{Sim: newSim(t, sim.Sequence), mapFails: -1, ctlFails: true}

	_, err := fpga.Open[chunk, chunk](fpga.Config{Platform: p})
	if !errors.Is(err, fpga.ErrControl) || !errors.Is(err, fpga.ErrDevice) {
		t.Errorf("error isn't ErrControl: %v", err)
	}

	if !p.closed {
		t.Error("platform wasn't closed")
	}
}

func TestRegisterReadback(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	var (
		s    = seq.New()
		want []uint32
		got  []uint32
	)

	for i := regs.Index(0); i < sim.RegConsumerRate; i++ {
		v := s.Uint32()
		d.SetReg(i, v)
		want = append(want, v)
	}

	for i := regs.Index(0); i < sim.RegConsumerRate; i++ {
		got = append(got, d.Reg(i))
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("register readback mismatch (-want +got):\n%s", diff)
	}
}

func TestReservedRegisters(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	for _, i := range []regs.Index{regs.CtlBase, regs.DMAEnable, regs.MtrBase, regs.Count - 1} {
		t.Run(i.String(), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("write to %v didn't panic", i)
				}
			}()

			d.SetReg(i, 1)
		})
	}
}

func checksum(d *device) uint64 {
	return uint64(d.Reg(sim.RegChecksumHi))<<32 | uint64(d.Reg(sim.RegChecksumLo))
}

func TestChecksum(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	var (
		s   = seq.New()
		sum uint64
		n   = 4 * int(d.Geometry().C2FNumChunks)
	)

	for i := 0; i < n; i++ {
		var v chunk
		for j := range v {
			v[j] = s.Uint64()
			sum += v[j]
		}

		*d.PrepareSend() = v
		d.CommitSend()
		d.Drain()

		if got := checksum(d); got != sum {
			t.Fatalf("chunk %d: device checksum %#016x != %#016x", i, got, sum)
		}
	}

	// four passes of the default geometry cover the first 512 words
	if sum != 0xf1f0cea9d2cb197f {
		t.Errorf("sum %#x", sum)
	}

	if st := d.Status(); st.C2FWrPtr != 0 || st.C2FRdPtr != 0 {
		t.Errorf("status after %d chunks: %v", n, st)
	}
}

func TestConsumerRate(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)
	d.SetReg(sim.RegConsumerRate, 128)

	for i := 0; i < 2*int(d.Geometry().C2FNumChunks); i++ {
		c := d.PrepareSend()
		c[0] = 1
		d.CommitSend()
	}

	d.Drain()

	if got := checksum(d); got != 32 {
		t.Errorf("checksum %d != 32", got)
	}
}

func TestSendWaitsWhenFull(t *testing.T) {
	var (
		s     = newSim(t, sim.Sequence)
		waits atomic.Int64
	)

	d := open(t, s, ring.WaiterFunc(func(n int) {
		waits.Add(1)
		if n == 1000 {
			s.Stall(false)
		}
	}))

	s.Stall(true)

	depth := int(d.Geometry().C2FNumChunks)
	for i := 0; i < depth-1; i++ {
		d.PrepareSend()
		d.CommitSend()
	}

	if waits.Load() != 0 {
		t.Fatalf("%d waits during the first %d sends", waits.Load(), depth-1)
	}

	if _, ok := d.TryPrepareSend(); ok {
		t.Fatal("TryPrepareSend succeeded on a full queue")
	}

	d.PrepareSend()
	d.CommitSend()

	if waits.Load() <= 1000 {
		t.Errorf("send %d returned after %d waits", depth, waits.Load())
	}

	d.Drain()
}

func TestRecvSequence(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	if err := d.EnableRecv(); err != nil {
		t.Fatal(err)
	}

	s := seq.New()

	for i := 0; i < 3*int(d.Geometry().F2CNumChunks); i++ {
		var want chunk
		for j := range want {
			want[j] = s.Uint64()
		}

		got := *d.Recv()
		d.CommitRecv()

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("chunk %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	if err := d.DisableRecv(); err != nil {
		t.Fatal(err)
	}

	if st := d.Status(); st.DMAEnable != regs.DMADisabled || st.Recv {
		t.Errorf("status after disable: %v", st)
	}
}

func TestRecvWhileDisabled(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	defer func() {
		if recover() == nil {
			t.Error("Recv didn't panic")
		}
	}()

	d.Recv()
}

func TestLoopback(t *testing.T) {
	d := open(t, newSim(t, sim.Loopback), nil)

	if err := d.EnableRecv(); err != nil {
		t.Fatal(err)
	}

	var (
		s     = seq.New()
		sent  []chunk
		recvd []chunk
		burst = int(d.Geometry().C2FNumChunks) - 1
	)

	for round := 0; round < 8; round++ {
		for i := 0; i < burst; i++ {
			var v chunk
			for j := range v {
				v[j] = s.Uint64()
			}

			sent = append(sent, v)
			*d.PrepareSend() = v
			d.CommitSend()
		}

		for i := 0; i < burst; i++ {
			recvd = append(recvd, *d.Recv())
			d.CommitRecv()
		}
	}

	if diff := cmp.Diff(sent, recvd); diff != "" {
		t.Errorf("loopback mismatch (-sent +received):\n%s", diff)
	}
}

func TestDoubleCommitRecv(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	if err := d.EnableRecv(); err != nil {
		t.Fatal(err)
	}

	d.Recv()
	d.CommitRecv()

	func() {
		defer func() {
			r := recover()
			if err, ok := r.(error); !ok || !errors.Is(err, ring.ErrUnmatchedCommit) {
				t.Errorf("recovered %v, want ErrUnmatchedCommit", r)
			}
		}()

		d.CommitRecv()
	}()

	if st := d.Status(); st.F2CRdPtr != 1 {
		t.Errorf("read index %d after double commit, want 1", st.F2CRdPtr)
	}
}

func TestReset(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)

	for i := 0; i < 5; i++ {
		c := d.PrepareSend()
		c[0] = 7
		d.CommitSend()
	}

	d.Drain()

	if err := d.EnableRecv(); err != nil {
		t.Fatal(err)
	}

	first := *d.Recv()
	d.CommitRecv()

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}

	want := fpga.Status{DMAEnable: regs.DMAReset}
	if diff := cmp.Diff(want, d.Status()); diff != "" {
		t.Errorf("status after reset (-want +got):\n%s", diff)
	}

	if got := checksum(d); got != 0 {
		t.Errorf("checksum %d after reset", got)
	}

	// the sequence restarts too
	if err := d.EnableRecv(); err != nil {
		t.Fatal(err)
	}

	if again := *d.Recv(); again != first {
		t.Errorf("first chunk after reset %x != %x", again, first)
	}

	d.CommitRecv()
}

func TestDumpRegs(t *testing.T) {
	d := open(t, newSim(t, sim.Sequence), nil)
	d.SetReg(7, 0x1234)

	var b strings.Builder
	if err := d.DumpRegs(&b); err != nil {
		t.Fatal(err)
	}

	// the reset leaves DMAEnable in reset mode and the base registers programmed
	for _, want := range []string{"r7 ", "0x00001234", "DMAEnable ", "MtrBase ", "F2CBase "} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("dump is missing %q:\n%s", want, b.String())
		}
	}
}
