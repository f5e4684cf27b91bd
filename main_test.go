//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/c35s/fpgalink/capture"
	"github.com/c35s/fpgalink/fpga"
	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/seq"
	"github.com/c35s/fpgalink/sim"
	"github.com/google/go-cmp/cmp"
)

func openSim(t *testing.T, design sim.Design) *device {
	t.Helper()

	s, err := sim.New(sim.Config{Design: design})
	if err != nil {
		t.Fatal(err)
	}

	d, err := fpga.Open[chunk, chunk](fpga.Config{Platform: s, Waiter: ring.Yield{}})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { d.Close() })
	return d
}

func TestDemo(t *testing.T) {
	var (
		out bytes.Buffer
		ck  checker
		d   = openSim(t, sim.Sequence)
	)

	if err := runDemo(&out, d, &ck); err != nil {
		t.Fatal(err)
	}

	if ck.failed != 0 {
		t.Errorf("%d mismatches:\n%s", ck.failed, out.String())
	}

	if n := strings.Count(out.String(), " ok"); n < 500 {
		t.Errorf("only %d checks passed", n)
	}
}

func TestChecker(t *testing.T) {
	marks := map[bool][2]string{
		false: {"ok", "FAIL"},
		true:  {"(✓)", "(✗)"},
	}

	for tty, want := range marks {
		ck := checker{tty: tty}

		if got := ck.mark(true); got != want[0] {
			t.Errorf("tty=%t: pass mark %q", tty, got)
		}

		if got := ck.mark(false); got != want[1] {
			t.Errorf("tty=%t: fail mark %q", tty, got)
		}

		if ck.failed != 1 {
			t.Errorf("tty=%t: %d failures counted", tty, ck.failed)
		}
	}
}

func TestParseRegArgs(t *testing.T) {
	ops, err := parseRegArgs([]string{"3", "0x10=0xdeadbeef", "500=7"})
	if err != nil {
		t.Fatal(err)
	}

	want := []regOp{
		{index: 3},
		{index: 16, value: 0xdeadbeef, write: true},
		{index: 500, value: 7, write: true},
	}

	if diff := cmp.Diff(want, ops, cmp.AllowUnexported(regOp{})); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}

	for _, arg := range []string{"x", "65536", "504", "511=1", "3=", "3=0x100000000"} {
		if _, err := parseRegArgs([]string{arg}); !errors.Is(err, errRegArg) {
			t.Errorf("%q: error isn't errRegArg: %v", arg, err)
		}
	}
}

func TestRegs(t *testing.T) {
	var (
		out bytes.Buffer
		d   = openSim(t, sim.Sequence)
	)

	runRegs(&out, d, []regOp{
		{index: 1, value: 0xabcd, write: true},
		{index: 1},
		{index: 2},
	})

	want := []string{"r1", "0x0000abcd", "r1", "0x0000abcd", "r2", "0x00000000"}
	if diff := cmp.Diff(want, strings.Fields(out.String())); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	if v := d.Reg(regs.Index(1)); v != 0xabcd {
		t.Errorf("r1 = %#x", v)
	}
}

func TestBench(t *testing.T) {
	for _, mode := range []string{"q", "r", "s"} {
		t.Run(mode, func(t *testing.T) {
			d := openSim(t, sim.Bench)

			h, err := runBench(d, mode, 50)
			if err != nil {
				t.Fatal(err)
			}

			var total uint32
			for _, n := range h {
				total += n
			}

			if h[0] != 0 {
				t.Errorf("%d rounds took no time", h[0])
			}

			if total > 50 {
				t.Errorf("%d rounds counted, want at most 50", total)
			}

			var out bytes.Buffer
			h.print(&out)

			if !strings.Contains(out.String(), "Latency: ") {
				t.Errorf("no latency line:\n%s", out.String())
			}
		})
	}
}

func TestHistogramPrint(t *testing.T) {
	h := make(histogram, histLimit)
	for i := 1; i < 100; i += 2 {
		h[i] = uint32(i % 7)
	}

	var out bytes.Buffer
	h.print(&out)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != histRows+1 {
		t.Fatalf("%d lines, want %d:\n%s", len(lines), histRows+1, out.String())
	}

	if lines[0] != "1: 1" {
		t.Errorf("first row %q", lines[0])
	}

	// 13 is the first bin holding 6
	if last := lines[histRows]; last != "Latency: 13 cycles" {
		t.Errorf("last line %q", last)
	}
}

func seqBytes(n int) []byte {
	var (
		s = seq.New()
		b []byte
	)

	for i := 0; i < n; i++ {
		var c chunk
		s.Fill(c[:])
		b = append(b, chunkBytes(&c)...)
	}

	return b
}

func TestCapture(t *testing.T) {
	var (
		buf bytes.Buffer
		d   = openSim(t, sim.Sequence)
	)

	if err := runCapture(&buf, d, 100, 16); err != nil {
		t.Fatal(err)
	}

	r, err := capture.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()

	var (
		got   []byte
		sizes []int
	)

	for {
		b, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			t.Fatal(err)
		}

		got = append(got, b...)
		sizes = append(sizes, len(b)/64)
	}

	if diff := cmp.Diff([]int{16, 16, 16, 16, 16, 16, 4}, sizes); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}

	if !bytes.Equal(seqBytes(100), got) {
		t.Error("captured chunks aren't the sequence")
	}

	if err := runCapture(io.Discard, d, 1, capture.MaxBatch/64+1); err == nil {
		t.Error("oversized batch accepted")
	}
}

func TestPump(t *testing.T) {
	d := openSim(t, sim.Sequence)

	if err := d.EnableRecv(); err != nil {
		t.Fatal(err)
	}

	chunks := make(chan []byte, 40)
	if err := pump(context.Background(), d, chunks, 40); err != nil {
		t.Fatal(err)
	}

	close(chunks)

	var got []byte
	for b := range chunks {
		got = append(got, b...)
	}

	if !bytes.Equal(seqBytes(40), got) {
		t.Error("pumped chunks aren't the sequence")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := pump(ctx, d, make(chan []byte), 1); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled pump: %v", err)
	}
}
