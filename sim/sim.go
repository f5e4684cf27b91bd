//go:build linux

// Package sim is a software model of the demo FPGA designs. It shares memory with the
// host through a memfd laid out like the real device's four regions, and a goroutine
// plays the device's side of both queues by polling the registers the host writes and
// DMA-ing its own indices into the metrics page.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/fpgalink/fpga"
	"github.com/c35s/fpgalink/region"
	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/seq"
	"github.com/c35s/fpgalink/wire"
	"golang.org/x/sys/unix"
)

// Design picks the hardware design the simulator models.
type Design int

const (
	Sequence Design = iota // checksums C2F chunks and streams the RNG sequence on F2C
	Loopback               // echoes every C2F chunk back on F2C
	Bench                  // times the host's response to single F2C chunks
)

// Application registers of the Sequence and Loopback designs.
const (
	RegConsumerRate = regs.CtlBase - 3 // minimum polls between consumed C2F chunks
	RegChecksumLo   = regs.CtlBase - 2 // low half of the running C2F checksum
	RegChecksumHi   = regs.CtlBase - 1 // high half of the running C2F checksum
)

// Application registers of the Bench design.
const (
	RegSingleResponse = regs.CtlBase - 2 // host answers with one timer write rather than several
	RegBenchTimer     = regs.CtlBase - 1 // 0 starts a round; then polls until the answer
)

// busBase is the fake bus address of the start of the simulator's memory.
const busBase = 0x1_0000_0000

// Config describes a simulated device.
type Config struct {

	// Geometry is the queue geometry of the simulated design.
	// If Geometry is the zero value, wire.DefaultGeometry is used.
	Geometry wire.Geometry

	// Design is the simulated hardware design.
	Design Design

	// Logger receives records about control ops and misprogrammed registers.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Sim is a simulated device. It implements fpga.Platform.
type Sim struct {
	geo    wire.Geometry
	design Design
	log    *slog.Logger

	fd    int
	spans [4]span
	bus   [4]uint64

	// the device's own mappings
	reg  *region.Region
	mtr  *region.Region
	c2f  *region.Region
	f2c  *region.Region
	regs *regs.File

	mu      sync.Mutex
	stalled bool
	tick    uint64
	c2fRd   uint32
	f2cWr   uint32
	sum     uint64
	last    uint64   // tick of the last consumed C2F chunk
	echo    [][]byte // loopback chunks waiting for F2C room
	seq     *seq.Stream
	armed   bool   // bench round in progress
	start   uint64 // tick the bench round started
	latched uint32 // count of the last bench round
	warned  bool

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type span struct {
	off  int64
	size int
}

var (
	ErrConfig = errors.New("sim: invalid config")
	ErrAlloc  = errors.New("sim: memory allocation failed")
	ErrMap    = errors.New("sim: bad mapping request")
)

// New allocates a simulated device and starts it.
func New(cfg Config) (*Sim, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	fd, err := unix.MemfdCreate("fpgalink-sim", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	s := &Sim{
		geo:     cfg.Geometry,
		design:  cfg.Design,
		log:     cfg.Logger,
		fd:      fd,
		seq:     seq.New(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	var off int64
	for sel, size := range [4]int{wire.PageSize, wire.PageSize, s.geo.C2FSize(), s.geo.F2CSize()} {
		s.spans[sel] = span{off: off, size: size}
		s.bus[sel] = busBase + uint64(off)
		off += int64(size)
	}

	if err := unix.Ftruncate(fd, off); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	for sel, dst := range []**region.Region{&s.reg, &s.mtr, &s.c2f, &s.f2c} {
		sp := s.spans[sel]
		r, err := region.Map(fd, sp.off, sp.size, region.Options{Prot: region.ReadWrite})
		if err != nil {
			s.release()
			return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
		}

		*dst = r
	}

	if s.regs, err = regs.New(s.reg); err != nil {
		s.release()
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	// the allocator publishes each DMA target's bus address in its first word
	s.mtr.Store64(0, s.bus[region.Metrics])
	s.f2c.Store64(0, s.bus[region.F2C])

	go s.run()
	return s, nil
}

// Map maps length bytes of the selected region's span. The metrics and F2C regions
// carry their bus addresses, which the first reset overwrites, so a Sim backs one
// device.
func (s *Sim) Map(sel region.Selector, length int, prot region.Prot) (*region.Region, error) {
	if sel < region.Registers || sel > region.F2C {
		return nil, fmt.Errorf("%w: no region %v", ErrMap, sel)
	}

	sp := s.spans[sel]
	if length > sp.size {
		return nil, fmt.Errorf("%w: %v is %d bytes, not %d", ErrMap, sel, sp.size, length)
	}

	return region.Map(s.fd, sp.off, length, region.Options{
		Prot:    prot,
		Cache:   sel.Cache(),
		BusAddr: (sel == region.Metrics || sel == region.F2C) && prot&region.ReadOnly != 0,
	})
}

// Control applies op. It returns after the device loop has observed it.
func (s *Sim) Control(op fpga.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case fpga.OpReset:
		s.reset()

	case fpga.OpEnableRecv:
		s.regs.Write(regs.DMAEnable, regs.DMAEnabled)

	case fpga.OpDisableRecv:
		s.regs.Write(regs.DMAEnable, regs.DMADisabled)

	default:
		return unix.EINVAL
	}

	s.log.Debug("sim control", "op", op)
	return nil
}

// Stall stops or restarts the C2F consumer.
func (s *Sim) Stall(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stalled = on
}

// Close stops the device loop and frees its memory. Regions the host mapped stay
// valid until they're closed.
func (s *Sim) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped
		s.release()
	})

	return nil
}

func (s *Sim) release() {
	for _, r := range []*region.Region{s.f2c, s.c2f, s.mtr, s.reg} {
		if r != nil {
			r.Close()
		}
	}

	unix.Close(s.fd)
}

func (s *Sim) reset() {
	s.mtr.Store32(wire.MetricsF2CWrPtr, 0)
	s.mtr.Store32(wire.MetricsC2FRdPtr, 0)
	clear(s.f2c.View(0, s.f2c.Len()))

	s.regs.Write(regs.C2FWrPtr, 0)
	s.regs.Write(regs.F2CRdPtr, 0)
	s.regs.Write(regs.DMAEnable, regs.DMAReset)

	if s.design != Bench {
		s.regs.Write(RegChecksumLo, 0)
		s.regs.Write(RegChecksumHi, 0)
	}

	s.c2fRd, s.f2cWr = 0, 0
	s.sum = 0
	s.echo = nil
	s.armed = false
	s.latched = 0
	s.warned = false
	s.seq.Reset()
}

func (s *Sim) run() {
	defer close(s.stopped)

	idle := ring.Backoff{Spins: 64, Yields: 1024, Max: 200 * time.Microsecond}

	for n := 0; ; {
		select {
		case <-s.stop:
			return

		default:
		}

		s.mu.Lock()
		s.tick++
		busy := s.step()
		s.mu.Unlock()

		if busy {
			n = 0
			continue
		}

		idle.Await(n)
		n++
	}
}

func (s *Sim) step() bool {
	mtrOK, f2cOK := s.bases()
	if !mtrOK {
		return false
	}

	enabled := s.regs.Read(regs.DMAEnable) == regs.DMAEnabled
	if enabled && !f2cOK {
		if !s.warned {
			s.warned = true
			s.log.Warn("sim F2C base not programmed", "F2CBase", fmt.Sprintf("%#x", s.regs.Read(regs.F2CBase)))
		}

		enabled = false
	}

	if s.design == Bench {
		return s.stepBench(enabled)
	}

	busy := s.consume()
	if enabled {
		busy = s.produce(s.nextDemoChunk) || busy
	}

	return busy
}

// bases reports whether the host told the device where the metrics page and the F2C
// buffer are.
func (s *Sim) bases() (mtr, f2c bool) {
	mtr = s.regs.Read(regs.MtrBase) == uint32(s.bus[region.Metrics]>>3)
	f2c = s.regs.Read(regs.F2CBase) == uint32(s.bus[region.F2C]>>3)
	return
}

// consume takes C2F chunks up to the host's write index, adding each to the running
// checksum and publishing the read index after each one.
func (s *Sim) consume() bool {
	if s.stalled {
		return false
	}

	var (
		size = int(s.geo.C2FChunkSize)
		mask = s.geo.C2FNumChunks - 1
		wr   = s.regs.Read(regs.C2FWrPtr) & mask
		busy = false
	)

	for s.c2fRd != wr {
		if rate := s.regs.Read(RegConsumerRate); s.design == Sequence && s.tick-s.last < uint64(rate) {
			return true
		}

		if s.design == Loopback && len(s.echo) >= int(s.geo.F2CNumChunks) {
			break
		}

		b := s.c2f.View(int(s.c2fRd)*size, size)
		for i := 0; i < size; i += 8 {
			s.sum += binary.LittleEndian.Uint64(b[i:])
		}

		switch s.design {
		case Loopback:
			s.echo = append(s.echo, append([]byte(nil), b...))
			fallthrough

		case Sequence:
			s.regs.Write(RegChecksumLo, uint32(s.sum))
			s.regs.Write(RegChecksumHi, uint32(s.sum>>32))
		}

		s.c2fRd = (s.c2fRd + 1) & mask
		s.mtr.Store32(wire.MetricsC2FRdPtr, s.c2fRd)
		s.last = s.tick
		busy = true
	}

	return busy
}

// produce fills F2C chunks with next while the host leaves room, publishing the write
// index after each one. It stops early if next returns false.
func (s *Sim) produce(next func([]byte) bool) bool {
	var (
		size = int(s.geo.F2CChunkSize)
		mask = s.geo.F2CNumChunks - 1
		busy = false
	)

	for s.f2cRoom() {
		if !next(s.f2c.View(int(s.f2cWr)*size, size)) {
			break
		}

		s.f2cWr = (s.f2cWr + 1) & mask
		s.mtr.Store32(wire.MetricsF2CWrPtr, s.f2cWr)
		busy = true
	}

	return busy
}

func (s *Sim) nextDemoChunk(b []byte) bool {
	if s.design == Loopback {
		if len(s.echo) == 0 {
			return false
		}

		copy(b, s.echo[0])
		s.echo = s.echo[1:]
		return true
	}

	s.fillSeq(b)
	return true
}

func (s *Sim) fillSeq(b []byte) {
	for i := 0; i+8 <= len(b); i += 8 {
		binary.LittleEndian.PutUint64(b[i:], s.seq.Uint64())
	}
}

// stepBench runs one poll of the benchmark design. A round starts when the host
// zeroes the timer: the device sends one chunk, then counts polls until the host
// answers with a C2F chunk or a timer write, and latches the count, rounded up to an
// even number, in the timer. The model takes the first timer write as the answer
// whatever RegSingleResponse says.
func (s *Sim) stepBench(enabled bool) bool {
	if !enabled {
		return false
	}

	if !s.armed {
		timer := s.regs.Read(RegBenchTimer)

		// the timer reads the latched count until the host zeroes it
		if timer != 0 && s.latched != 0 && timer != s.latched {
			s.regs.Write(RegBenchTimer, s.latched)
			return true
		}

		if timer != 0 || !s.f2cRoom() {
			return false
		}

		s.produce(func(b []byte) bool {
			if s.armed {
				return false
			}

			s.fillSeq(b)
			s.armed = true
			return true
		})

		s.start = s.tick
		s.latched = 0
		return true
	}

	answered := s.consume() || s.regs.Read(RegBenchTimer) != 0
	if !answered {
		return true
	}

	// counts are even so they never match an answer, which the host makes odd
	elapsed := (s.tick - s.start + 1) &^ 1
	if elapsed == 0 {
		elapsed = 2
	}

	if elapsed > 0xfffffffe {
		elapsed = 0xfffffffe
	}

	s.latched = uint32(elapsed)
	s.regs.Write(RegBenchTimer, s.latched)
	s.armed = false
	return true
}

func (s *Sim) f2cRoom() bool {
	mask := s.geo.F2CNumChunks - 1
	return (s.f2cWr+1)&mask != s.regs.Read(regs.F2CRdPtr)&mask
}

func (cfg Config) validate() error {
	if region.PageSize != wire.PageSize {
		return fmt.Errorf("host page size %d != device page size %d", region.PageSize, wire.PageSize)
	}

	if err := cfg.Geometry.Validate(); err != nil {
		return err
	}

	if cfg.Design < Sequence || cfg.Design > Bench {
		return fmt.Errorf("unknown design %d", cfg.Design)
	}

	if cfg.Design == Loopback && cfg.Geometry.C2FChunkSize != cfg.Geometry.F2CChunkSize {
		return fmt.Errorf("loopback needs equal chunk sizes: %d != %d", cfg.Geometry.C2FChunkSize, cfg.Geometry.F2CChunkSize)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Geometry == (wire.Geometry{}) {
		cfg.Geometry = wire.DefaultGeometry
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
