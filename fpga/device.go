//go:build linux

// Package fpga drives an FPGA over the lock-free DMA transport: a register window, a
// device-written metrics page, and two rings of fixed-size chunks, one in each
// direction. A Device owns all of it, from open to close.
package fpga

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"unsafe"

	"github.com/c35s/fpgalink/region"
	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/ring"
	"github.com/c35s/fpgalink/wire"
)

// Config describes how to open a device.
type Config struct {

	// Node is the path of the device node.
	// If Node is empty, DefaultNode is used. Node is ignored if Platform is set.
	Node string

	// Geometry is the queue geometry the hardware design was built with.
	// If Geometry is the zero value, wire.DefaultGeometry is used.
	Geometry wire.Geometry

	// Waiter paces polling while a queue is full or empty.
	// If Waiter is nil, the device spins.
	Waiter ring.Waiter

	// Platform, if set, maps the device's regions and forwards its control ops
	// instead of the device node. Setting Platform is mostly useful for running
	// against a simulator. A valid config hands the platform to the device, which
	// closes it on Close or when Open fails.
	Platform Platform

	// Logger receives debug records about mapping and control.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Platform gives a device its memory and its control entry point.
type Platform interface {

	// Map maps length bytes of the selected region with the given protection.
	Map(sel region.Selector, length int, prot region.Prot) (*region.Region, error)

	// Control issues op and returns after it has taken effect.
	Control(op Op) error

	// Close releases the platform. It's called after the device's regions are closed.
	Close() error
}

// Device is an open device with a C2F queue of S chunks and an F2C queue of R chunks.
// It isn't safe for concurrent use.
type Device[S, R any] struct {
	geo  wire.Geometry
	log  *slog.Logger
	plat Platform

	reg *region.Region
	mtr *region.Region
	c2f *region.Region
	f2c *region.Region

	regs *regs.File
	tx   *ring.Sender[S]
	rx   *ring.Receiver[R]

	recv bool
}

// Status is a snapshot of both queues.
type Status struct {
	C2FWrPtr  uint32 // host's C2F write index
	C2FRdPtr  uint32 // device's C2F read index, from metrics
	F2CWrPtr  uint32 // device's F2C write index, from metrics
	F2CRdPtr  uint32 // host's F2C read index
	DMAEnable uint32 // DMA mode register
	Recv      bool   // whether the F2C path is enabled
}

var (
	ErrDevice  = errors.New("fpga: device error")
	ErrOpen    = fmt.Errorf("%w: open failed", ErrDevice)
	ErrConfig  = fmt.Errorf("%w: invalid config", ErrDevice)
	ErrMap     = fmt.Errorf("%w: map failed", ErrDevice)
	ErrControl = fmt.Errorf("%w: control failed", ErrDevice)
)

// Open opens a device and resets it. S and R must be pointer-free types exactly as
// large as the geometry's C2F and F2C chunks.
func Open[S, R any](cfg Config) (*Device[S, R], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := checkChunk[S]("c2f", cfg.Geometry.C2FChunkSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := checkChunk[R]("f2c", cfg.Geometry.F2CChunkSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	// default platform
	if cfg.Platform == nil {
		n, err := OpenNode(cfg.Node)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpen, err)
		}

		cfg.Platform = n
	}

	d := &Device[S, R]{
		geo:  cfg.Geometry,
		log:  cfg.Logger,
		plat: cfg.Platform,
	}

	maps := []struct {
		dst  **region.Region
		sel  region.Selector
		size int
		prot region.Prot
	}{
		{&d.reg, region.Registers, wire.PageSize, region.ReadWrite},
		{&d.mtr, region.Metrics, wire.PageSize, region.ReadOnly},
		{&d.c2f, region.C2F, d.geo.C2FSize(), region.WriteOnly},
		{&d.f2c, region.F2C, d.geo.F2CSize(), region.ReadOnly},
	}

	for _, m := range maps {
		r, err := d.plat.Map(m.sel, m.size, m.prot)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: %v: %w", ErrMap, m.sel, err)
		}

		*m.dst = r
		d.log.Debug("mapped region",
			"region", m.sel,
			"len", r.Len(),
			"prot", r.Prot(),
			"cache", r.Cache(),
			"bus", fmt.Sprintf("%#x", r.BusAddr()))
	}

	rf, err := regs.New(d.reg)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	d.regs = rf

	var (
		c2fN = int(d.geo.C2FNumChunks)
		f2cN = int(d.geo.F2CNumChunks)
	)

	d.tx = ring.NewSender(unsafe.Slice((*S)(d.c2f.Pointer(0, c2fN*int(d.geo.C2FChunkSize))), c2fN), ring.Config{
		Remote:  func() uint32 { return d.mtr.Load32(wire.MetricsC2FRdPtr) },
		Publish: func(w uint32) { d.regs.Write(regs.C2FWrPtr, w) },
		Waiter:  cfg.Waiter,
	})

	d.rx = ring.NewReceiver(unsafe.Slice((*R)(d.f2c.Pointer(0, f2cN*int(d.geo.F2CChunkSize))), f2cN), ring.Config{
		Remote:  func() uint32 { return d.mtr.Load32(wire.MetricsF2CWrPtr) },
		Publish: func(r uint32) { d.regs.Write(regs.F2CRdPtr, r) },
		Waiter:  cfg.Waiter,
	})

	if err := d.Reset(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// Close unmaps the device's regions and releases its platform.
func (d *Device[S, R]) Close() error {
	var errs []error
	for _, r := range []*region.Region{d.f2c, d.c2f, d.mtr, d.reg} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}

	if d.plat != nil {
		errs = append(errs, d.plat.Close())
		d.plat = nil
	}

	return errors.Join(errs...)
}

// Geometry returns the device's queue geometry.
func (d *Device[S, R]) Geometry() wire.Geometry {
	return d.geo
}

// Reg reads application register i. It panics if i is reserved.
func (d *Device[S, R]) Reg(i regs.Index) uint32 {
	mustBeApp(i)
	return d.regs.Read(i)
}

// SetReg writes v to application register i. It panics if i is reserved.
func (d *Device[S, R]) SetReg(i regs.Index, v uint32) {
	mustBeApp(i)
	d.regs.Write(i, v)
}

// DumpRegs writes every non-zero register, reserved ones included, to w.
func (d *Device[S, R]) DumpRegs(w io.Writer) error {
	return d.regs.Dump(w)
}

func mustBeApp(i regs.Index) {
	if i.IsReserved() {
		panic(fmt.Sprintf("fpga: register %v is reserved", i))
	}
}

// PrepareSend returns the next free C2F chunk, spinning while the queue is full.
func (d *Device[S, R]) PrepareSend() *S {
	return d.tx.Prepare()
}

// TryPrepareSend is like PrepareSend, but returns false if the queue is full.
func (d *Device[S, R]) TryPrepareSend() (*S, bool) {
	return d.tx.TryPrepare()
}

// CommitSend hands the prepared chunk to the device.
func (d *Device[S, R]) CommitSend() {
	d.tx.Commit()
}

// Drain spins until the device has consumed every committed C2F chunk.
func (d *Device[S, R]) Drain() {
	d.tx.Drain()
}

// Recv returns the next F2C chunk, spinning while the queue is empty. It panics if
// the receive path is disabled.
func (d *Device[S, R]) Recv() *R {
	d.mustRecv()
	return d.rx.Recv()
}

// TryRecv is like Recv, but returns false if the queue is empty.
func (d *Device[S, R]) TryRecv() (*R, bool) {
	d.mustRecv()
	return d.rx.TryRecv()
}

// CommitRecv returns the received chunk to the device. It must be called exactly
// once per Recv.
func (d *Device[S, R]) CommitRecv() {
	d.rx.Commit()
}

func (d *Device[S, R]) mustRecv() {
	if !d.recv {
		panic("fpga: receive while the F2C path is disabled")
	}
}

// Reset resets the device and both queues and disables the receive path. If the
// platform published bus addresses for the metrics page or the F2C buffer, Reset
// tells the device where they are.
func (d *Device[S, R]) Reset() error {
	if err := d.control(OpReset); err != nil {
		return err
	}

	d.tx.Reset()
	d.rx.Reset()
	d.recv = false

	if a := d.mtr.BusAddr(); a != 0 {
		d.regs.Write(regs.MtrBase, uint32(a>>3))
	}

	if a := d.f2c.BusAddr(); a != 0 {
		d.regs.Write(regs.F2CBase, uint32(a>>3))
	}

	return nil
}

// EnableRecv lets the device start filling the F2C queue.
func (d *Device[S, R]) EnableRecv() error {
	if err := d.control(OpEnableRecv); err != nil {
		return err
	}

	d.recv = true
	return nil
}

// DisableRecv stops the device from filling the F2C queue.
func (d *Device[S, R]) DisableRecv() error {
	if err := d.control(OpDisableRecv); err != nil {
		return err
	}

	d.recv = false
	return nil
}

func (d *Device[S, R]) control(op Op) error {
	if err := d.plat.Control(op); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrControl, op, err)
	}

	d.log.Debug("device control", "op", op)
	return nil
}

// Status returns a snapshot of both queues' indices and the DMA mode.
func (d *Device[S, R]) Status() Status {
	return Status{
		C2FWrPtr:  d.tx.Index(),
		C2FRdPtr:  d.tx.Remote(),
		F2CWrPtr:  d.rx.Remote(),
		F2CRdPtr:  d.rx.Index(),
		DMAEnable: d.regs.Read(regs.DMAEnable),
		Recv:      d.recv,
	}
}

func (s Status) String() string {
	return fmt.Sprintf("c2f w=%d r=%d f2c w=%d r=%d dma=%d recv=%t",
		s.C2FWrPtr, s.C2FRdPtr, s.F2CWrPtr, s.F2CRdPtr, s.DMAEnable, s.Recv)
}

func (cfg Config) validate() error {
	if region.PageSize != wire.PageSize {
		return fmt.Errorf("host page size %d != device page size %d", region.PageSize, wire.PageSize)
	}

	return cfg.Geometry.Validate()
}

func (cfg Config) withDefaults() Config {
	if cfg.Node == "" {
		cfg.Node = DefaultNode
	}

	if cfg.Geometry == (wire.Geometry{}) {
		cfg.Geometry = wire.DefaultGeometry
	}

	if cfg.Waiter == nil {
		cfg.Waiter = ring.Spin{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

// checkChunk returns an error if T can't be laid over chunks of size bytes.
func checkChunk[T any](name string, size uint32) error {
	t := reflect.TypeOf((*T)(nil)).Elem()

	if t.Size() != uintptr(size) {
		return fmt.Errorf("%s chunk type %v is %d bytes, not %d", name, t, t.Size(), size)
	}

	if !pointerFree(t) {
		return fmt.Errorf("%s chunk type %v contains pointers", name, t)
	}

	return nil
}

func pointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true

	case reflect.Array:
		return pointerFree(t.Elem())

	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !pointerFree(t.Field(i).Type) {
				return false
			}
		}

		return true

	default:
		return false
	}
}
