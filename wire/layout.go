// Package wire defines the memory layout shared bit-for-bit with the hardware design:
// the queue geometry both sides are built against and the metrics page the device
// writes its queue indices to. None of it is negotiated at runtime.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// PageSize is the device's mapping granularity. Regions are mapped at
// selector*PageSize on the device node.
const PageSize = 4096

// Geometry describes both queues. Chunk sizes are in bytes; chunk counts are queue
// depths.
type Geometry struct {
	C2FChunkSize uint32
	C2FNumChunks uint32
	F2CChunkSize uint32
	F2CNumChunks uint32
}

// DefaultGeometry is the geometry of the demo design: 16 chunks of eight 64-bit
// words in each direction.
var DefaultGeometry = Geometry{
	C2FChunkSize: 64,
	C2FNumChunks: 16,
	F2CChunkSize: 64,
	F2CNumChunks: 16,
}

var ErrGeometry = errors.New("wire: invalid geometry")

// Validate returns an error if either queue is unusable. Chunks must be a positive
// multiple of 8 bytes and depths a power of two no smaller than 2.
func (g Geometry) Validate() error {
	if err := validateQueue("c2f", g.C2FChunkSize, g.C2FNumChunks); err != nil {
		return err
	}

	return validateQueue("f2c", g.F2CChunkSize, g.F2CNumChunks)
}

func validateQueue(name string, size, n uint32) error {
	if size == 0 || size%8 != 0 {
		return fmt.Errorf("%w: %s chunk size %d isn't a positive multiple of 8", ErrGeometry, name, size)
	}

	if n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("%w: %s depth %d isn't a power of two >= 2", ErrGeometry, name, n)
	}

	if uint64(size)*uint64(n) > 1<<30 {
		return fmt.Errorf("%w: %s buffer is larger than 1GiB", ErrGeometry, name)
	}

	return nil
}

// C2FSize returns the length of the C2F buffer region.
func (g Geometry) C2FSize() int {
	return roundUp(int(g.C2FChunkSize) * int(g.C2FNumChunks))
}

// F2CSize returns the length of the F2C buffer region.
func (g Geometry) F2CSize() int {
	return roundUp(int(g.F2CChunkSize) * int(g.F2CNumChunks))
}

func roundUp(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// geometryMagic prefixes a marshaled geometry.
const geometryMagic = "FLG1"

// SizeofGeometry is the length of a marshaled geometry.
const SizeofGeometry = len(geometryMagic) + 16

// MarshalBinary encodes g as a magic string followed by its four fields as
// little-endian uint32s.
func (g Geometry) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, SizeofGeometry)
	b = append(b, geometryMagic...)
	b = binary.LittleEndian.AppendUint32(b, g.C2FChunkSize)
	b = binary.LittleEndian.AppendUint32(b, g.C2FNumChunks)
	b = binary.LittleEndian.AppendUint32(b, g.F2CChunkSize)
	b = binary.LittleEndian.AppendUint32(b, g.F2CNumChunks)
	return b, nil
}

// UnmarshalBinary decodes a geometry encoded by MarshalBinary and validates it.
func (g *Geometry) UnmarshalBinary(data []byte) error {
	if len(data) != SizeofGeometry || string(data[:len(geometryMagic)]) != geometryMagic {
		return fmt.Errorf("%w: bad encoding", ErrGeometry)
	}

	data = data[len(geometryMagic):]
	dec := Geometry{
		C2FChunkSize: binary.LittleEndian.Uint32(data[0:]),
		C2FNumChunks: binary.LittleEndian.Uint32(data[4:]),
		F2CChunkSize: binary.LittleEndian.Uint32(data[8:]),
		F2CNumChunks: binary.LittleEndian.Uint32(data[12:]),
	}

	if err := dec.Validate(); err != nil {
		return err
	}

	*g = dec
	return nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("c2f %dx%dB f2c %dx%dB", g.C2FNumChunks, g.C2FChunkSize, g.F2CNumChunks, g.F2CChunkSize)
}

// Metrics is the device-written page holding the device's side of both queues. Each
// field is DMA'd by the device whenever it moves its index.
type Metrics struct {
	F2CWrPtr uint32 // device's F2C write index
	C2FRdPtr uint32 // device's C2F read index
}

// Metrics field offsets.
const (
	MetricsF2CWrPtr = 0
	MetricsC2FRdPtr = 4
	SizeofMetrics   = 8
)

// layout asserts: each array length underflows unless the Go struct matches the
// documented offsets exactly
var (
	_ [unsafe.Offsetof(Metrics{}.F2CWrPtr) - MetricsF2CWrPtr]struct{}
	_ [MetricsF2CWrPtr - unsafe.Offsetof(Metrics{}.F2CWrPtr)]struct{}
	_ [unsafe.Offsetof(Metrics{}.C2FRdPtr) - MetricsC2FRdPtr]struct{}
	_ [MetricsC2FRdPtr - unsafe.Offsetof(Metrics{}.C2FRdPtr)]struct{}
	_ [unsafe.Sizeof(Metrics{}) - SizeofMetrics]struct{}
	_ [SizeofMetrics - unsafe.Sizeof(Metrics{})]struct{}
)
