//go:build linux

// Package regs provides indexed access to the device's 32-bit control/status
// registers. Register i lives in the odd 32-bit word 2*i+1 of the register region, a
// layout fixed by the hardware design.
package regs

import (
	"errors"
	"fmt"
	"io"

	"github.com/c35s/fpgalink/region"
)

// Index is a register index.
type Index uint16

// Count is the number of registers in the window.
const Count = 512

// CtlBase is the first reserved index. Indices below it belong to the application.
const CtlBase Index = Count - 8

// Reserved registers, ascending from CtlBase.
const (
	F2CBase   = CtlBase + iota // bus address of the F2C buffer, in 8-byte words
	F2CRdPtr                   // host's F2C read index
	C2FBase                    // bus address of the C2F buffer, in 8-byte words
	C2FWrPtr                   // host's C2F write index
	DMAEnable                  // DMA mode, see DMADisabled etc.
	MtrBase                    // bus address of the metrics page, in 8-byte words
)

// DMAEnable values.
const (
	DMADisabled = 0
	DMAReset    = 1
	DMAEnabled  = 2
)

// Size is the minimum length of a register region.
const Size = Count * 8

// File is a register window over a mapped register region.
type File struct {
	r *region.Region
}

var ErrRegion = errors.New("regs: unusable register region")

// New returns a register file backed by r.
func New(r *region.Region) (*File, error) {
	if r.Prot() != region.ReadWrite {
		return nil, fmt.Errorf("%w: region is %v", ErrRegion, r.Prot())
	}

	if r.Len() < Size {
		return nil, fmt.Errorf("%w: %d bytes < %d", ErrRegion, r.Len(), Size)
	}

	return &File{r: r}, nil
}

// Offset returns the byte offset of register i.
func Offset(i Index) int {
	return (2*int(i) + 1) * 4
}

// Read loads register i. Every call is one bus transaction.
func (f *File) Read(i Index) uint32 {
	mustExist(i)
	return f.r.Load32(Offset(i))
}

// Write stores v to register i. Every call is one bus transaction, and writing some
// registers changes the device's mode.
func (f *File) Write(i Index, v uint32) {
	mustExist(i)
	f.r.Store32(Offset(i), v)
}

// Dump writes every non-zero register to w, one per line.
func (f *File) Dump(w io.Writer) error {
	for i := Index(0); i < Count; i++ {
		if v := f.Read(i); v != 0 {
			if _, err := fmt.Fprintf(w, "%-10v %#08x\n", i, v); err != nil {
				return err
			}
		}
	}

	return nil
}

// IsReserved reports whether i is reserved for queue control.
func (i Index) IsReserved() bool {
	return i >= CtlBase
}

func (i Index) String() string {
	switch i {
	case F2CBase:
		return "F2CBase"

	case F2CRdPtr:
		return "F2CRdPtr"

	case C2FBase:
		return "C2FBase"

	case C2FWrPtr:
		return "C2FWrPtr"

	case DMAEnable:
		return "DMAEnable"

	case MtrBase:
		return "MtrBase"

	default:
		return fmt.Sprintf("r%d", uint16(i))
	}
}

func mustExist(i Index) {
	if i >= Count {
		panic(fmt.Sprintf("regs: index %d out of range", i))
	}
}
