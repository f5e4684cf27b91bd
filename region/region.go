//go:build linux

// Package region maps device memory into the process. Every region sits between two
// inaccessible guard pages, so a stray access just past either end faults instead of
// landing in a neighboring mapping, and every access through a Region is bounds- and
// mode-checked before it reaches the memory.
package region

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is an exclusively-owned mapping of device or bus memory.
type Region struct {
	res   []byte // the whole reservation, guard pages included
	mem   []byte // the mapped region, aliasing res
	prot  Prot
	cache Cache
	bus   uint64
}

// Options describes how a region is mapped.
type Options struct {

	// Prot is the region's access mode.
	Prot Prot

	// Cache records the caching policy the mapping's owner applies to the memory.
	// User space can't choose it; it's kept so callers can tell what kind of memory
	// they are writing to.
	Cache Cache

	// BusAddr, if set, reads the 64-bit bus address that the memory's allocator
	// published in the region's first 8 bytes. The region must be readable.
	BusAddr bool
}

// Prot is a region's access mode.
type Prot int

const (
	ReadOnly  = Prot(unix.PROT_READ)
	WriteOnly = Prot(unix.PROT_WRITE)
	ReadWrite = Prot(unix.PROT_READ | unix.PROT_WRITE)
)

// Cache is a caching policy.
type Cache int

const (
	Normal        Cache = iota // ordinary write-back memory
	Uncached                   // every access is a bus transaction
	WriteCombined              // stores may be merged and reordered until a fence
)

// Selector picks one of the device's four mappable regions. The device node maps
// selector s at page offset s.
type Selector int

const (
	Registers Selector = iota // control/status registers
	Metrics                   // queue indices DMA'd by the device
	C2F                       // host-to-device chunk buffer
	F2C                       // device-to-host chunk buffer
)

var (
	ErrLength = errors.New("region: invalid length")
	ErrGuard  = errors.New("region: guard reservation failed")
	ErrMap    = errors.New("region: mmap failed")
)

// PageSize is the granularity of regions and of their guards.
var PageSize = os.Getpagesize()

// Map maps length bytes of fd at off between two guard pages. If fd is negative, the
// region is anonymous shared memory and off is ignored.
func Map(fd int, off int64, length int, opts Options) (*Region, error) {
	if length <= 0 || length%PageSize != 0 {
		return nil, fmt.Errorf("%w: %d isn't a positive multiple of the page size (%d)", ErrLength, length, PageSize)
	}

	if opts.BusAddr && opts.Prot&ReadOnly == 0 {
		return nil, fmt.Errorf("%w: the bus address of a %v region can't be read", ErrMap, opts.Prot)
	}

	res, err := unix.Mmap(-1, 0, length+2*PageSize, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGuard, err)
	}

	flags := unix.MAP_SHARED | unix.MAP_FIXED
	if fd < 0 {
		flags |= unix.MAP_ANONYMOUS
		off = 0
	}

	base := unsafe.Pointer(&res[PageSize])
	if _, err := unix.MmapPtr(fd, off, base, uintptr(length), int(opts.Prot), flags); err != nil {
		unix.Munmap(res)
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	r := &Region{
		res:   res,
		mem:   res[PageSize : PageSize+length : PageSize+length],
		prot:  opts.Prot,
		cache: opts.Cache,
	}

	if opts.BusAddr {
		r.bus = r.Load64(0)
	}

	return r, nil
}

// MapAnon maps length bytes of zeroed anonymous shared memory between two guard pages.
func MapAnon(length int, opts Options) (*Region, error) {
	return Map(-1, 0, length, opts)
}

// Close unmaps the region and its guards. It's safe to call Close more than once.
func (r *Region) Close() error {
	if r.res == nil {
		return nil
	}

	err := unix.Munmap(r.res)
	r.res, r.mem = nil, nil

	return err
}

// Len returns the region's length in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

// Prot returns the region's access mode.
func (r *Region) Prot() Prot {
	return r.prot
}

// Cache returns the region's caching policy.
func (r *Region) Cache() Cache {
	return r.cache
}

// BusAddr returns the bus address published by the region's allocator, or 0 if the
// region was mapped without Options.BusAddr.
func (r *Region) BusAddr() uint64 {
	return r.bus
}

// Load32 atomically loads the 32-bit word at off.
func (r *Region) Load32(off int) uint32 {
	r.mustRead(off)
	return atomic.LoadUint32((*uint32)(r.ptr(off, 4)))
}

// Store32 atomically stores v to the 32-bit word at off.
func (r *Region) Store32(off int, v uint32) {
	r.mustWrite(off)
	atomic.StoreUint32((*uint32)(r.ptr(off, 4)), v)
}

// Load64 atomically loads the 64-bit word at off.
func (r *Region) Load64(off int) uint64 {
	r.mustRead(off)
	return atomic.LoadUint64((*uint64)(r.ptr(off, 8)))
}

// Store64 atomically stores v to the 64-bit word at off.
func (r *Region) Store64(off int, v uint64) {
	r.mustWrite(off)
	atomic.StoreUint64((*uint64)(r.ptr(off, 8)), v)
}

// Pointer returns a pointer to size bytes at off. It panics if the range isn't
// entirely inside the region. The caller is responsible for honoring the region's
// access mode.
func (r *Region) Pointer(off, size int) unsafe.Pointer {
	return r.ptr(off, size)
}

// View returns the size bytes at off as a slice aliasing the region. It panics if
// the range isn't entirely inside the region.
func (r *Region) View(off, size int) []byte {
	if size == 0 {
		return r.mem[off:off:off]
	}

	return r.mem[off : off+size : off+size]
}

func (r *Region) ptr(off, size int) unsafe.Pointer {
	if size <= 0 {
		panic(fmt.Sprintf("region: bad access size %d", size))
	}

	if size&(size-1) == 0 && size <= 8 && off%size != 0 {
		panic(fmt.Sprintf("region: misaligned %d-byte access at %#x", size, off))
	}

	return unsafe.Pointer(&r.mem[off : off+size][0])
}

func (r *Region) mustRead(off int) {
	if r.prot&ReadOnly == 0 {
		panic(fmt.Sprintf("region: load at %#x from a %v region", off, r.prot))
	}
}

func (r *Region) mustWrite(off int) {
	if r.prot&WriteOnly == 0 {
		panic(fmt.Sprintf("region: store at %#x to a %v region", off, r.prot))
	}
}

// Cache returns the caching policy the driver applies to the selected region.
func (s Selector) Cache() Cache {
	switch s {
	case Registers:
		return Uncached

	case C2F:
		return WriteCombined

	default:
		return Normal
	}
}

func (s Selector) String() string {
	switch s {
	case Registers:
		return "registers"

	case Metrics:
		return "metrics"

	case C2F:
		return "c2f"

	case F2C:
		return "f2c"

	default:
		return fmt.Sprintf("Selector(%d)", s)
	}
}

func (p Prot) String() string {
	switch p {
	case ReadOnly:
		return "read-only"

	case WriteOnly:
		return "write-only"

	case ReadWrite:
		return "read-write"

	default:
		return fmt.Sprintf("Prot(%#x)", int(p))
	}
}

func (c Cache) String() string {
	switch c {
	case Normal:
		return "normal"

	case Uncached:
		return "uncached"

	case WriteCombined:
		return "write-combined"

	default:
		return fmt.Sprintf("Cache(%d)", c)
	}
}
