// Package ring implements the two halves of a single-producer/single-consumer ring of
// fixed-size chunks shared with a device. Each side owns one index and observes the
// other's: the host publishes its index with a register write, and the device
// publishes its index by DMA. Neither side ever writes the other's index.
//
// A ring of n chunks holds at most n-1 of them in flight. The remaining slot keeps a
// full ring distinguishable from an empty one, since both sides compare only two
// indices that wrap at n.
package ring

import (
	"errors"
	"fmt"

	"github.com/c35s/fpgalink/internal/barrier"
)

// Config connects a ring half to its peer.
type Config struct {

	// Remote loads the peer's most recently published index. It's called on every
	// poll, so it must be cheap; it should read device-written memory rather than a
	// register.
	Remote func() uint32

	// Publish hands the local index to the peer.
	Publish func(uint32)

	// Waiter paces polling while the ring is full (for a sender) or empty (for a
	// receiver). The default is Spin.
	Waiter Waiter
}

// ErrUnmatchedCommit is the panic value of a Commit that doesn't follow a Prepare or
// Recv.
var ErrUnmatchedCommit = errors.New("ring: commit without a matching prepare or recv")

type half[T any] struct {
	slots   []T
	mask    uint32
	idx     uint32
	pending bool
	remote  func() uint32
	publish func(uint32)
	waiter  Waiter
}

func newHalf[T any](slots []T, cfg Config) half[T] {
	n := len(slots)
	if n < 2 || n&(n-1) != 0 || uint64(n) > 1<<31 {
		panic(fmt.Sprintf("ring: %d slots isn't a power of two >= 2", n))
	}

	if cfg.Remote == nil || cfg.Publish == nil {
		panic("ring: config needs Remote and Publish")
	}

	if cfg.Waiter == nil {
		cfg.Waiter = Spin{}
	}

	return half[T]{
		slots:   slots,
		mask:    uint32(n - 1),
		remote:  cfg.Remote,
		publish: cfg.Publish,
		waiter:  cfg.Waiter,
	}
}

func (h *half[T]) peer() uint32 {
	return h.remote() & h.mask
}

func (h *half[T]) advance() {
	if !h.pending {
		panic(ErrUnmatchedCommit)
	}

	h.pending = false
	h.idx = (h.idx + 1) & h.mask
	h.publish(h.idx)
}

// Index returns the local index.
func (h *half[T]) Index() uint32 {
	return h.idx
}

// Remote returns the peer's index as last published.
func (h *half[T]) Remote() uint32 {
	return h.peer()
}

// Cap returns the number of chunks the ring can hold in flight.
func (h *half[T]) Cap() int {
	return int(h.mask)
}

// Reset forgets the local index and any outstanding chunk without publishing
// anything. It's meant to follow a device reset, which zeroes the published indices.
func (h *half[T]) Reset() {
	h.idx = 0
	h.pending = false
}

// Sender is the producing half of a ring.
type Sender[T any] struct {
	half[T]
}

// NewSender returns a sender over slots, whose length must be a power of two.
func NewSender[T any](slots []T, cfg Config) *Sender[T] {
	return &Sender[T]{newHalf(slots, cfg)}
}

// Prepare returns the next free chunk, waiting while the ring is full. The device
// reads nothing from the chunk until Commit. Calling Prepare again before Commit
// returns the same chunk.
func (s *Sender[T]) Prepare() *T {
	next := (s.idx + 1) & s.mask
	for n := 0; next == s.peer(); n++ {
		s.waiter.Await(n)
	}

	s.pending = true
	return &s.slots[s.idx]
}

// TryPrepare is like Prepare, but returns false instead of waiting if the ring is
// full.
func (s *Sender[T]) TryPrepare() (*T, bool) {
	if (s.idx+1)&s.mask == s.peer() {
		return nil, false
	}

	s.pending = true
	return &s.slots[s.idx], true
}

// Commit hands the prepared chunk to the peer. Every store to the chunk is ordered
// before the index is published. Commit panics with ErrUnmatchedCommit if no chunk
// is prepared.
func (s *Sender[T]) Commit() {
	barrier.Store()
	s.advance()
}

// Drain waits until the peer has consumed every committed chunk.
func (s *Sender[T]) Drain() {
	for n := 0; s.peer() != s.idx; n++ {
		s.waiter.Await(n)
	}
}

// Len returns the number of committed chunks the peer hasn't consumed yet.
func (s *Sender[T]) Len() int {
	return int((s.idx - s.peer()) & s.mask)
}

// Receiver is the consuming half of a ring.
type Receiver[T any] struct {
	half[T]
}

// NewReceiver returns a receiver over slots, whose length must be a power of two.
func NewReceiver[T any](slots []T, cfg Config) *Receiver[T] {
	return &Receiver[T]{newHalf(slots, cfg)}
}

// Recv returns the next chunk, waiting while the ring is empty. The chunk stays valid
// until Commit, which must be called exactly once before the next Recv. Calling Recv
// again before Commit returns the same chunk.
func (r *Receiver[T]) Recv() *T {
	for n := 0; r.idx == r.peer(); n++ {
		r.waiter.Await(n)
	}

	r.pending = true
	return &r.slots[r.idx]
}

// TryRecv is like Recv, but returns false instead of waiting if the ring is empty.
func (r *Receiver[T]) TryRecv() (*T, bool) {
	if r.idx == r.peer() {
		return nil, false
	}

	r.pending = true
	return &r.slots[r.idx], true
}

// Commit returns the received chunk to the peer. Every load from the chunk completes
// before the index is published. Commit panics with ErrUnmatchedCommit, leaving the
// index unchanged, if no chunk was received since the last Commit.
func (r *Receiver[T]) Commit() {
	barrier.Full()
	r.advance()
}

// Len returns the number of chunks the peer has published that haven't been
// committed yet.
func (r *Receiver[T]) Len() int {
	return int((r.peer() - r.idx) & r.mask)
}
