package ring

import (
	"runtime"
	"time"
)

// Waiter paces a polling loop. Await is called with the number of polls that have
// already failed, starting from 0, and returns when the caller should poll again.
type Waiter interface {
	Await(n int)
}

// WaiterFunc adapts a function to the Waiter interface.
type WaiterFunc func(n int)

func (f WaiterFunc) Await(n int) { f(n) }

// Spin polls again immediately.
type Spin struct{}

func (Spin) Await(int) {}

// Yield lets other goroutines run between polls.
type Yield struct{}

func (Yield) Await(int) { runtime.Gosched() }

// Backoff spins for Spins polls, then yields until Yields polls have failed, then
// sleeps with exponentially increasing durations capped at Max.
type Backoff struct {
	Spins  int
	Yields int
	Max    time.Duration
}

// DefaultBackoff suits a device that usually answers within microseconds.
var DefaultBackoff = Backoff{
	Spins:  1000,
	Yields: 10000,
	Max:    time.Millisecond,
}

func (b Backoff) Await(n int) {
	switch {
	case n < b.Spins:
		return

	case n < b.Yields:
		runtime.Gosched()
		return
	}

	shift := n - max(b.Spins, b.Yields)
	if shift > 20 {
		shift = 20
	}

	d := time.Microsecond << shift
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	time.Sleep(d)
}
