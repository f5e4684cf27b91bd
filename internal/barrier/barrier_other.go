//go:build !amd64 && !arm64

package barrier

import "sync/atomic"

var fence atomic.Uint32

// Store orders every earlier store before any later store.
func Store() { fence.Add(1) }

// Full orders every earlier load and store before any later load or store.
func Full() { fence.Add(1) }
