//go:build amd64 || arm64

package barrier

// Store orders every earlier store before any later store. On amd64 it also drains
// the write-combining buffers, so chunk bytes reach the device before the pointer
// that publishes them.
func Store()

// Full orders every earlier load and store before any later load or store.
func Full()
