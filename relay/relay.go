// Package relay streams received chunks to a peer over vsock or TCP.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"

	"github.com/mdlayher/vsock"
)

var ErrTarget = errors.New("relay: bad target")

// Target is a parsed peer address.
type Target struct {
	// Scheme is "vsock" or "tcp".
	Scheme string

	// CID and Port address a vsock peer.
	CID  uint32
	Port uint32

	// Addr is a TCP peer's host:port.
	Addr string
}

var cidNames = map[string]uint32{
	"hypervisor": vsock.Hypervisor,
	"local":      vsock.Local,
	"host":       vsock.Host,
}

// ParseTarget parses "vsock://CID:PORT" or "tcp://HOST:PORT". The CID may be a number
// or one of "hypervisor", "local", or "host".
func ParseTarget(s string) (Target, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrTarget, err)
	}

	if u.Path != "" || u.RawQuery != "" || u.User != nil {
		return Target{}, fmt.Errorf("%w: %q has more than a host and port", ErrTarget, s)
	}

	switch u.Scheme {
	case "tcp":
		if u.Port() == "" {
			return Target{}, fmt.Errorf("%w: %q has no port", ErrTarget, s)
		}

		return Target{Scheme: "tcp", Addr: u.Host}, nil

	case "vsock":
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %q: port: %w", ErrTarget, s, err)
		}

		cid, ok := cidNames[u.Hostname()]
		if !ok {
			n, err := strconv.ParseUint(u.Hostname(), 10, 32)
			if err != nil {
				return Target{}, fmt.Errorf("%w: %q: cid: %w", ErrTarget, s, err)
			}

			cid = uint32(n)
		}

		return Target{Scheme: "vsock", CID: cid, Port: uint32(port)}, nil
	}

	return Target{}, fmt.Errorf("%w: %q: unknown scheme %q", ErrTarget, s, u.Scheme)
}

func (t Target) String() string {
	if t.Scheme == "vsock" {
		return fmt.Sprintf("vsock://%d:%d", t.CID, t.Port)
	}

	return "tcp://" + t.Addr
}

// Dial connects to target.
func Dial(target string) (net.Conn, error) {
	t, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}

	if t.Scheme == "vsock" {
		c, err := vsock.Dial(t.CID, t.Port, nil)
		if err != nil {
			return nil, err
		}

		return c, nil
	}

	return net.Dial("tcp", t.Addr)
}

// Forward writes each batch from batches to w until batches is closed or ctx is
// done. It returns the number of bytes written.
func Forward(ctx context.Context, w io.Writer, batches <-chan []byte) (int64, error) {
	var n int64

	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()

		case b, ok := <-batches:
			if !ok {
				return n, nil
			}

			nw, err := w.Write(b)
			n += int64(nw)

			if err != nil {
				return n, err
			}
		}
	}
}
