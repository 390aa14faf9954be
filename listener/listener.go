// Package listener implements a lazy sequence of accepted TCP
// connections, delivered with their endpoints.
package listener

import (
	"context"

	"inet.af/netaddr"

	"github.com/tsandall/netstack-adapter/conn"
)

// Accepted is one newly accepted connection, delivered with its
// endpoints so callers don't need a round-trip to LocalAddr/RemoteAddr.
type Accepted struct {
	Handle *conn.Handle
	Local  netaddr.IPPort
	Remote netaddr.IPPort
}

// Listener is never failed: parse-level errors are absorbed well
// before a connection reaches it.
type Listener struct {
	ch chan Accepted
}

// New creates a Listener with the given accept backlog.
func New(backlog int) *Listener {
	return &Listener{ch: make(chan Accepted, backlog)}
}

// publish is called by the TCP Engine Driver's socket task for every
// newly manufactured flow. It blocks if the listener's backlog is
// full: backpressure the socket task rather than drop SYNs or treat a
// full channel as fatal.
func (l *Listener) publish(ctx context.Context, a Accepted) error {
	select {
	case l.ch <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish exposes publish to the tcpengine package without making it
// part of the public API surface application code sees.
func Publish(ctx context.Context, l *Listener, a Accepted) error {
	return l.publish(ctx, a)
}

// Accept blocks until a new connection is available or ctx is
// canceled. It returns (Accepted{}, false) once the driver has shut
// the listener down and drained its backlog.
func (l *Listener) Accept(ctx context.Context) (Accepted, bool) {
	select {
	case a, ok := <-l.ch:
		return a, ok
	case <-ctx.Done():
		return Accepted{}, false
	}
}

// Close terminates the lazy sequence; subsequent Accept calls observe
// ok=false once the backlog drains. Called by the Engine Driver when
// it terminates.
func (l *Listener) Close() {
	close(l.ch)
}
