// Package engine defines the narrow boundary between the TCP Engine
// Driver (tcpengine) and the embedded TCP/IP engine. Only
// engine/gvisor.go depends on gvisor.dev/gvisor directly; everything
// else in this module talks to these interfaces, which keeps the
// ring-buffer/waker/state-machine logic in tcpengine testable against
// a fake Socket.
package engine

import (
	"errors"
	"time"

	"inet.af/netaddr"
)

// ErrWouldBlock names the would-block condition of Recv/Send. The
// gVisor-backed Socket does not return it: a Recv or Send that would
// block reports (0, nil), which the driver treats as no progress.
var ErrWouldBlock = errors.New("engine: operation would block")

// TCPState mirrors the subset of RFC 9293 states the Engine Driver's
// peer-FIN detection needs to distinguish.
type TCPState int

const (
	StateUnknown TCPState = iota
	StateListen
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
)

// StillReceiving reports the states not yet peer-FIN'd: Listen,
// SynReceived, Established, FinWait1, FinWait2.
func (s TCPState) StillReceiving() bool {
	switch s {
	case StateListen, StateSynRecv, StateEstablished, StateFinWait1, StateFinWait2:
		return true
	default:
		return false
	}
}

// Socket is one TCP flow's engine-side handle: send/recv readiness,
// half-close, and abort.
type Socket interface {
	LocalAddr() netaddr.IPPort
	RemoteAddr() netaddr.IPPort

	CanRecv() bool
	// Recv copies up to len(buf) bytes of already-received data into
	// buf without blocking. It returns (0, nil) if nothing is
	// available; callers should consult CanRecv first.
	Recv(buf []byte) (int, error)

	CanSend() bool
	// Send enqueues up to len(buf) bytes for transmission without
	// blocking, returning the count accepted.
	Send(buf []byte) (int, error)

	// MayRecv reports whether the engine still expects to deliver
	// more received bytes (false once the peer's FIN has been
	// processed and all prior bytes drained).
	MayRecv() bool

	State() TCPState

	// Abort tears the connection down immediately (RST), used when
	// the driver observes an unrecoverable engine error.
	Abort()

	// Close requests a graceful half-close of the write direction.
	Close()

	SetKeepAlive(enabled bool, interval time.Duration)
	SetIdleTimeout(d time.Duration)
	// IdleTimeout returns the duration last configured via
	// SetIdleTimeout, or zero if none was set. The driver polls this to
	// decide when to abort a connection that has gone quiet; a zero
	// value disables idle enforcement for this socket.
	IdleTimeout() time.Duration
}

// Accepted is delivered once per newly manufactured TCP flow.
type Accepted struct {
	Socket Socket
}

// Config bundles the per-flow defaults the engine applies to every
// socket it manufactures: send/recv buffer sizes, keep-alive interval,
// and idle timeout.
type Config struct {
	SendBufferSize int
	RecvBufferSize int
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	AcceptBacklog  int
}

// Stack is the slice of engine functionality the TCP Engine Driver
// depends on: a source of newly accepted flows, and teardown.
type Stack interface {
	// Accept yields one Accepted per manufactured TCP flow. Close does
	// not close the returned channel; it simply stops receiving flows.
	Accept() <-chan Accepted
	Close() error
}
