// Package connctrl implements ConnectionControl: the
// independently-lockable per-flow record shared between the TCP
// Engine Driver and a Connection Handle, bridging the engine's
// single-goroutine poll loop to arbitrary reader/writer goroutines via
// bounded ring buffers and single-slot wakers.
package connctrl

import (
	"sync"

	"inet.af/netaddr"

	"github.com/tsandall/netstack-adapter/ringbuffer"
)

// DefaultSendBufferSize and DefaultRecvBufferSize are the default
// per-connection buffer sizes: 20 * 16383 bytes.
const (
	DefaultSendBufferSize = 20 * 16383
	DefaultRecvBufferSize = 20 * 16383
)

// HalfState is one half (send or recv) of a ConnectionControl's state
// machine.
type HalfState int

const (
	Normal HalfState = iota
	Close            // handle requested close; driver hasn't observed it yet
	Closing          // driver observed Close and told the engine; draining
	Closed           // terminal
)

func (s HalfState) String() string {
	switch s {
	case Normal:
		return "Normal"
	case Close:
		return "Close"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "invalid"
	}
}

// FlowKey identifies a TCP flow by its local and remote endpoints.
type FlowKey struct {
	Local  netaddr.IPPort
	Remote netaddr.IPPort
}

// ConnectionControl is shared between exactly two parties (the Engine
// Driver and one Connection Handle) via Go's garbage collector rather
// than explicit reference counting; its lifetime is simply however
// long either side still holds a pointer to it.
type ConnectionControl struct {
	Flow FlowKey

	mu   sync.Mutex
	send *ringbuffer.Ring
	recv *ringbuffer.Ring

	sendState HalfState
	recvState HalfState

	sendWaker chan struct{}
	recvWaker chan struct{}
}

// New allocates a ConnectionControl with ring buffers of the given
// capacity for flow.
func New(flow FlowKey, sendCap, recvCap int) *ConnectionControl {
	return &ConnectionControl{
		Flow: flow,
		send: ringbuffer.New(sendCap),
		recv: ringbuffer.New(recvCap),
	}
}

// --- accessors used by the Connection Handle (conn package) ---

// ReadRecv dequeues up to len(p) bytes from the recv buffer. It
// reports the number of bytes moved and the recv half's current
// state, so the caller can decide whether to return EOF or suspend.
func (c *ConnectionControl) ReadRecv(p []byte) (n int, state HalfState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = c.recv.Read(p)
	return n, c.recvState
}

// WriteSend enqueues as much of p as fits into the send buffer. It
// reports the number of bytes accepted and the send half's current
// state (BrokenPipe territory if not Normal).
func (c *ConnectionControl) WriteSend(p []byte) (n int, state HalfState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendState != Normal {
		return 0, c.sendState
	}
	n = c.send.Write(p)
	return n, c.sendState
}

// SendFull reports whether the send buffer currently has no free space.
func (c *ConnectionControl) SendFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send.Full()
}

// RecvEmpty reports whether the recv buffer currently holds no bytes.
func (c *ConnectionControl) RecvEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv.Empty()
}

// States returns both half-states under a single lock acquisition.
func (c *ConnectionControl) States() (send, recv HalfState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendState, c.recvState
}

// RequestSendClose transitions the send half Normal -> Close, the
// only transition a Connection Handle is allowed to make on that half.
// It is a no-op if already past Normal. Returns the resulting state.
func (c *ConnectionControl) RequestSendClose() HalfState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendState == Normal {
		c.sendState = Close
	}
	return c.sendState
}

// RequestRecvClose transitions the recv half Normal -> Close, used by
// Handle.Close on a Connection Handle.
func (c *ConnectionControl) RequestRecvClose() HalfState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvState == Normal {
		c.recvState = Close
	}
	return c.recvState
}

// WaitRecv installs a fresh waker for the reader and returns a channel
// that closes when the driver makes progress. Per the waker
// replacement rule, any previously stored reader waker is woken first
// so it can re-poll rather than being silently dropped.
func (c *ConnectionControl) WaitRecv() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.recvWaker; old != nil {
		close(old)
	}
	ch := make(chan struct{})
	c.recvWaker = ch
	return ch
}

// WaitSend is WaitRecv's write-side counterpart.
func (c *ConnectionControl) WaitSend() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.sendWaker; old != nil {
		close(old)
	}
	ch := make(chan struct{})
	c.sendWaker = ch
	return ch
}

// --- mutations the Engine Driver alone performs ---

// FillRecv enqueues as much of p as fits into the recv buffer and
// returns the count accepted, waking a suspended reader if any bytes
// were added. The driver uses it to push engine-received bytes in.
func (c *ConnectionControl) FillRecv(p []byte) (n int) {
	c.mu.Lock()
	n = c.recv.Write(p)
	woke := n > 0
	var waker chan struct{}
	if woke {
		waker = c.recvWaker
		c.recvWaker = nil
	}
	c.mu.Unlock()
	if waker != nil {
		close(waker)
	}
	return n
}

// RecvFree reports the free space in the recv buffer, used by the
// driver to size its next engine Recv call.
func (c *ConnectionControl) RecvFree() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv.Free()
}

// PeekSend exposes up to len(p) unread send-buffer bytes without
// consuming them, for the driver to hand to the engine.
func (c *ConnectionControl) PeekSend(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send.Peek(p)
}

// DiscardSend consumes n bytes the driver just handed to the engine
// successfully, waking a suspended writer if the buffer had been full.
func (c *ConnectionControl) DiscardSend(n int) {
	c.mu.Lock()
	wasFull := c.send.Full()
	c.send.Discard(n)
	var waker chan struct{}
	if wasFull && n > 0 {
		waker = c.sendWaker
		c.sendWaker = nil
	}
	c.mu.Unlock()
	if waker != nil {
		close(waker)
	}
}

// SendEmpty reports whether the send buffer holds nothing left to
// transmit (used by the driver's send drain loop to know when to stop).
func (c *ConnectionControl) SendEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send.Empty()
}

// AdvanceSendState lets the driver move the send half forward
// (Close -> Closing -> Closed) or force it to Closed on engine error.
// It wakes a suspended writer when the send half reaches Closed.
func (c *ConnectionControl) AdvanceSendState(to HalfState) {
	c.mu.Lock()
	c.sendState = to
	var waker chan struct{}
	if to == Closed {
		waker = c.sendWaker
		c.sendWaker = nil
	}
	c.mu.Unlock()
	if waker != nil {
		close(waker)
	}
}

// AdvanceRecvState is AdvanceSendState's recv-half counterpart.
func (c *ConnectionControl) AdvanceRecvState(to HalfState) {
	c.mu.Lock()
	c.recvState = to
	var waker chan struct{}
	if to == Closed {
		waker = c.recvWaker
		c.recvWaker = nil
	}
	c.mu.Unlock()
	if waker != nil {
		close(waker)
	}
}

// WakeBoth wakes any suspended reader and writer unconditionally, used
// when the driver observes the engine socket reached Closed.
func (c *ConnectionControl) WakeBoth() {
	c.mu.Lock()
	rw, sw := c.recvWaker, c.sendWaker
	c.recvWaker, c.sendWaker = nil, nil
	c.mu.Unlock()
	if rw != nil {
		close(rw)
	}
	if sw != nil {
		close(sw)
	}
}
