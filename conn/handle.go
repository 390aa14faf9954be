// Package conn implements the Connection Handle: the per-flow
// byte-stream object application code reads and writes, backed by a
// connctrl.ConnectionControl shared with the TCP Engine Driver.
package conn

import (
	"context"
	"errors"

	"inet.af/netaddr"

	"github.com/tsandall/netstack-adapter/connctrl"
)

// ErrBrokenPipe is returned by Write once the send half is no longer
// Normal.
var ErrBrokenPipe = errors.New("conn: broken pipe")

// notifier lets a Handle poke the Engine Driver's poll loop without
// sharing its internal queues.
type notifier interface {
	Notify()
}

// Handle is an accepted TCP connection.
type Handle struct {
	ctrl     *connctrl.ConnectionControl
	notifier notifier
}

// New wraps ctrl as a Connection Handle that notifies n on every
// state-changing operation.
func New(ctrl *connctrl.ConnectionControl, n notifier) *Handle {
	return &Handle{ctrl: ctrl, notifier: n}
}

// LocalAddr returns the flow's local endpoint.
func (h *Handle) LocalAddr() netaddr.IPPort { return h.ctrl.Flow.Local }

// RemoteAddr returns the flow's remote endpoint.
func (h *Handle) RemoteAddr() netaddr.IPPort { return h.ctrl.Flow.Remote }

// Read dequeues available data, returns EOF if the recv half is
// Closed and empty, or suspends until one becomes true. A zero-length
// p returns (0, nil) immediately, matching io.Reader convention,
// instead of being mistaken for "nothing available yet".
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, state := h.ctrl.ReadRecv(p)
		if n > 0 {
			h.notifier.Notify()
			return n, nil
		}
		if state == connctrl.Closed {
			return 0, nil // EOF
		}
		wake := h.ctrl.WaitRecv()
		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write fails with ErrBrokenPipe if the send half isn't Normal,
// enqueues what fits and notifies the driver, or suspends if the
// buffer is full. A zero-length p returns (0, nil) immediately (after
// the broken-pipe check), matching io.Writer convention: ring buffer
// writes of length zero always report n == 0 regardless of whether
// the buffer is actually full, so that case can't be used to infer
// fullness.
func (h *Handle) Write(ctx context.Context, p []byte) (int, error) {
	for {
		n, state := h.ctrl.WriteSend(p)
		if state != connctrl.Normal {
			return 0, ErrBrokenPipe
		}
		if n > 0 {
			h.notifier.Notify()
			return n, nil
		}
		if len(p) == 0 {
			return 0, nil
		}
		// n == 0 with Normal state and non-empty p means the buffer was full.
		wake := h.ctrl.WaitSend()
		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Flush is a no-op: every enqueued byte is already visible to the
// driver's next poll tick, which Write triggers via Notify.
func (h *Handle) Flush() error { return nil }

// Shutdown half-closes the write direction and blocks until the
// engine has finished closing it (send_state reaches Closed).
func (h *Handle) Shutdown(ctx context.Context) error {
	for {
		state := h.ctrl.RequestSendClose()
		if state == connctrl.Closed {
			return nil
		}
		wake := h.ctrl.WaitSend()
		h.notifier.Notify()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		state, _ = h.ctrl.States()
		if state == connctrl.Closed {
			return nil
		}
	}
}

// Close drops both halves: Normal -> Close on each, then notifies the
// driver.
func (h *Handle) Close() error {
	h.ctrl.RequestSendClose()
	h.ctrl.RequestRecvClose()
	h.notifier.Notify()
	return nil
}
