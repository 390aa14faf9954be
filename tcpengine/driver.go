// Package tcpengine implements the TCP Engine Driver: it owns the
// Virtual Device and the engine Stack, runs the packet and socket
// sub-tasks, manufactures Connection Handles for newly accepted flows,
// and bridges each flow's engine socket to a connctrl.ConnectionControl
// via a single-goroutine poll loop.
package tcpengine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/tsandall/netstack-adapter/conn"
	"github.com/tsandall/netstack-adapter/connctrl"
	"github.com/tsandall/netstack-adapter/demux"
	"github.com/tsandall/netstack-adapter/device"
	"github.com/tsandall/netstack-adapter/engine"
	"github.com/tsandall/netstack-adapter/listener"
	"github.com/tsandall/netstack-adapter/types/logger"
)

// pollFloor is the default sleep the socket task uses when the engine
// offers no delay hint of its own.
const pollFloor = 5 * time.Millisecond

// scratchSize bounds a single Recv/Send drain call; draining loops
// bounded only by ring-buffer space still need *some* per-call chunk
// size.
const scratchSize = 32 * 1024

// Config bundles the Engine Driver's tunables, including the
// configurable keep-alive interval and idle timeout.
type Config struct {
	SendBufferSize int
	RecvBufferSize int
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	AcceptBacklog  int
}

// DefaultConfig returns the driver's default tunables.
func DefaultConfig() Config {
	return Config{
		SendBufferSize: connctrl.DefaultSendBufferSize,
		RecvBufferSize: connctrl.DefaultRecvBufferSize,
		KeepAlive:      28 * time.Second,
		IdleTimeout:    7200 * time.Second,
		AcceptBacklog:  64,
	}
}

type trackedSocket struct {
	id           uint64
	sock         engine.Socket
	ctrl         *connctrl.ConnectionControl
	remove       bool
	lastActivity time.Time
}

// Driver is the TCP Engine Driver.
type Driver struct {
	dev    *device.Endpoint
	eng    engine.Stack
	queues *demux.Queues
	ln     *listener.Listener
	cfg    Config
	logf   logger.Logf

	notifyCh chan struct{}

	sockets    map[uint64]*trackedSocket
	nextHandle uint64
	scratch    []byte
}

// New constructs a Driver. dev and eng must already be wired together
// (dev is eng's NIC); queues.TCP feeds this driver's packet task; ln
// receives one Accepted per manufactured flow.
func New(dev *device.Endpoint, eng engine.Stack, queues *demux.Queues, ln *listener.Listener, cfg Config, logf logger.Logf) *Driver {
	if logf == nil {
		logf = logger.Discard
	}
	return &Driver{
		dev:      dev,
		eng:      eng,
		queues:   queues,
		ln:       ln,
		cfg:      cfg,
		logf:     logger.WithPrefix(logf, "tcpengine: "),
		notifyCh: make(chan struct{}, 1),
		sockets:  make(map[uint64]*trackedSocket),
		scratch:  make([]byte, scratchSize),
	}
}

// Notify implements conn.notifier: it pokes the socket task's poll
// loop without blocking and without sharing the driver's internal
// state.
func (d *Driver) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Run drives the packet task and the socket task until ctx is
// canceled, then tears both down and closes the listener. The two
// tasks are grouped with errgroup so an early return from either side
// cancels the other via the shared context.
func (d *Driver) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.packetTask(gctx)
		return nil
	})
	g.Go(func() error {
		d.socketTask(gctx)
		return nil
	})

	err := g.Wait()
	d.ln.Close()
	if closeErr := d.eng.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// packetTask drains the shared TCP/ICMP queue and injects each frame
// into the engine. SYN detection and socket manufacture are gVisor's
// tcp.Forwarder's job (engine/gvisor.go), invoked synchronously while
// the stack processes an injected frame.
func (d *Driver) packetTask(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-d.queues.TCP:
			if !ok {
				return
			}
			proto := header.IPv4ProtocolNumber
			if item.View.V6 {
				proto = header.IPv6ProtocolNumber
			}
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(append([]byte(nil), item.Raw...)),
			})
			d.dev.InjectInbound(proto, pkt)
			pkt.DecRef()
		}
	}
}

// socketTask drains newly manufactured sockets, then drives every
// tracked socket's ring-buffer bridging, then sleeps until notified or
// the poll floor elapses.
func (d *Driver) socketTask(ctx context.Context) {
	accept := d.eng.Accept()
	for {
		d.drainAccepted(ctx, accept)
		d.pollSockets()
		d.reapClosed()

		if ctx.Err() != nil {
			return
		}
		if d.dev.IngressPending() {
			continue
		}

		timer := time.NewTimer(pollFloor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.notifyCh:
			timer.Stop()
		case <-timer.C:
		case a, ok := <-accept:
			timer.Stop()
			if ok {
				d.manufacture(ctx, a)
			}
		}
	}
}

func (d *Driver) drainAccepted(ctx context.Context, accept <-chan engine.Accepted) {
	for {
		select {
		case a, ok := <-accept:
			if !ok {
				return
			}
			d.manufacture(ctx, a)
		default:
			return
		}
	}
}

// manufacture builds a ConnectionControl for a newly accepted flow,
// publishes a Connection Handle to the listener, and starts tracking
// the engine socket.
func (d *Driver) manufacture(ctx context.Context, a engine.Accepted) {
	a.Socket.SetKeepAlive(d.cfg.KeepAlive > 0, d.cfg.KeepAlive)
	a.Socket.SetIdleTimeout(d.cfg.IdleTimeout)

	flow := connctrl.FlowKey{Local: a.Socket.LocalAddr(), Remote: a.Socket.RemoteAddr()}
	ctrl := connctrl.New(flow, d.cfg.SendBufferSize, d.cfg.RecvBufferSize)

	d.nextHandle++
	id := d.nextHandle
	d.sockets[id] = &trackedSocket{id: id, sock: a.Socket, ctrl: ctrl, lastActivity: time.Now()}

	h := conn.New(ctrl, d)
	acc := listener.Accepted{Handle: h, Local: flow.Local, Remote: flow.Remote}

	// A canceled ctx here means the driver itself is shutting down, not
	// that the listener is gone.
	if err := listener.Publish(ctx, d.ln, acc); err != nil {
		d.logf("listener publish abandoned during shutdown: %v", err)
	}
}

// pollSockets drives recv/send progress for every tracked socket.
func (d *Driver) pollSockets() {
	for _, ts := range d.sockets {
		if ts.sock.State() == engine.StateClosed {
			ts.ctrl.AdvanceSendState(connctrl.Closed)
			ts.ctrl.AdvanceRecvState(connctrl.Closed)
			ts.remove = true
			continue
		}

		if ts.lastActivity.IsZero() {
			ts.lastActivity = time.Now()
		}
		if idle := ts.sock.IdleTimeout(); idle > 0 && time.Since(ts.lastActivity) > idle {
			d.logf("aborting idle connection after %s", idle)
			ts.sock.Abort()
			ts.ctrl.AdvanceSendState(connctrl.Closed)
			ts.ctrl.AdvanceRecvState(connctrl.Closed)
			ts.remove = true
			continue
		}

		sendState, recvState := ts.ctrl.States()

		if sendState == connctrl.Close {
			ts.sock.Close()
			ts.ctrl.AdvanceSendState(connctrl.Closing)
		}

		d.drainRecv(ts)
		d.detectPeerEOF(ts)
		d.drainSend(ts)
	}
}

func (d *Driver) drainRecv(ts *trackedSocket) {
	for ts.sock.CanRecv() && ts.ctrl.RecvFree() > 0 {
		chunk := d.scratch
		if free := ts.ctrl.RecvFree(); free < len(chunk) {
			chunk = chunk[:free]
		}
		n, err := ts.sock.Recv(chunk)
		if err != nil {
			ts.sock.Abort()
			ts.ctrl.AdvanceRecvState(connctrl.Closed)
			return
		}
		if n == 0 {
			return
		}
		ts.lastActivity = time.Now()
		ts.ctrl.FillRecv(chunk[:n])
	}
}

func (d *Driver) detectPeerEOF(ts *trackedSocket) {
	_, recvState := ts.ctrl.States()
	if recvState != connctrl.Normal {
		return
	}
	if !ts.sock.MayRecv() && !ts.sock.State().StillReceiving() {
		ts.ctrl.AdvanceRecvState(connctrl.Closed)
	}
}

func (d *Driver) drainSend(ts *trackedSocket) {
	for ts.sock.CanSend() && !ts.ctrl.SendEmpty() {
		n := ts.ctrl.PeekSend(d.scratch)
		if n == 0 {
			return
		}
		sent, err := ts.sock.Send(d.scratch[:n])
		if err != nil {
			ts.sock.Abort()
			ts.ctrl.AdvanceSendState(connctrl.Closed)
			return
		}
		if sent == 0 {
			return
		}
		ts.lastActivity = time.Now()
		ts.ctrl.DiscardSend(sent)
	}
}

// reapClosed removes tracked sockets that this tick's pollSockets
// scheduled for removal. Socket table entries are freed once the engine
// reaches Closed; the paired Connection Handle simply keeps its
// ConnectionControl alive via Go's GC until application code drops its
// last reference.
func (d *Driver) reapClosed() {
	for id, ts := range d.sockets {
		if ts.remove {
			delete(d.sockets, id)
		}
	}
}
