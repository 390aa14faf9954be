// Package netstack implements the Stack Facade: the assembled ingress
// sink / egress stream application code drives from the device side,
// wiring together the Virtual Device, Demultiplexer, TCP Engine
// Driver, Listener, and UDP collaborator built by Builder.
package netstack

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsandall/netstack-adapter/demux"
	"github.com/tsandall/netstack-adapter/device"
	"github.com/tsandall/netstack-adapter/engine"
	"github.com/tsandall/netstack-adapter/ipframe"
	"github.com/tsandall/netstack-adapter/listener"
	"github.com/tsandall/netstack-adapter/tcpengine"
	"github.com/tsandall/netstack-adapter/types/logger"
	"github.com/tsandall/netstack-adapter/udpendpoint"
)

// Stack is the built adapter. Runner, Listener, and Udp are nil when
// the corresponding protocol was not enabled at Build time.
type Stack struct {
	dev    *device.Endpoint
	demux  *demux.Demultiplexer
	queues *demux.Queues

	eng      engine.Stack // nil if TCP disabled
	Runner   *tcpengine.Driver
	Listener *listener.Listener
	Udp      *udpendpoint.Endpoint

	logf logger.Logf
}

// ErrInvalidInput is returned by SendFrame when f fails to parse as an
// IP header. Frames rejected by the filter or an unenabled protocol
// are dropped silently instead; only a genuinely malformed header is
// reported back to the caller.
var ErrInvalidInput = errors.New("netstack: malformed IP header")

// SendFrame is the ingress sink: classify and route f onto the
// appropriate protocol queue. It blocks until the queue has room or
// ctx is canceled — a producer that outruns its queue is held here
// rather than given somewhere else to stash a second frame.
func (s *Stack) SendFrame(ctx context.Context, f ipframe.Frame) error {
	dest, item := s.demux.Classify(f)
	switch dest {
	case demux.DestInvalid:
		return ErrInvalidInput
	case demux.DestDrop:
		return nil
	case demux.DestTCP:
		if s.queues.TCP == nil {
			return nil
		}
		select {
		case s.queues.TCP <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case demux.DestUDP:
		if s.queues.UDP == nil {
			return nil
		}
		select {
		case s.queues.UDP <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("netstack: unknown classification %v", dest)
	}
}

// ReadEgress returns the next outbound IP frame, blocking until one is
// available or ctx is canceled. This is the egress stream the device
// side drains to learn what to write to the TUN.
func (s *Stack) ReadEgress(ctx context.Context) (ipframe.Frame, error) {
	pkt := s.dev.ReadContext(ctx)
	if pkt == nil {
		return nil, ctx.Err()
	}
	defer pkt.DecRef()
	buf := pkt.ToBuffer()
	return ipframe.Frame(buf.Flatten()), nil
}

// Close tears the Virtual Device down; Runner.Run (if any) should be
// canceled by the caller via its own context first.
func (s *Stack) Close() {
	s.dev.Close()
}
