// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device implements the Virtual Device: a gvisor
// stack.LinkEndpoint backed by a bounded egress channel of outbound IP
// frames. When the channel is full, writes block until there's space
// rather than dropping a packet — much better to apply back-pressure
// to the TCP stack than to silently lose a produced packet.
package device

import (
	"context"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/tsandall/netstack-adapter/ipframe"
)

// DefaultMTU is the MTU this device advertises to the engine.
const DefaultMTU = 1504

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.GSOEndpoint = (*Endpoint)(nil)

// Endpoint is the Virtual Device. Inbound frames reach it via
// InjectInbound (called by the TCP Engine Driver's packet task);
// outbound frames accumulate in an internal channel drained by the
// Stack Facade's egress stream.
type Endpoint struct {
	mtu uint32

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	egress       chan *stack.PacketBuffer
	closedCh     chan struct{}
	closedOnce   sync.Once
	egressClosed atomic.Bool

	// ingressPending shadows "is there a frame queued for InjectInbound
	// that hasn't been delivered yet" for callers that want to avoid
	// sleeping when work is pending. InjectInbound dispatches
	// synchronously, so the flag is set only for the duration of that
	// dispatch call.
	ingressPending atomic.Bool
}

// New creates a Virtual Device with the given egress channel capacity
// and MTU.
func New(egressCapacity int, mtu uint32) *Endpoint {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return &Endpoint{
		mtu:      mtu,
		egress:   make(chan *stack.PacketBuffer, egressCapacity),
		closedCh: make(chan struct{}),
	}
}

// Close stops accepting new egress writes and discards any packets
// still queued.
func (e *Endpoint) Close() {
	e.closedOnce.Do(func() { close(e.closedCh) })
	e.egressClosed.Store(true)
	for {
		select {
		case pkt := <-e.egress:
			pkt.DecRef()
		default:
			return
		}
	}
}

// Read performs a non-blocking read of one outbound frame, returning
// nil if none is queued.
func (e *Endpoint) Read() *stack.PacketBuffer {
	select {
	case pkt := <-e.egress:
		return pkt
	default:
		return nil
	}
}

// ReadContext blocks for one outbound frame until ctx is canceled.
func (e *Endpoint) ReadContext(ctx context.Context) *stack.PacketBuffer {
	select {
	case pkt := <-e.egress:
		return pkt
	case <-ctx.Done():
		return nil
	}
}

// InjectOutbound pushes a raw IP frame directly onto the egress
// channel, bypassing the attached network dispatcher entirely. The
// UDP collaborator uses this to hand the device its own hand-built
// frames, sharing the same bounded channel and backpressure behavior
// WritePackets gives the TCP/ICMP path.
func (e *Endpoint) InjectOutbound(f ipframe.Frame) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), f...)),
	})
	if e.egressClosed.Load() {
		pkt.DecRef()
		return
	}
	select {
	case e.egress <- pkt:
	case <-e.closedCh:
		pkt.DecRef()
	}
}

// InjectInbound delivers an inbound frame to the attached network
// dispatcher, if any. This is how the TCP Engine Driver's packet task
// feeds demultiplexed TCP/ICMP frames to the engine.
func (e *Endpoint) InjectInbound(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	e.ingressPending.Store(true)
	defer e.ingressPending.Store(false)
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		d.DeliverNetworkPacket(protocol, pkt)
	}
}

// IngressPending reports whether an inbound frame is currently being
// dispatched, so a poll loop can decide not to sleep.
func (e *Endpoint) IngressPending() bool { return e.ingressPending.Load() }

// Attach implements stack.LinkEndpoint.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.
func (e *Endpoint) MTU() uint32 { return e.mtu }

// Capabilities implements stack.LinkEndpoint.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities { return 0 }

// MaxHeaderLength implements stack.LinkEndpoint: this endpoint has no
// link-layer header — it carries L3 frames only.
func (e *Endpoint) MaxHeaderLength() uint16 { return 0 }

// LinkAddress implements stack.LinkEndpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress { return "" }

func (*Endpoint) SetLinkAddress(tcpip.LinkAddress) { panic("not implemented") }
func (*Endpoint) SetMTU(uint32)                    { panic("not implemented") }
func (*Endpoint) SetOnCloseAction(func())          {}

// Wait implements stack.LinkEndpoint.
func (*Endpoint) Wait() {}

// ARPHardwareType implements stack.LinkEndpoint.
func (*Endpoint) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareNone }

// AddHeader implements stack.LinkEndpoint.
func (*Endpoint) AddHeader(*stack.PacketBuffer) {}

// ParseHeader implements stack.LinkEndpoint.
func (*Endpoint) ParseHeader(*stack.PacketBuffer) bool { return true }

// GSOMaxSize implements stack.GSOEndpoint.
func (*Endpoint) GSOMaxSize() uint32 { return 1 << 15 }

// SupportedGSO implements stack.GSOEndpoint.
func (*Endpoint) SupportedGSO() stack.SupportedGSO { return stack.GSONotSupported }

// WritePackets implements stack.LinkEndpoint. It blocks once the
// egress channel is full rather than dropping packets, so that a
// backed-up device side applies backpressure to the engine instead of
// silently losing ACKs.
func (e *Endpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for _, pkt := range pkts.AsSlice() {
		if e.egressClosed.Load() {
			return n, &tcpip.ErrClosedForSend{}
		}
		select {
		case e.egress <- pkt.IncRef():
			n++
		case <-e.closedCh:
			return n, &tcpip.ErrClosedForSend{}
		}
	}
	return n, nil
}
