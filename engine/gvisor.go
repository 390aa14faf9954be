// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"bytes"
	"errors"
	"time"

	"inet.af/netaddr"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tsandall/netstack-adapter/types/logger"
)

const nicID tcpip.NICID = 1

// GvisorStack adapts gvisor.dev/gvisor/pkg/tcpip/stack.Stack to the
// engine.Stack interface over a channel-style link endpoint: ipv4/ipv6
// network protocols, a tcp.Forwarder that demultiplexes new flows,
// any-IP acceptance via promiscuous+spoofing mode on the NIC, and a
// wildcard route table so every destination the TUN side can observe
// is routed to this NIC (an intentional open-relay posture: every flow
// the device surfaces belongs to the local process).
type GvisorStack struct {
	st     *stack.Stack
	cfg    Config
	accept chan Accepted
	logf   logger.Logf
}

// NewGvisorStack creates the gVisor stack, attaches ep as its sole
// NIC, and starts accepting TCP flows. Congestion control,
// retransmission, and window management are entirely gVisor's
// responsibility; this package never reimplements them.
func NewGvisorStack(ep stack.LinkEndpoint, cfg Config, logf logger.Logf) (*GvisorStack, error) {
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = 64
	}
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
	})

	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fromTcpipErr(err)
	}
	// any_ip acceptance: accept traffic addressed to any destination
	// observed on the device, not just addresses explicitly assigned.
	s.SetPromiscuousMode(nicID, true)
	s.SetSpoofing(nicID, true)

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	gs := &GvisorStack{
		st:     s,
		cfg:    cfg,
		accept: make(chan Accepted, cfg.AcceptBacklog),
		logf:   logger.WithPrefix(logf, "engine: "),
	}

	fwd := tcp.NewForwarder(s, cfg.RecvBufferSize, cfg.AcceptBacklog, gs.handleForwarderRequest)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return gs, nil
}

func (gs *GvisorStack) handleForwarderRequest(req *tcp.ForwarderRequest) {
	var wq waiter.Queue
	ep, err := req.CreateEndpoint(&wq)
	if err != nil {
		req.Complete(true)
		return
	}
	req.Complete(false)

	ep.SocketOptions().SetKeepAlive(gs.cfg.KeepAlive > 0)
	if gs.cfg.KeepAlive > 0 {
		ep.SetSockOpt(&tcpip.KeepaliveIdleOption(gs.cfg.KeepAlive))
		ep.SetSockOpt(&tcpip.KeepaliveIntervalOption(gs.cfg.KeepAlive))
	}

	sock := &gvisorSocket{ep: ep, wq: &wq, idle: gs.cfg.IdleTimeout}
	select {
	case gs.accept <- Accepted{Socket: sock}:
	default:
		// A stalled accept side slows new-flow manufacture rather than
		// dropping a live, already handshaking socket.
		gs.accept <- Accepted{Socket: sock}
	}
}

// Accept implements Stack.
func (gs *GvisorStack) Accept() <-chan Accepted { return gs.accept }

// Close implements Stack.
func (gs *GvisorStack) Close() error {
	gs.st.Destroy()
	return nil
}

// gvisorSocket adapts a gvisor tcpip.Endpoint to engine.Socket.
type gvisorSocket struct {
	ep   tcpip.Endpoint
	wq   *waiter.Queue
	idle time.Duration
}

func (s *gvisorSocket) LocalAddr() netaddr.IPPort {
	addr, err := s.ep.GetLocalAddress()
	if err != nil {
		return netaddr.IPPort{}
	}
	return toIPPort(addr)
}

func (s *gvisorSocket) RemoteAddr() netaddr.IPPort {
	addr, err := s.ep.GetRemoteAddress()
	if err != nil {
		return netaddr.IPPort{}
	}
	return toIPPort(addr)
}

func (s *gvisorSocket) CanRecv() bool {
	return s.ep.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0
}

func (s *gvisorSocket) Recv(buf []byte) (int, error) {
	res, err := s.ep.Read(nil, tcpip.ReadOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, nil
		}
		return 0, fromTcpipErr(err)
	}
	n := copy(buf, res.Buffer)
	return n, nil
}

func (s *gvisorSocket) CanSend() bool {
	return s.ep.Readiness(waiter.WritableEvents)&waiter.WritableEvents != 0
}

func (s *gvisorSocket) Send(buf []byte) (int, error) {
	n, err := s.ep.Write(bytes.NewReader(buf), tcpip.WriteOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return 0, nil
		}
		return int(n), fromTcpipErr(err)
	}
	return int(n), nil
}

func (s *gvisorSocket) MayRecv() bool {
	return toEngineState(s.ep).StillReceiving()
}

func (s *gvisorSocket) State() TCPState {
	return toEngineState(s.ep)
}

func (s *gvisorSocket) Abort() {
	s.ep.Abort()
}

func (s *gvisorSocket) Close() {
	s.ep.Shutdown(tcpip.ShutdownWrite)
}

func (s *gvisorSocket) SetKeepAlive(enabled bool, interval time.Duration) {
	s.ep.SocketOptions().SetKeepAlive(enabled)
	if enabled && interval > 0 {
		s.ep.SetSockOpt(&tcpip.KeepaliveIntervalOption(interval))
	}
}

func (s *gvisorSocket) SetIdleTimeout(d time.Duration) {
	s.idle = d
}

// IdleTimeout reports the configured idle timeout. gVisor's tcpip
// stack has no user-timeout sockopt equivalent to Linux's
// TCP_USER_TIMEOUT, so this value isn't applied inside the endpoint
// itself; the TCP Engine Driver enforces it by aborting a socket whose
// last recv/send progress is older than this duration.
func (s *gvisorSocket) IdleTimeout() time.Duration {
	return s.idle
}

func toIPPort(addr tcpip.FullAddress) netaddr.IPPort {
	a, ok := netaddr.FromStdIP(addr.Addr.AsSlice())
	if !ok {
		return netaddr.IPPort{}
	}
	return netaddr.IPPortFrom(a, addr.Port)
}

func toEngineState(ep tcpip.Endpoint) TCPState {
	info := ep.Info()
	tcpInfo, ok := info.(*tcp.EndpointInfo)
	if !ok {
		return StateUnknown
	}
	switch tcp.EndpointState(tcpInfo.State) {
	case tcp.StateListen:
		return StateListen
	case tcp.StateSynRecv:
		return StateSynRecv
	case tcp.StateEstablished:
		return StateEstablished
	case tcp.StateFinWait1:
		return StateFinWait1
	case tcp.StateFinWait2:
		return StateFinWait2
	case tcp.StateCloseWait:
		return StateCloseWait
	case tcp.StateClosing:
		return StateClosing
	case tcp.StateLastAck:
		return StateLastAck
	case tcp.StateTimeWait:
		return StateTimeWait
	case tcp.StateClose:
		return StateClosed
	default:
		return StateUnknown
	}
}

func fromTcpipErr(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return errors.New(err.String())
}
