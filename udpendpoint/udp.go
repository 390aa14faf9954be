// Package udpendpoint implements the UDP collaborator: a bidirectional
// endpoint exposing a lazy sequence of ingress datagrams and a sink
// for egress datagrams, sharing the Demultiplexer's UDP queue and the
// Virtual Device's egress channel.
//
// Unlike the TCP path, UDP never touches the embedded engine: ingress
// frames are parsed once by the Demultiplexer and handed straight to
// callers; egress frames are hand-built IP+UDP headers via
// gopacket/layers rather than gVisor's stack.
package udpendpoint

import (
	"context"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"inet.af/netaddr"

	"github.com/tsandall/netstack-adapter/demux"
	"github.com/tsandall/netstack-adapter/ipframe"
	"github.com/tsandall/netstack-adapter/types/logger"
)

// udpTTL is the fixed TTL/hop limit for datagrams this endpoint emits.
const udpTTL = 20

// ErrAddressFamilyMismatch is returned when the sink was given an
// IPv4 local endpoint with an IPv6 remote one, or vice versa.
var ErrAddressFamilyMismatch = errors.New("udpendpoint: local/remote address family mismatch")

// Datagram is one ingress UDP datagram delivered with its outer IP
// endpoints: payload plus source and destination (IP, port) pairs.
type Datagram struct {
	Payload []byte
	Src     netaddr.IPPort
	Dst     netaddr.IPPort
}

// egressSink is the subset of device.Endpoint's write surface this
// endpoint needs: somewhere to push a freshly built egress frame.
type egressSink interface {
	InjectOutbound(ipframe.Frame)
}

// Endpoint is the UDP collaborator.
type Endpoint struct {
	queue <-chan demux.Item
	sink  egressSink
	logf  logger.Logf
}

// New builds an Endpoint reading ingress datagrams from queue and
// writing egress datagrams through sink.
func New(queue <-chan demux.Item, sink egressSink, logf logger.Logf) *Endpoint {
	if logf == nil {
		logf = logger.Discard
	}
	return &Endpoint{queue: queue, sink: sink, logf: logger.WithPrefix(logf, "udpendpoint: ")}
}

// Recv blocks for the next ingress datagram until ctx is canceled.
// Malformed UDP headers are dropped and logged, not surfaced, matching
// the Demultiplexer's own parse-error handling.
func (e *Endpoint) Recv(ctx context.Context) (Datagram, error) {
	for {
		select {
		case item, ok := <-e.queue:
			if !ok {
				return Datagram{}, context.Canceled
			}
			dg, err := parseUDP(item)
			if err != nil {
				e.logf("dropping malformed UDP datagram: %v", err)
				continue
			}
			return dg, nil
		case <-ctx.Done():
			return Datagram{}, ctx.Err()
		}
	}
}

func parseUDP(item demux.Item) (Datagram, error) {
	p := item.View.Payload
	if len(p) < 8 {
		return Datagram{}, errors.New("udp header truncated")
	}
	srcPort := uint16(p[0])<<8 | uint16(p[1])
	dstPort := uint16(p[2])<<8 | uint16(p[3])
	length := uint16(p[4])<<8 | uint16(p[5])
	if int(length) < 8 || int(length) > len(p) {
		return Datagram{}, errors.New("udp length field inconsistent")
	}
	payload := p[8:length]
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return Datagram{
		Payload: cp,
		Src:     netaddr.IPPortFrom(item.View.Src, srcPort),
		Dst:     netaddr.IPPortFrom(item.View.Dst, dstPort),
	}, nil
}

// Send builds an IPv4 or IPv6 frame carrying payload as a UDP
// datagram between local and remote, and pushes it onto the egress
// channel. local and remote must share an address family.
func (e *Endpoint) Send(payload []byte, local, remote netaddr.IPPort) error {
	if local.IP().Is4() != remote.IP().Is4() {
		return ErrAddressFamilyMismatch
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(local.Port()),
		DstPort: layers.UDPPort(remote.Port()),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	var network gopacket.SerializableLayer
	if local.IP().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      udpTTL,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    local.IP().AsSlice(),
			DstIP:    remote.IP().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   udpTTL,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      local.IP().AsSlice(),
			DstIP:      remote.IP().AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		network = ip
	}

	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(payload)); err != nil {
		return err
	}

	e.sink.InjectOutbound(ipframe.Clone(buf.Bytes()))
	return nil
}
