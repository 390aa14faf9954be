// Package demux classifies each ingress IP frame as TCP/UDP/ICMP/other
// after filtering, and routes it to the appropriate bounded queue.
package demux

import (
	"errors"

	"github.com/tsandall/netstack-adapter/ipfilter"
	"github.com/tsandall/netstack-adapter/ipframe"
	"github.com/tsandall/netstack-adapter/ippacket"
	"github.com/tsandall/netstack-adapter/types/ipproto"
	"github.com/tsandall/netstack-adapter/types/logger"
)

// Dest names which queue a frame should be routed to.
type Dest int

const (
	// DestInvalid means the frame failed to parse as an IP header at
	// all; callers report this back to the sender rather than dropping
	// it silently.
	DestInvalid Dest = iota
	// DestDrop means the frame parsed fine but was rejected by the
	// filter or has no enabled protocol handler; this is dropped
	// silently, the same as any other firewall-style reject.
	DestDrop
	DestTCP
	DestUDP
)

// ErrParse is logged (not propagated) when a frame fails to parse;
// it is exported so callers can recognize it in their log records.
var ErrParse = errors.New("demux: malformed IP header")

// Item is a frame that has already been parsed once by the
// Demultiplexer, carried alongside its parsed View so downstream
// consumers (the TCP Engine Driver, the UDP endpoint) never re-parse it.
type Item struct {
	View ippacket.View
	Raw  ipframe.Frame
}

// Queues holds the bounded per-protocol channels ingress frames are
// routed onto. TCP and ICMP share a queue: the engine answers echo
// requests itself, so ICMP frames ride the same path into it as TCP
// segments.
type Queues struct {
	TCP chan Item
	UDP chan Item
}

// NewQueues allocates Queues sized per the builder's tcp_buffer_size /
// udp_buffer_size options. A zero capacity means that protocol is
// disabled and its channel is left nil.
func NewQueues(tcpCap, udpCap int) *Queues {
	q := &Queues{}
	if tcpCap > 0 {
		q.TCP = make(chan Item, tcpCap)
	}
	if udpCap > 0 {
		q.UDP = make(chan Item, udpCap)
	}
	return q
}

// Demultiplexer classifies and routes ingress frames.
type Demultiplexer struct {
	Filter     *ipfilter.Filter
	EnableTCP  bool
	EnableUDP  bool
	EnableICMP bool
	Logf       logger.Logf
}

// Classify parses f, applies the filter, and reports which queue it
// belongs on. The returned Item aliases f and is only valid for
// DestTCP/DestUDP results.
func (d *Demultiplexer) Classify(f ipframe.Frame) (Dest, Item) {
	view, err := ippacket.Parse(f)
	if err != nil {
		d.logf("demux: %v: %v", ErrParse, err)
		return DestInvalid, Item{}
	}
	item := Item{View: view, Raw: f}
	if d.Filter != nil && !d.Filter.Allow(view.Src, view.Dst) {
		return DestDrop, item
	}
	switch view.Proto {
	case ipproto.TCP:
		if !d.EnableTCP {
			return DestDrop, item
		}
		return DestTCP, item
	case ipproto.UDP:
		if !d.EnableUDP {
			return DestDrop, item
		}
		return DestUDP, item
	case ipproto.ICMPv4, ipproto.ICMPv6:
		if !d.EnableICMP {
			return DestDrop, item
		}
		// ICMP shares the TCP queue; the engine answers echoes itself.
		return DestTCP, item
	default:
		d.logf("demux: dropping unhandled protocol %v", view.Proto)
		return DestDrop, item
	}
}

func (d *Demultiplexer) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}
