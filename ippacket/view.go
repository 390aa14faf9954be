// Package ippacket provides a zero-copy, borrowed view over an
// ipframe.Frame: IPv4/IPv6 header fields plus the protocol payload
// slice. Parsing never copies; View.Payload aliases the input frame.
package ippacket

import (
	"encoding/binary"
	"errors"

	"inet.af/netaddr"

	"github.com/tsandall/netstack-adapter/ipframe"
	"github.com/tsandall/netstack-adapter/types/ipproto"
)

// ErrTooShort is returned when a frame is shorter than a minimal IP header.
var ErrTooShort = errors.New("ippacket: frame too short")

// ErrMalformed is returned when header length, version, or total
// length fields are inconsistent with the frame's actual size.
var ErrMalformed = errors.New("ippacket: malformed IP header")

// ErrUnsupportedVersion is returned for anything other than IPv4 or IPv6.
var ErrUnsupportedVersion = errors.New("ippacket: unsupported IP version")

// View is a borrowed, tagged view over an ipframe.Frame.
type View struct {
	V6      bool
	Src     netaddr.IP
	Dst     netaddr.IP
	Proto   ipproto.Proto
	Payload []byte // aliases the frame passed to Parse
}

// Parse decodes the IP header of f without copying its payload.
// It succeeds only if the header length, version, and total-length
// fields are self-consistent with len(f).
func Parse(f ipframe.Frame) (View, error) {
	if len(f) < 1 {
		return View{}, ErrTooShort
	}
	switch f[0] >> 4 {
	case 4:
		return parseV4(f)
	case 6:
		return parseV6(f)
	default:
		return View{}, ErrUnsupportedVersion
	}
}

func parseV4(f []byte) (View, error) {
	const minHdr = 20
	if len(f) < minHdr {
		return View{}, ErrTooShort
	}
	ihl := int(f[0]&0x0f) * 4
	if ihl < minHdr || ihl > len(f) {
		return View{}, ErrMalformed
	}
	totalLen := int(binary.BigEndian.Uint16(f[2:4]))
	if totalLen < ihl || totalLen > len(f) {
		return View{}, ErrMalformed
	}
	src := netaddr.IPv4(f[12], f[13], f[14], f[15])
	dst := netaddr.IPv4(f[16], f[17], f[18], f[19])
	return View{
		V6:      false,
		Src:     src,
		Dst:     dst,
		Proto:   ipproto.Proto(f[9]),
		Payload: f[ihl:totalLen],
	}, nil
}

func parseV6(f []byte) (View, error) {
	const hdrLen = 40
	if len(f) < hdrLen {
		return View{}, ErrTooShort
	}
	payloadLen := int(binary.BigEndian.Uint16(f[4:6]))
	if hdrLen+payloadLen > len(f) {
		return View{}, ErrMalformed
	}
	var srcB, dstB [16]byte
	copy(srcB[:], f[8:24])
	copy(dstB[:], f[24:40])
	// next-header chain: this module does not walk extension headers;
	// it takes the byte at offset 6 as the transport protocol, which
	// covers the TCP/UDP/ICMPv6 traffic this adapter cares about.
	return View{
		V6:      true,
		Src:     netaddr.IPFrom16(srcB),
		Dst:     netaddr.IPFrom16(dstB),
		Proto:   ipproto.Proto(f[6]),
		Payload: f[hdrLen : hdrLen+payloadLen],
	}, nil
}
