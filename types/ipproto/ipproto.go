// Package ipproto defines the IP protocol number constants this
// adapter classifies on, named the way tailscale.com/types/ipproto
// names them.
package ipproto

// Proto is an IP protocol number, as carried in the IPv4 "protocol"
// field or the IPv6 "next header" field.
type Proto uint8

const (
	ICMPv4 Proto = 1
	TCP    Proto = 6
	UDP    Proto = 17
	ICMPv6 Proto = 58
)

func (p Proto) String() string {
	switch p {
	case ICMPv4:
		return "icmpv4"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMPv6:
		return "icmpv6"
	default:
		return "unknown"
	}
}
