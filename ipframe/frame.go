// Package ipframe defines the owned-byte-buffer representation of a
// single IP datagram as it moves between the device side, the
// demultiplexer, and the engine.
package ipframe

// Frame is an owned byte buffer carrying exactly one IP datagram
// (IPv4 or IPv6, including its header). It is opaque to everything
// except ippacket.Parse.
type Frame []byte

// Clone returns a new Frame with its own backing array, so the
// caller's buffer can be reused or mutated afterwards.
func Clone(b []byte) Frame {
	f := make(Frame, len(b))
	copy(f, b)
	return f
}
