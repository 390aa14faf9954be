// Package tunbridge pumps IP frames between an OS TUN device and a
// netstack.Stack: the "device side" that reads from TUN and sends, and
// writes to TUN what the stack emits. It follows the same
// fixed-buffer, read-loop/write-loop idiom as a TUN wrapper pumping
// raw frames, with everything specific to a single wire protocol
// (ACL filtering, link-layer framing) stripped out: this bridge only
// ever needs to move whole L3 frames in both directions.
package tunbridge

import (
	"context"
	"fmt"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/tsandall/netstack-adapter/ipframe"
	"github.com/tsandall/netstack-adapter/netstack"
	"github.com/tsandall/netstack-adapter/types/logger"
)

// maxFrameSize bounds a single TUN read, with headroom for IP frames
// without wireguard-go's transport-header reservation (this bridge
// reads/writes raw IP frames, not wireguard transport messages).
const maxFrameSize = 1 << 16

// Bridge owns a tun.Device and pumps frames to/from a netstack.Stack
// until its context is canceled.
type Bridge struct {
	dev   tun.Device
	stack *netstack.Stack
	logf  logger.Logf
}

// New constructs a Bridge. dev is typically produced by
// golang.zx2c4.com/wireguard/tun.CreateTUN; stack is the Stack Facade
// built by netstack.Builder.
func New(dev tun.Device, stack *netstack.Stack, logf logger.Logf) *Bridge {
	if logf == nil {
		logf = logger.Discard
	}
	return &Bridge{dev: dev, stack: stack, logf: logger.WithPrefix(logf, "tunbridge: ")}
}

// Run pumps both directions until ctx is canceled or either direction
// hits an unrecoverable device error. It returns the first such error.
func (b *Bridge) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- b.pumpFromTUN(ctx) }()
	go func() { errCh <- b.pumpToTUN(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// pumpFromTUN reads frames off the OS TUN device and hands them to the
// Stack's ingress sink. wireguard-go's tun.Device.Read already blocks
// the caller until a frame is ready, so there's no separate
// buffer-consumed handshake needed here.
func (b *Bridge) pumpFromTUN(ctx context.Context) error {
	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, maxFrameSize)
	sizes := make([]int, 1)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := b.dev.Read(bufs, sizes, 0)
		if err != nil {
			return fmt.Errorf("tunbridge: tun read: %w", err)
		}
		for i := 0; i < n; i++ {
			frame := ipframe.Clone(bufs[i][:sizes[i]])
			if err := b.stack.SendFrame(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logf("dropping ingress frame: %v", err)
			}
		}
	}
}

// pumpToTUN drains the Stack's egress stream and writes each frame to
// the OS TUN device.
func (b *Bridge) pumpToTUN(ctx context.Context) error {
	for {
		frame, err := b.stack.ReadEgress(ctx)
		if err != nil {
			return err
		}
		if _, err := b.dev.Write([][]byte{frame}, 0); err != nil {
			return fmt.Errorf("tunbridge: tun write: %w", err)
		}
	}
}

// Close closes the underlying TUN device.
func (b *Bridge) Close() error {
	return b.dev.Close()
}
