package udpendpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"inet.af/netaddr"

	"github.com/tsandall/netstack-adapter/demux"
	"github.com/tsandall/netstack-adapter/ippacket"
	"github.com/tsandall/netstack-adapter/ipframe"
)

type captureSink struct {
	frames chan ipframe.Frame
}

func (s *captureSink) InjectOutbound(f ipframe.Frame) {
	s.frames <- f
}

func TestSendRoundTrip(t *testing.T) {
	sink := &captureSink{frames: make(chan ipframe.Frame, 1)}
	ep := New(nil, sink, nil)

	local := netaddr.IPPortFrom(netaddr.MustParseIP("10.0.0.1"), 5000)
	remote := netaddr.IPPortFrom(netaddr.MustParseIP("8.8.8.8"), 53)

	if err := ep.Send([]byte("hello"), local, remote); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var frame ipframe.Frame
	select {
	case frame = <-sink.frames:
	case <-time.After(time.Second):
		t.Fatal("no frame captured")
	}

	view, err := ippacket.Parse(frame)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if view.Src.String() != "10.0.0.1" || view.Dst.String() != "8.8.8.8" {
		t.Fatalf("src/dst = %v/%v", view.Src, view.Dst)
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatal("expected a UDP layer in the built frame")
	}
	udp := udpLayer.(*layers.UDP)
	if udp.SrcPort != 5000 || udp.DstPort != 53 {
		t.Fatalf("UDP ports = %d/%d, want 5000/53", udp.SrcPort, udp.DstPort)
	}
	if string(udp.Payload) != "hello" {
		t.Fatalf("payload = %q, want \"hello\"", udp.Payload)
	}
}

func TestSendRejectsAddressFamilyMismatch(t *testing.T) {
	sink := &captureSink{frames: make(chan ipframe.Frame, 1)}
	ep := New(nil, sink, nil)

	local := netaddr.IPPortFrom(netaddr.MustParseIP("10.0.0.1"), 5000)
	remote := netaddr.IPPortFrom(netaddr.MustParseIP("2001:db8::1"), 53)

	if err := ep.Send([]byte("x"), local, remote); err != ErrAddressFamilyMismatch {
		t.Fatalf("err = %v, want ErrAddressFamilyMismatch", err)
	}
}

func TestRecvParsesIngressDatagram(t *testing.T) {
	queue := make(chan demux.Item, 1)
	ep := New(queue, nil, nil)

	udpPayload := make([]byte, 8+len("ping"))
	udpPayload[0], udpPayload[1] = 0x13, 0x88 // src port 5000
	udpPayload[2], udpPayload[3] = 0x00, 0x35 // dst port 53
	udpPayload[4], udpPayload[5] = 0x00, byte(len(udpPayload))
	copy(udpPayload[8:], "ping")

	view := ippacket.View{
		Src:     netaddr.MustParseIP("10.0.0.2"),
		Dst:     netaddr.MustParseIP("10.0.0.1"),
		Payload: udpPayload,
	}
	queue <- demux.Item{View: view}

	dg, err := ep.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(dg.Payload) != "ping" {
		t.Fatalf("Payload = %q, want \"ping\"", dg.Payload)
	}
	if dg.Src.Port() != 5000 || dg.Dst.Port() != 53 {
		t.Fatalf("ports = %d/%d, want 5000/53", dg.Src.Port(), dg.Dst.Port())
	}
}
