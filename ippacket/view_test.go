package ippacket

import (
	"encoding/binary"
	"testing"

	"github.com/tsandall/netstack-adapter/ipframe"
	"github.com/tsandall/netstack-adapter/types/ipproto"
)

func buildV4(t *testing.T, proto byte, payload []byte) ipframe.Frame {
	t.Helper()
	totalLen := 20 + len(payload)
	f := make(ipframe.Frame, totalLen)
	f[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(f[2:4], uint16(totalLen))
	f[9] = proto
	copy(f[12:16], []byte{10, 0, 0, 2})
	copy(f[16:20], []byte{10, 0, 0, 1})
	copy(f[20:], payload)
	return f
}

func buildV6(t *testing.T, nextHeader byte, payload []byte) ipframe.Frame {
	t.Helper()
	f := make(ipframe.Frame, 40+len(payload))
	f[0] = 0x60
	binary.BigEndian.PutUint16(f[4:6], uint16(len(payload)))
	f[6] = nextHeader
	for i := 0; i < 16; i++ {
		f[8+i] = byte(i + 1)
	}
	for i := 0; i < 16; i++ {
		f[24+i] = byte(i + 100)
	}
	copy(f[40:], payload)
	return f
}

func TestParseV4(t *testing.T) {
	f := buildV4(t, 6, []byte("payload"))
	v, err := Parse(f)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v.V6 {
		t.Fatal("expected v4")
	}
	if v.Proto != ipproto.TCP {
		t.Fatalf("Proto = %v, want TCP", v.Proto)
	}
	if string(v.Payload) != "payload" {
		t.Fatalf("Payload = %q", v.Payload)
	}
	if v.Src.String() != "10.0.0.2" || v.Dst.String() != "10.0.0.1" {
		t.Fatalf("Src/Dst = %v/%v", v.Src, v.Dst)
	}
}

func TestParseV6(t *testing.T) {
	f := buildV6(t, 17, []byte("hi"))
	v, err := Parse(f)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !v.V6 {
		t.Fatal("expected v6")
	}
	if v.Proto != ipproto.UDP {
		t.Fatalf("Proto = %v, want UDP", v.Proto)
	}
	if string(v.Payload) != "hi" {
		t.Fatalf("Payload = %q", v.Payload)
	}
}

func TestParseTooShort(t *testing.T) {
	if _, err := Parse(ipframe.Frame{0x45, 0, 0}); err != ErrTooShort {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestParseMalformedTotalLength(t *testing.T) {
	f := buildV4(t, 6, []byte("payload"))
	binary.BigEndian.PutUint16(f[2:4], 9999) // claims far more than the buffer holds
	if _, err := Parse(f); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	f := ipframe.Frame{0x55, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := Parse(f); err != ErrUnsupportedVersion {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestPayloadAliasesInput(t *testing.T) {
	f := buildV4(t, 6, []byte("payload"))
	v, err := Parse(f)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f[20] = 'X'
	if v.Payload[0] != 'X' {
		t.Fatal("expected View.Payload to alias the input frame (zero-copy)")
	}
}
