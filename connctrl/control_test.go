package connctrl

import (
	"testing"
	"time"
)

func newTestControl(sendCap, recvCap int) *ConnectionControl {
	return New(FlowKey{}, sendCap, recvCap)
}

func TestWriteSendThenPeekDiscard(t *testing.T) {
	c := newTestControl(16, 16)
	n, state := c.WriteSend([]byte("hello"))
	if n != 5 || state != Normal {
		t.Fatalf("WriteSend = %d, %v", n, state)
	}
	buf := make([]byte, 16)
	n = c.PeekSend(buf)
	if n != 5 || string(buf[:5]) != "hello" {
		t.Fatalf("PeekSend = %d %q", n, buf[:n])
	}
	if c.SendEmpty() {
		t.Fatal("SendEmpty before Discard")
	}
	c.DiscardSend(5)
	if !c.SendEmpty() {
		t.Fatal("expected SendEmpty after Discard")
	}
}

func TestWriteSendAfterRequestCloseFails(t *testing.T) {
	c := newTestControl(16, 16)
	c.RequestSendClose()
	n, state := c.WriteSend([]byte("x"))
	if n != 0 || state != Close {
		t.Fatalf("WriteSend after close = %d, %v, want 0, Close", n, state)
	}
}

func TestReadRecvEOFOnClosedEmpty(t *testing.T) {
	c := newTestControl(16, 16)
	c.AdvanceRecvState(Closed)
	buf := make([]byte, 4)
	n, state := c.ReadRecv(buf)
	if n != 0 || state != Closed {
		t.Fatalf("ReadRecv = %d, %v, want 0, Closed", n, state)
	}
}

func TestFillRecvWakesWaiter(t *testing.T) {
	c := newTestControl(16, 16)
	wake := c.WaitRecv()
	done := make(chan struct{})
	go func() {
		<-wake
		close(done)
	}()
	c.FillRecv([]byte("data"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader was not woken after FillRecv")
	}
	buf := make([]byte, 4)
	n, _ := c.ReadRecv(buf)
	if n != 4 || string(buf) != "data" {
		t.Fatalf("ReadRecv = %d %q", n, buf)
	}
}

func TestDiscardSendWakesWaiterOnlyWhenWasFull(t *testing.T) {
	c := newTestControl(4, 4)
	c.WriteSend([]byte("abcd")) // fills the 4-byte buffer
	wake := c.WaitSend()
	done := make(chan struct{})
	go func() {
		<-wake
		close(done)
	}()
	buf := make([]byte, 4)
	c.PeekSend(buf)
	c.DiscardSend(4)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer was not woken after DiscardSend freed a full buffer")
	}
}

func TestWaitRecvReplacementWakesStaleWaiter(t *testing.T) {
	c := newTestControl(16, 16)
	stale := c.WaitRecv()
	fresh := c.WaitRecv() // installing a second waker must wake the stale one

	select {
	case <-stale:
	case <-time.After(time.Second):
		t.Fatal("stale waker was not woken on replacement")
	}
	select {
	case <-fresh:
		t.Fatal("fresh waker should not have fired yet")
	default:
	}
}

func TestAdvanceSendStateToClosedWakesWriter(t *testing.T) {
	c := newTestControl(4, 4)
	c.WriteSend([]byte("abcd"))
	wake := c.WaitSend()
	c.AdvanceSendState(Closed)
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("AdvanceSendState(Closed) should wake a suspended writer")
	}
}

func TestWakeBothWakesBothHalves(t *testing.T) {
	c := newTestControl(16, 16)
	rw := c.WaitRecv()
	sw := c.WaitSend()
	c.WakeBoth()
	for _, ch := range []<-chan struct{}{rw, sw} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("WakeBoth did not wake a waiter")
		}
	}
}
