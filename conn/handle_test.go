package conn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tsandall/netstack-adapter/connctrl"
)

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func TestReadReturnsAvailableBytes(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	ctrl.FillRecv([]byte("hello"))
	h := New(ctrl, &countingNotifier{})

	buf := make([]byte, 16)
	n, err := h.Read(context.Background(), buf)
	if err != nil || n != 5 || string(buf[:5]) != "hello" {
		t.Fatalf("Read = %d, %v, %q", n, err, buf[:n])
	}
}

func TestReadEOFOnClosedEmpty(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	ctrl.AdvanceRecvState(connctrl.Closed)
	h := New(ctrl, &countingNotifier{})

	n, err := h.Read(context.Background(), make([]byte, 4))
	if err != nil || n != 0 {
		t.Fatalf("Read = %d, %v, want 0, nil (EOF)", n, err)
	}
}

func TestReadSuspendsUntilDataArrives(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	h := New(ctrl, &countingNotifier{})

	result := make(chan int, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := h.Read(context.Background(), buf)
		result <- n
	}()

	time.Sleep(20 * time.Millisecond)
	ctrl.FillRecv([]byte("late"))

	select {
	case n := <-result:
		if n != 4 {
			t.Fatalf("Read = %d, want 4", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not wake after data arrived")
	}
}

func TestReadZeroLengthReturnsImmediately(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	h := New(ctrl, &countingNotifier{})

	done := make(chan struct{})
	go func() {
		n, err := h.Read(context.Background(), nil)
		if n != 0 || err != nil {
			t.Errorf("Read(nil) = %d, %v, want 0, nil", n, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read(nil) hung instead of returning immediately")
	}
}

func TestWriteZeroLengthReturnsImmediately(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	h := New(ctrl, &countingNotifier{})

	done := make(chan struct{})
	go func() {
		n, err := h.Write(context.Background(), nil)
		if n != 0 || err != nil {
			t.Errorf("Write(nil) = %d, %v, want 0, nil", n, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write(nil) hung instead of returning immediately")
	}
}

func TestWriteFailsBrokenPipeAfterClose(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	ctrl.RequestSendClose()
	h := New(ctrl, &countingNotifier{})

	_, err := h.Write(context.Background(), []byte("x"))
	if err != ErrBrokenPipe {
		t.Fatalf("err = %v, want ErrBrokenPipe", err)
	}
}

func TestWriteNotifiesDriver(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	notif := &countingNotifier{}
	h := New(ctrl, notif)

	n, err := h.Write(context.Background(), []byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if notif.n.Load() == 0 {
		t.Fatal("expected Write to notify the driver")
	}
}

func TestCloseRequestsBothHalvesClose(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	h := New(ctrl, &countingNotifier{})
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sendState, recvState := ctrl.States()
	if sendState != connctrl.Close || recvState != connctrl.Close {
		t.Fatalf("states = %v, %v, want Close, Close", sendState, recvState)
	}
}

func TestShutdownReturnsOnceClosed(t *testing.T) {
	ctrl := connctrl.New(connctrl.FlowKey{}, 16, 16)
	h := New(ctrl, &countingNotifier{})

	done := make(chan error, 1)
	go func() { done <- h.Shutdown(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	ctrl.AdvanceSendState(connctrl.Closed)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after send half reached Closed")
	}
}
