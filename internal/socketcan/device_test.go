//go:build linux

package socketcan

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

// openVCAN opens vcan0 or skips when the host has no virtual CAN interface.
func openVCAN(t *testing.T, fd bool) *Device {
	t.Helper()
	if _, err := net.InterfaceByName("vcan0"); err != nil {
		t.Skip("vcan0 not available")
	}
	d, err := Open("vcan0", Options{FD: fd, ReadTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Skipf("open vcan0: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDevice_SendReceiveFD(t *testing.T) {
	tx, rx := openVCAN(t, true), openVCAN(t, true)
	want := can.Frame{CANID: 0x321, Len: 20, Flags: can.FlagFD}
	want.Data[19] = 0x5A
	if err := tx.SendFrame(want); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := rx.ReceiveFrame()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if !ok {
			continue
		}
		if got.CANID != want.CANID || got.Len != 20 || !got.IsFD() || got.Data[19] != 0x5A {
			t.Fatalf("got %v", got)
		}
		return
	}
	t.Fatalf("frame not received")
}

func TestDevice_ReceiveTimesOut(t *testing.T) {
	d := openVCAN(t, false)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := d.ReceiveFrame(); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
	if time.Since(start) > time.Second {
		t.Fatalf("receive not bounded by read timeout")
	}
}

func TestDevice_ClosedLink(t *testing.T) {
	d := openVCAN(t, false)
	_ = d.Close()
	if _, _, err := d.ReceiveFrame(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if err := d.SendFrame(can.Frame{CANID: 1}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
