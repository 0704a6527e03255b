package udp

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"
)

func listenLoopback(t *testing.T, opts ...Option) *Conn {
	t.Helper()
	c, err := Listen("127.0.0.1:0", append([]Option{WithPollInterval(20 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConn_SendReceive(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)
	if err := a.SendDatagram([]byte{2, 1, 0, 0}, b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 1500)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, from, err := b.ReceiveDatagram(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.Fatalf("receive: %v", err)
		}
		if n != 4 || from != a.LocalAddr() {
			t.Fatalf("got n=%d from=%v want from %v", n, from, a.LocalAddr())
		}
		return
	}
	t.Fatalf("no datagram received")
}

func TestConn_ReceiveTimeout(t *testing.T) {
	c := listenLoopback(t)
	start := time.Now()
	_, _, err := c.ReceiveDatagram(make([]byte, 64))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("receive not bounded by poll interval")
	}
}

func TestConn_TOS(t *testing.T) {
	listenLoopback(t, WithTOS(0x10))
}

func TestConn_RejectsUnicastGroup(t *testing.T) {
	_, err := Listen("127.0.0.1:0", WithMulticastGroup(netip.MustParseAddr("10.0.0.1"), ""))
	if err == nil {
		t.Fatalf("expected error for non-multicast group")
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	c, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.SendDatagram([]byte{1}, netip.MustParseAddrPort("127.0.0.1:9")); err == nil {
		t.Fatalf("send after close succeeded")
	}
}

func TestResolvePeer(t *testing.T) {
	ap, err := ResolvePeer("127.0.0.1:1234")
	if err != nil || ap != netip.MustParseAddrPort("127.0.0.1:1234") {
		t.Fatalf("ResolvePeer=%v,%v", ap, err)
	}
	if _, err := ResolvePeer("127.0.0.1"); err == nil {
		t.Fatalf("expected error without port")
	}
}
