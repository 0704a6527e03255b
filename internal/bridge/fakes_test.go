package bridge

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/cnl"
	"github.com/kstaniek/go-cannelloni-bridge/internal/logging"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

var (
	peerA = netip.MustParseAddrPort("192.0.2.1:20000")
	peerB = netip.MustParseAddrPort("192.0.2.2:20000")
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type datagram struct {
	data []byte
	addr netip.AddrPort
}

// fakeConn delivers datagrams pushed on in and records what was sent.
type fakeConn struct {
	in      chan datagram
	sendErr func() error
	closed  atomic.Bool

	mu   sync.Mutex
	sent []datagram
}

func newFakeConn() *fakeConn { return &fakeConn{in: make(chan datagram, 64)} }

func (c *fakeConn) ReceiveDatagram(buf []byte) (int, netip.AddrPort, error) {
	if c.closed.Load() {
		return 0, netip.AddrPort{}, net.ErrClosed
	}
	select {
	case d := <-c.in:
		return copy(buf, d.data), d.addr, nil
	case <-time.After(2 * time.Millisecond):
		return 0, netip.AddrPort{}, timeoutError{}
	}
}

func (c *fakeConn) SendDatagram(b []byte, to netip.AddrPort) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.sendErr != nil {
		if err := c.sendErr(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, datagram{data: append([]byte(nil), b...), addr: to})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error { c.closed.Store(true); return nil }

func (c *fakeConn) Sent() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datagram(nil), c.sent...)
}

// fakeLink yields frames pushed on in and records frames written to it.
type fakeLink struct {
	transport.LinkFuncs
	in     chan can.Frame
	closed atomic.Bool

	mu   sync.Mutex
	sent []can.Frame
}

func newFakeLink() *fakeLink {
	l := &fakeLink{in: make(chan can.Frame, 512)}
	l.Receive = func() (can.Frame, bool, error) {
		select {
		case fr := <-l.in:
			return fr, true, nil
		case <-time.After(2 * time.Millisecond):
			return can.Frame{}, false, nil
		}
	}
	l.Send = func(fr can.Frame) error {
		l.mu.Lock()
		l.sent = append(l.sent, fr)
		l.mu.Unlock()
		return nil
	}
	l.OnClose = func() error { l.closed.Store(true); return nil }
	return l
}

func (l *fakeLink) Sent() []can.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]can.Frame(nil), l.sent...)
}

func frame(id uint32, data ...byte) can.Frame {
	f := can.Frame{CANID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func packet(t *testing.T, seq uint8, frames ...can.Frame) []byte {
	t.Helper()
	var c cnl.Codec
	b, err := c.EncodePacket(seq, frames)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func decode(t *testing.T, b []byte) cnl.Packet {
	t.Helper()
	var c cnl.Codec
	p, err := c.DecodePacket(b)
	if err != nil {
		t.Fatalf("decode sent datagram: %v", err)
	}
	return p
}

func newTestBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	base := []Option{WithLogger(logging.Discard()), WithIdleWait(time.Millisecond)}
	b, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

type runner struct {
	b      *Bridge
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// run starts b and stops it when the test ends.
func run(t *testing.T, b *Bridge) *runner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{b: b, cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = b.Run(ctx)
		close(r.done)
	}()
	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatalf("bridge did not signal readiness")
	}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *runner) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}
	return r.err
}

func (r *runner) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return on its own")
	}
	return r.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
