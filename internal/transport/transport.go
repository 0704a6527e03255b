// Package transport defines the capabilities the bridge needs from the CAN
// side and from the network side.
package transport

import (
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
)

var (
	// ErrClosed is returned by links and conns used after Close.
	ErrClosed = errors.New("transport closed")
	// ErrUnsupported is wrapped by links refusing a single frame they cannot
	// carry. The link stays usable.
	ErrUnsupported = errors.New("unsupported frame")
)

// CanLink sends and receives single CAN frames.
//
// ReceiveFrame must return within a bounded time: (frame, true, nil) when a
// frame was read, (_, false, nil) when nothing arrived before the link's poll
// timeout. Implementations are used by one receiving and one sending goroutine.
type CanLink interface {
	ReceiveFrame() (can.Frame, bool, error)
	SendFrame(can.Frame) error
	Close() error
}

// DatagramConn exchanges UDP payloads with peers.
//
// ReceiveDatagram fills buf and returns the payload length and source. It must
// return within a bounded time; a timeout is reported as a net.Error whose
// Timeout() is true.
type DatagramConn interface {
	ReceiveDatagram(buf []byte) (int, netip.AddrPort, error)
	SendDatagram(b []byte, to netip.AddrPort) error
	Close() error
}

// LinkFuncs adapts plain callbacks to a CanLink. Receive must honor the same
// bounded-wait contract as CanLink.ReceiveFrame. A nil Receive never yields
// frames; a nil Send discards frames.
type LinkFuncs struct {
	Receive func() (can.Frame, bool, error)
	Send    func(can.Frame) error
	OnClose func() error

	closed atomic.Bool
}

func (l *LinkFuncs) ReceiveFrame() (can.Frame, bool, error) {
	if l.closed.Load() {
		return can.Frame{}, false, ErrClosed
	}
	if l.Receive == nil {
		return can.Frame{}, false, nil
	}
	return l.Receive()
}

func (l *LinkFuncs) SendFrame(fr can.Frame) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.Send == nil {
		return nil
	}
	return l.Send(fr)
}

// Close marks the link closed and runs OnClose once.
func (l *LinkFuncs) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.OnClose != nil {
		return l.OnClose()
	}
	return nil
}

var _ CanLink = (*LinkFuncs)(nil)
