package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/logging"
	"github.com/kstaniek/go-cannelloni-bridge/internal/metrics"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

const readBufSize = 4096

// Link is a CAN link over a USB-serial CAN adapter.
type Link struct {
	port Port
	name string
	dec  Decoder
	rbuf []byte

	pending []can.Frame // decoded, not yet handed out
	next    int

	wmu    sync.Mutex
	wbuf   []byte
	closed atomic.Bool
}

// Open opens the device and wraps it in a Link.
func Open(name string, baud int, readTimeout time.Duration) (*Link, error) {
	p, err := OpenPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return NewLink(p, name), nil
}

// NewLink wraps an already open port.
func NewLink(p Port, name string) *Link {
	return &Link{port: p, name: name, rbuf: make([]byte, readBufSize)}
}

// ReceiveFrame returns the next decoded frame. One call performs at most one
// port read, so it is bounded by the port's read timeout.
func (l *Link) ReceiveFrame() (can.Frame, bool, error) {
	if fr, ok := l.pop(); ok {
		return fr, true, nil
	}
	if l.closed.Load() {
		return can.Frame{}, false, transport.ErrClosed
	}
	n, err := l.port.Read(l.rbuf)
	if n > 0 {
		if bad := l.dec.Feed(l.rbuf[:n], l.push); bad > 0 {
			for i := 0; i < bad; i++ {
				metrics.IncMalformed()
			}
			logging.L().Debug("serial_malformed", "device", l.name, "count", bad)
		}
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		if l.closed.Load() {
			return can.Frame{}, false, transport.ErrClosed
		}
		return can.Frame{}, false, err
	}
	fr, ok := l.pop()
	return fr, ok, nil
}

func (l *Link) push(fr can.Frame) { l.pending = append(l.pending, fr) }

func (l *Link) pop() (can.Frame, bool) {
	if l.next >= len(l.pending) {
		l.pending, l.next = l.pending[:0], 0
		return can.Frame{}, false
	}
	fr := l.pending[l.next]
	l.next++
	return fr, true
}

// SendFrame encodes and writes one classic frame.
func (l *Link) SendFrame(fr can.Frame) error {
	if l.closed.Load() {
		return transport.ErrClosed
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	var err error
	l.wbuf, err = AppendFrame(l.wbuf[:0], fr)
	if err != nil {
		return err
	}
	_, err = l.port.Write(l.wbuf)
	return err
}

func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.port.Close()
}

var _ transport.CanLink = (*Link)(nil)
