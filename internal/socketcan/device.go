//go:build linux

package socketcan

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

const defaultReadTimeout = 100 * time.Millisecond

// Options configure a raw CAN socket.
type Options struct {
	FD          bool          // accept and send CAN FD frames
	ReadTimeout time.Duration // bound for one ReceiveFrame call
}

// Device is a raw AF_CAN socket bound to one interface.
type Device struct {
	fd     int
	iface  string
	fdMode bool
	closed atomic.Bool
}

func Open(iface string, opts Options) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fdOpt := 0
	if opts.FD {
		fdOpt = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, fdOpt); err != nil {
		// Older kernels may not know this option; only fatal when FD was asked for
		if opts.FD || err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set CAN FD=%v: %w", opts.FD, err)
		}
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface, fdMode: opts.FD}, nil
}

func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}

// ReceiveFrame reads one classic or FD frame. It returns (_, false, nil) when
// the read timeout expires without traffic.
func (d *Device) ReceiveFrame() (can.Frame, bool, error) {
	if d.closed.Load() {
		return can.Frame{}, false, transport.ErrClosed
	}
	var buf [mtuFD]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return can.Frame{}, false, nil
		case unix.EBADF:
			return can.Frame{}, false, transport.ErrClosed
		}
		return can.Frame{}, false, os.NewSyscallError("read can@"+d.iface, err)
	}
	fr, err := decodeFrame(buf[:n])
	if err != nil {
		return can.Frame{}, false, err
	}
	return fr, true, nil
}

// SendFrame writes one frame. ENOBUFS (full device queue) is returned as is so
// the caller can back off.
func (d *Device) SendFrame(fr can.Frame) error {
	if d.closed.Load() {
		return transport.ErrClosed
	}
	buf, err := encodeFrame(fr, d.fdMode)
	if err != nil {
		return err
	}
	if _, err := unix.Write(d.fd, buf); err != nil {
		return os.NewSyscallError("write can@"+d.iface, err)
	}
	return nil
}

var _ transport.CanLink = (*Device)(nil)
