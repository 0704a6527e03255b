//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
)

var ErrUnsupported = errors.New("socketcan: unsupported on this platform")

type Options struct {
	FD          bool
	ReadTimeout time.Duration
}

// Device exists so callers compile on every platform; Open always fails.
type Device struct{}

func Open(iface string, opts Options) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) ReceiveFrame() (can.Frame, bool, error) { return can.Frame{}, false, ErrUnsupported }
func (d *Device) SendFrame(can.Frame) error              { return ErrUnsupported }
func (d *Device) Close() error                           { return nil }
