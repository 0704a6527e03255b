package main

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/kstaniek/go-cannelloni-bridge/internal/serial"
	"github.com/kstaniek/go-cannelloni-bridge/internal/socketcan"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
	"github.com/kstaniek/go-cannelloni-bridge/internal/udp"
)

// Hooks for tests (overridden in unit tests).
var (
	openSerialPort      = serial.OpenPort
	detectSerial        = serial.Detect
	openSocketCANDevice = func(iface string, opts socketcan.Options) (transport.CanLink, error) {
		d, err := socketcan.Open(iface, opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
)

// openLink opens the configured CAN backend.
func openLink(cfg *appConfig, l *slog.Logger) (transport.CanLink, error) {
	switch cfg.backend {
	case "serial":
		dev := cfg.serialDev
		if dev == "auto" {
			var err error
			if dev, err = detectSerial(); err != nil {
				return nil, fmt.Errorf("detect serial adapter: %w", err)
			}
			l.Info("serial_detected", "device", dev)
		}
		p, err := openSerialPort(dev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", dev, err)
		}
		l.Info("serial_open", "device", dev, "baud", cfg.baud)
		return serial.NewLink(p, dev), nil
	case "socketcan":
		link, err := openSocketCANDevice(cfg.canIf, socketcan.Options{FD: cfg.canFD, ReadTimeout: cfg.pollInterval})
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_open", "if", cfg.canIf, "fd", cfg.canFD)
		return link, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|socketcan)", cfg.backend)
	}
}

// openConn binds the UDP socket and resolves the configured peer, if any.
// A multicast peer makes the socket join that group.
func openConn(cfg *appConfig, l *slog.Logger) (*udp.Conn, netip.AddrPort, error) {
	var peer netip.AddrPort
	opts := []udp.Option{udp.WithPollInterval(cfg.pollInterval)}
	if cfg.tos > 0 {
		opts = append(opts, udp.WithTOS(cfg.tos))
	}
	if cfg.remote != "" {
		var err error
		if peer, err = udp.ResolvePeer(cfg.remote); err != nil {
			return nil, peer, err
		}
		if peer.Addr().IsMulticast() {
			opts = append(opts, udp.WithMulticastGroup(peer.Addr(), cfg.multicastIf))
		}
	}
	conn, err := udp.Listen(cfg.bindAddr, opts...)
	if err != nil {
		return nil, peer, err
	}
	l.Info("udp_listen", "addr", conn.LocalAddr(), "remote", cfg.remote, "tos", cfg.tos)
	return conn, peer, nil
}
