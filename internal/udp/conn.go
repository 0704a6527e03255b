// Package udp provides the datagram side of the bridge.
package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

const defaultPollInterval = 100 * time.Millisecond

// Conn is a UDP socket satisfying transport.DatagramConn. Reads are bounded
// by the poll interval so callers can observe cancellation.
type Conn struct {
	c      *net.UDPConn
	pc     *ipv4.PacketConn // nil on IPv6 sockets
	poll   time.Duration
	closed atomic.Bool
}

type config struct {
	poll    time.Duration
	tos     int
	group   netip.Addr
	groupIf string
}

type Option func(*config)

// WithPollInterval bounds every ReceiveDatagram call.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithTOS sets the IPv4 type-of-service byte on outgoing datagrams.
func WithTOS(tos int) Option { return func(c *config) { c.tos = tos } }

// WithMulticastGroup joins group on the named interface (empty = system default).
func WithMulticastGroup(group netip.Addr, iface string) Option {
	return func(c *config) { c.group, c.groupIf = group, iface }
}

// Listen binds a UDP socket on addr (host:port).
func Listen(addr string, opts ...Option) (*Conn, error) {
	cfg := config{poll: defaultPollInterval}
	for _, o := range opts {
		o(&cfg)
	}
	la, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	network := "udp"
	if la.IP == nil || la.IP.To4() != nil {
		network = "udp4"
	}
	c, err := net.ListenUDP(network, la)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	u := &Conn{c: c, poll: cfg.poll}
	if network == "udp4" {
		u.pc = ipv4.NewPacketConn(c)
	}
	if err := u.apply(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	return u, nil
}

func (u *Conn) apply(cfg config) error {
	if cfg.tos > 0 {
		if u.pc == nil {
			return errors.New("tos requires an IPv4 socket")
		}
		if err := u.pc.SetTOS(cfg.tos); err != nil {
			return fmt.Errorf("set tos: %w", err)
		}
	}
	if cfg.group.IsValid() {
		if !cfg.group.Is4() || !cfg.group.IsMulticast() {
			return fmt.Errorf("not an IPv4 multicast group: %s", cfg.group)
		}
		if u.pc == nil {
			return errors.New("multicast requires an IPv4 socket")
		}
		var ifi *net.Interface
		if cfg.groupIf != "" {
			var err error
			if ifi, err = net.InterfaceByName(cfg.groupIf); err != nil {
				return fmt.Errorf("if %q: %w", cfg.groupIf, err)
			}
			if err := u.pc.SetMulticastInterface(ifi); err != nil {
				return fmt.Errorf("set multicast if: %w", err)
			}
		}
		if err := u.pc.JoinGroup(ifi, &net.UDPAddr{IP: cfg.group.AsSlice()}); err != nil {
			return fmt.Errorf("join %s: %w", cfg.group, err)
		}
	}
	return nil
}

// LocalAddr returns the bound address.
func (u *Conn) LocalAddr() netip.AddrPort {
	ap := u.c.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// ReceiveDatagram reads one datagram into buf. When nothing arrives within the
// poll interval it returns a net.Error whose Timeout() is true.
func (u *Conn) ReceiveDatagram(buf []byte) (int, netip.AddrPort, error) {
	if u.closed.Load() {
		return 0, netip.AddrPort{}, transport.ErrClosed
	}
	if err := u.c.SetReadDeadline(time.Now().Add(u.poll)); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, from, err := u.c.ReadFromUDPAddrPort(buf)
	if err != nil {
		return n, from, err
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

// SendDatagram writes b to the peer.
func (u *Conn) SendDatagram(b []byte, to netip.AddrPort) error {
	if u.closed.Load() {
		return transport.ErrClosed
	}
	_, err := u.c.WriteToUDPAddrPort(b, to)
	return err
}

// Close closes the socket (idempotent).
func (u *Conn) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	return u.c.Close()
}

// ResolvePeer resolves host:port to a single peer address.
func ResolvePeer(s string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve peer %q: %w", s, err)
	}
	ap := ua.AddrPort()
	if !ap.Addr().IsValid() || ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve peer %q: host and port required", s)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

var _ transport.DatagramConn = (*Conn)(nil)
