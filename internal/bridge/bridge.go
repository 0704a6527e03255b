// Package bridge moves CAN frames between a CAN link and a cannelloni UDP peer.
//
// A Bridge runs four stages: CAN receive feeds the tx queue, UDP transmit
// batches it into datagrams, UDP receive decodes datagrams into the rx queue
// and CAN transmit writes those frames to the link. Queues never block their
// producer; frames that do not fit are dropped and counted.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/cnl"
	"github.com/kstaniek/go-cannelloni-bridge/internal/logging"
	"github.com/kstaniek/go-cannelloni-bridge/internal/metrics"
	"github.com/kstaniek/go-cannelloni-bridge/internal/ring"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

const (
	DefaultQueueSize   = 64
	DefaultBatchSize   = 16
	DefaultMaxDatagram = 1472 // Ethernet MTU minus IPv4 and UDP headers
	defaultIdleWait    = 10 * time.Millisecond

	// smallest datagram that still fits one full FD frame
	minDatagram = cnl.HeaderSize + cnl.FrameHeaderSize + can.MaxFDLen
	// yield after a CAN receive that returned nothing without blocking
	idleYield = 100 * time.Microsecond
)

// Stats are per-session totals.
type Stats struct {
	CANRx         uint64 // frames read from the link
	CANTx         uint64 // frames written to the link
	UDPRx         uint64 // datagrams accepted from the peer
	UDPTx         uint64 // datagrams sent
	UDPRxFrames   uint64
	UDPTxFrames   uint64
	TxDropped     uint64 // tx queue full
	RxDropped     uint64 // rx queue full
	Malformed     uint64
	Partial       uint64
	Foreign       uint64
	NoPeerDropped uint64
}

type counters struct {
	canRx, canTx                atomic.Uint64
	udpRx, udpTx                atomic.Uint64
	udpRxFrames, udpTxFrames    atomic.Uint64
	txDropped, rxDropped        atomic.Uint64
	malformed, partial, foreign atomic.Uint64
	noPeer                      atomic.Uint64
}

// Bridge is one bridging session. It owns both queues and both handles.
type Bridge struct {
	link  transport.CanLink
	conn  transport.DatagramConn
	codec cnl.Codec

	txq *ring.Queue[can.Frame] // CAN -> UDP
	rxq *ring.Queue[can.Frame] // UDP -> CAN

	txSize      int
	rxSize      int
	batchSize   int
	maxDatagram int
	idleWait    time.Duration
	frameFilter func(*can.Frame) bool
	logger      *slog.Logger

	configuredPeer netip.AddrPort
	peer           atomic.Pointer[netip.AddrPort]
	seq            atomic.Uint32 // low 8 bits are the next sequence number

	started   atomic.Bool
	running   atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	fatalOnce sync.Once
	fatalErr  error
	wg        sync.WaitGroup
	totals    counters
}

type Option func(*Bridge)

func WithLink(l transport.CanLink) Option      { return func(b *Bridge) { b.link = l } }
func WithConn(c transport.DatagramConn) Option { return func(b *Bridge) { b.conn = c } }
func WithPeer(p netip.AddrPort) Option         { return func(b *Bridge) { b.configuredPeer = p } }
func WithFrameFilter(fn func(*can.Frame) bool) Option {
	return func(b *Bridge) { b.frameFilter = fn }
}

// WithTxQueueSize sets how many frames may wait for the UDP side.
func WithTxQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.txSize = n
		}
	}
}

// WithRxQueueSize sets how many frames may wait for the CAN side.
func WithRxQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.rxSize = n
		}
	}
}

// WithBatchSize caps frames per datagram (1..255).
func WithBatchSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.batchSize = min(n, cnl.MaxCount)
		}
	}
}

// WithMaxDatagram caps the encoded datagram size in bytes.
func WithMaxDatagram(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxDatagram = max(n, minDatagram)
		}
	}
}

// WithIdleWait bounds how long a transmit stage sleeps on an empty queue.
func WithIdleWait(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.idleWait = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New builds a session. A link and a conn are required.
func New(opts ...Option) (*Bridge, error) {
	b := &Bridge{
		txSize:      DefaultQueueSize,
		rxSize:      DefaultQueueSize,
		batchSize:   DefaultBatchSize,
		maxDatagram: DefaultMaxDatagram,
		idleWait:    defaultIdleWait,
		readyCh:     make(chan struct{}),
		errCh:       make(chan error, 1),
		logger:      logging.For("bridge"),
	}
	for _, o := range opts {
		o(b)
	}
	if b.link == nil {
		return nil, ErrNoLink
	}
	if b.conn == nil {
		return nil, ErrNoConn
	}
	b.txq = ring.New[can.Frame](b.txSize + 1)
	b.rxq = ring.New[can.Frame](b.rxSize + 1)
	if b.configuredPeer.IsValid() {
		p := b.configuredPeer
		b.peer.Store(&p)
	}
	return b, nil
}

func (b *Bridge) Ready() <-chan struct{} { return b.readyCh }
func (b *Bridge) Errors() <-chan error   { return b.errCh }
func (b *Bridge) Running() bool          { return b.running.Load() }

// Sequence returns the number the next datagram will carry.
func (b *Bridge) Sequence() uint8 { return uint8(b.seq.Load()) }

// Peer returns the configured or learned peer.
func (b *Bridge) Peer() (netip.AddrPort, bool) {
	if p := b.peer.Load(); p != nil {
		return *p, true
	}
	return netip.AddrPort{}, false
}

// QueueDepth returns the frames waiting in the tx and rx queues.
func (b *Bridge) QueueDepth() (tx, rx int) { return b.txq.Len(), b.rxq.Len() }

func (b *Bridge) Stats() Stats {
	t := &b.totals
	return Stats{
		CANRx:         t.canRx.Load(),
		CANTx:         t.canTx.Load(),
		UDPRx:         t.udpRx.Load(),
		UDPTx:         t.udpTx.Load(),
		UDPRxFrames:   t.udpRxFrames.Load(),
		UDPTxFrames:   t.udpTxFrames.Load(),
		TxDropped:     t.txDropped.Load(),
		RxDropped:     t.rxDropped.Load(),
		Malformed:     t.malformed.Load(),
		Partial:       t.partial.Load(),
		Foreign:       t.foreign.Load(),
		NoPeerDropped: t.noPeer.Load(),
	}
}

func (b *Bridge) setError(err error) {
	if err == nil {
		return
	}
	b.lastErrMu.Lock()
	b.lastErr = err
	b.lastErrMu.Unlock()
	select {
	case b.errCh <- err:
	default:
	}
}

func (b *Bridge) LastError() error { b.lastErrMu.Lock(); defer b.lastErrMu.Unlock(); return b.lastErr }

// Run starts the stages and blocks until ctx is cancelled or a stage hits a
// fatal transport error. On return every stage has exited and the link and
// conn are closed. The result is the first fatal error, or nil.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.running.Store(true)
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"can_rx", b.canRxLoop},
		{"udp_tx", b.udpTxLoop},
		{"udp_rx", b.udpRxLoop},
		{"can_tx", b.canTxLoop},
	}
	b.wg.Add(len(stages))
	for _, st := range stages {
		st := st
		go func() {
			defer b.wg.Done()
			if err := st.fn(ctx); err != nil {
				b.fail(err)
				cancel()
			}
			b.logger.Debug("stage_end", "stage", st.name)
		}()
	}
	peer, _ := b.Peer()
	b.logger.Info("bridge_started", "peer", peer, "tx_queue", b.txSize, "rx_queue", b.rxSize, "batch", b.batchSize, "max_datagram", b.maxDatagram)
	b.readyOnce.Do(func() { close(b.readyCh) })

	b.wg.Wait()
	b.running.Store(false)
	discardedTx := b.txq.Drain(nil)
	discardedRx := b.rxq.Drain(nil)
	if err := b.link.Close(); err != nil {
		b.logger.Debug("can_close_error", "error", err)
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Debug("udp_close_error", "error", err)
	}
	st := b.Stats()
	b.logger.Info("shutdown_summary", "can_rx", st.CANRx, "can_tx", st.CANTx, "udp_rx", st.UDPRx, "udp_tx", st.UDPTx, "tx_dropped", st.TxDropped, "rx_dropped", st.RxDropped, "no_peer_dropped", st.NoPeerDropped, "malformed", st.Malformed, "partial", st.Partial, "foreign", st.Foreign, "discarded_tx", discardedTx, "discarded_rx", discardedRx)
	return b.fatalErr
}

func (b *Bridge) fail(err error) {
	metrics.IncError(mapErrToMetric(err))
	b.setError(err)
	b.fatalOnce.Do(func() {
		b.fatalErr = err
		b.logger.Error("bridge_fatal", "error", err)
	})
}

// transient records a recoverable transport error and backs off.
func (b *Bridge) transient(ctx context.Context, event string, err error, bo *backoff) {
	metrics.IncError(mapErrToMetric(err))
	b.setError(err)
	b.logger.Warn(event, "error", err, "backoff", bo.current())
	bo.sleep(ctx)
}

// learnPeer adopts from as the peer if none is known yet.
func (b *Bridge) learnPeer(from netip.AddrPort) {
	p := from
	if b.peer.CompareAndSwap(nil, &p) {
		b.logger.Info("peer_learned", "peer", from)
	}
}

// fromPeer reports whether a datagram source is acceptable. Without a known
// peer any source is accepted; once a peer is fixed other sources are foreign.
// Senders to a multicast peer group use their own unicast address, so any
// source is accepted for a multicast peer.
func (b *Bridge) fromPeer(from netip.AddrPort) bool {
	p, ok := b.Peer()
	return !ok || p == from || p.Addr().IsMulticast()
}

func (b *Bridge) nextSeq() uint8 { return uint8(b.seq.Add(1) - 1) }

// wait blocks until sig fires, the idle wait elapses or ctx is done.
func (b *Bridge) wait(ctx context.Context, sig <-chan struct{}) {
	t := time.NewTimer(b.idleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-sig:
	case <-t.C:
	}
}

func canID(fr can.Frame) string { return fmt.Sprintf("0x%X", fr.CANID) }
