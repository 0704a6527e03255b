package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/cnl"
	"github.com/kstaniek/go-cannelloni-bridge/internal/metrics"
)

// maxUDPPayload is the largest datagram a UDP socket can deliver.
const maxUDPPayload = 65535

// canRxLoop reads frames from the link into the tx queue.
func (b *Bridge) canRxLoop(ctx context.Context) error {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		fr, ok, err := b.link.ReceiveFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wrap := fmt.Errorf("%w: %w", ErrCANRead, err)
			if isFatal(err) {
				return wrap
			}
			b.transient(ctx, "can_read_error", wrap, &bo)
			continue
		}
		bo.reset()
		if !ok {
			time.Sleep(idleYield)
			continue
		}
		b.totals.canRx.Add(1)
		metrics.IncCANRx()
		if err := fr.Validate(); err != nil {
			b.totals.malformed.Add(1)
			metrics.IncMalformed()
			b.logger.Debug("can_frame_invalid", "can_id", canID(fr), "error", err)
			continue
		}
		if b.frameFilter != nil && !b.frameFilter(&fr) {
			continue
		}
		if !b.txq.Put(fr) {
			b.totals.txDropped.Add(1)
			metrics.AddDropped(metrics.QueueTx, 1)
			b.logger.Debug("tx_queue_full_drop", "can_id", canID(fr), "len", fr.Len)
		}
	}
}

// udpTxLoop drains the tx queue into datagrams for the peer.
//
// After the first frame it keeps taking frames that are already queued, up to
// batchSize, while the encoded datagram stays within maxDatagram. It never
// waits for more frames to fill a batch.
func (b *Bridge) udpTxLoop(ctx context.Context) error {
	batch := make([]can.Frame, 0, b.batchSize)
	var buf bytes.Buffer
	buf.Grow(b.maxDatagram)
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		fr, ok := b.txq.Take()
		if !ok {
			b.wait(ctx, b.txq.Signal())
			continue
		}
		batch = append(batch[:0], fr)
		size := cnl.HeaderSize + cnl.FrameSize(fr)
		for len(batch) < b.batchSize {
			next, ok := b.txq.Peek()
			if !ok || size+cnl.FrameSize(next) > b.maxDatagram {
				break
			}
			_, _ = b.txq.Take()
			batch = append(batch, next)
			size += cnl.FrameSize(next)
		}
		peer, ok := b.Peer()
		if !ok {
			b.totals.noPeer.Add(uint64(len(batch)))
			metrics.AddDropped(metrics.QueueTx, len(batch))
			b.logger.Debug("no_peer_drop", "frames", len(batch))
			continue
		}
		buf.Reset()
		seq := b.nextSeq()
		if _, err := b.codec.WritePacket(&buf, seq, batch); err != nil {
			metrics.IncError(metrics.ErrEncode)
			b.logger.Error("encode_error", "error", err, "frames", len(batch))
			continue
		}
		if err := b.conn.SendDatagram(buf.Bytes(), peer); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wrap := fmt.Errorf("%w: %w", ErrUDPWrite, err)
			if isFatal(err) {
				return wrap
			}
			b.transient(ctx, "udp_write_error", wrap, &bo)
			continue
		}
		bo.reset()
		b.totals.udpTx.Add(1)
		b.totals.udpTxFrames.Add(uint64(len(batch)))
		metrics.IncUDPTx(len(batch))
	}
}

// udpRxLoop decodes datagrams from the peer into the rx queue.
func (b *Bridge) udpRxLoop(ctx context.Context) error {
	buf := make([]byte, maxUDPPayload)
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, from, err := b.conn.ReceiveDatagram(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			wrap := fmt.Errorf("%w: %w", ErrUDPRead, err)
			if isFatal(err) {
				return wrap
			}
			b.transient(ctx, "udp_read_error", wrap, &bo)
			continue
		}
		bo.reset()
		if !b.fromPeer(from) {
			b.totals.foreign.Add(1)
			metrics.IncForeign()
			b.logger.Debug("foreign_datagram", "from", from, "len", n)
			continue
		}
		pkt, err := b.codec.DecodePacket(buf[:n])
		if err != nil {
			if !errors.Is(err, cnl.ErrPartial) {
				b.totals.malformed.Add(1)
				metrics.IncMalformed()
				b.logger.Debug("udp_malformed", "from", from, "len", n, "error", err)
				continue
			}
			b.totals.partial.Add(1)
			metrics.IncPartial()
			b.logger.Debug("udp_partial", "from", from, "frames", len(pkt.Frames), "error", err)
		}
		b.learnPeer(from)
		b.totals.udpRx.Add(1)
		b.totals.udpRxFrames.Add(uint64(len(pkt.Frames)))
		metrics.IncUDPRx(len(pkt.Frames))
		for _, fr := range pkt.Frames {
			if !b.rxq.Put(fr) {
				b.totals.rxDropped.Add(1)
				metrics.AddDropped(metrics.QueueRx, 1)
				b.logger.Debug("rx_queue_full_drop", "can_id", canID(fr), "len", fr.Len)
			}
		}
	}
}

// canTxLoop writes frames from the rx queue to the link. A frame the link
// refuses is dropped without backing off.
func (b *Bridge) canTxLoop(ctx context.Context) error {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		fr, ok := b.rxq.Take()
		if !ok {
			b.wait(ctx, b.rxq.Signal())
			continue
		}
		if err := fr.Validate(); err != nil {
			b.totals.malformed.Add(1)
			metrics.IncMalformed()
			b.logger.Debug("can_frame_invalid", "can_id", canID(fr), "error", err)
			continue
		}
		if err := b.link.SendFrame(fr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isRejected(err) {
				b.totals.malformed.Add(1)
				metrics.IncMalformed()
				b.logger.Debug("can_frame_rejected", "can_id", canID(fr), "error", err)
				continue
			}
			wrap := fmt.Errorf("%w: %w", ErrCANWrite, err)
			if isFatal(err) {
				return wrap
			}
			b.transient(ctx, "can_write_error", wrap, &bo)
			continue
		}
		bo.reset()
		b.totals.canTx.Add(1)
		metrics.IncCANTx()
	}
}
