package bridge

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/metrics"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrCANRead  = errors.New("can_read")
	ErrCANWrite = errors.New("can_write")
	ErrUDPRead  = errors.New("udp_read")
	ErrUDPWrite = errors.New("udp_write")
	ErrNoLink   = errors.New("no_can_link")
	ErrNoConn   = errors.New("no_datagram_conn")
)

// Backoff bounds for transient transport errors.
const (
	backoffMin = 20 * time.Millisecond
	backoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = sleepCtx

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrCANRead):
		return metrics.ErrCANRead
	case errors.Is(err, ErrCANWrite):
		return metrics.ErrCANWrite
	case errors.Is(err, ErrUDPRead):
		return metrics.ErrUDPRead
	case errors.Is(err, ErrUDPWrite):
		return metrics.ErrUDPWrite
	default:
		return "other"
	}
}

// isFatal reports errors after which a handle can never be used again.
func isFatal(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, transport.ErrClosed) || errors.Is(err, fs.ErrClosed) {
		return true
	}
	var perr *os.PathError
	return errors.As(err, &perr)
}

// isRejected reports a link refusing one frame it cannot carry.
func isRejected(err error) bool {
	return errors.Is(err, transport.ErrUnsupported) || errors.Is(err, can.ErrInvalidLength) || errors.Is(err, can.ErrInvalidID)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type backoff struct{ d time.Duration }

func newBackoff() backoff { return backoff{d: backoffMin} }

func (b *backoff) current() time.Duration { return b.d }

func (b *backoff) sleep(ctx context.Context) {
	sleepFn(ctx, b.d)
	b.d *= 2
	if b.d > backoffMax {
		b.d = backoffMax
	}
}

func (b *backoff) reset() { b.d = backoffMin }
