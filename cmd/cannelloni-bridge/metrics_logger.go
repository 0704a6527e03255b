package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/metrics"
)

const depthSampleInterval = time.Second

// startMetricsLogger samples queue depths into the metrics gauges and, when
// interval > 0, logs a counter snapshot every interval.
func startMetricsLogger(ctx context.Context, interval time.Duration, depth func() (int, int), l *slog.Logger, wg *sync.WaitGroup) {
	every := interval
	if every <= 0 {
		every = depthSampleInterval
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				metrics.SetQueueDepth(depth())
				if interval <= 0 {
					continue
				}
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"udp_rx", snap.UDPRx,
					"udp_tx", snap.UDPTx,
					"udp_rx_frames", snap.UDPRxFrames,
					"udp_tx_frames", snap.UDPTxFrames,
					"tx_drops", snap.TxDrops,
					"rx_drops", snap.RxDrops,
					"malformed", snap.Malformed,
					"partial", snap.Partial,
					"foreign", snap.Foreign,
					"tx_depth", snap.TxQueueDepth,
					"rx_depth", snap.RxQueueDepth,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
