package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-cannelloni-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue label values.
const (
	QueueTx = "tx" // CAN -> UDP
	QueueRx = "rx" // UDP -> CAN
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the CAN link.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the CAN link.",
	})
	UDPRxDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_datagrams_total",
		Help: "Total UDP datagrams received.",
	})
	UDPTxDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_datagrams_total",
		Help: "Total UDP datagrams sent.",
	})
	UDPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_frames_total",
		Help: "Total CAN frames decoded from UDP datagrams.",
	})
	UDPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_frames_total",
		Help: "Total CAN frames encoded into UDP datagrams.",
	})
	QueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dropped_frames_total",
		Help: "Total CAN frames dropped because a bridge queue was full or no peer was known.",
	}, []string{"queue"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Frames waiting in a bridge queue at the last sample.",
	}, []string{"queue"})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_packets_total",
		Help: "Total rejected datagrams or frames (bad header, truncated, invalid length).",
	})
	PartialPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partial_packets_total",
		Help: "Total datagrams of which only a prefix of the frames could be decoded.",
	})
	ForeignDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreign_datagrams_total",
		Help: "Total datagrams ignored because they did not come from the peer.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrCANRead  = "can_read"
	ErrCANWrite = "can_write"
	ErrUDPRead  = "udp_read"
	ErrUDPWrite = "udp_write"
	ErrEncode   = "encode"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx     uint64
	localCANTx     uint64
	localUDPRx     uint64
	localUDPTx     uint64
	localUDPRxFr   uint64
	localUDPTxFr   uint64
	localTxDrop    uint64
	localRxDrop    uint64
	localMalformed uint64
	localPartial   uint64
	localForeign   uint64
	localErrors    uint64
	localTxDepth   uint64
	localRxDepth   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx        uint64
	CANTx        uint64
	UDPRx        uint64 // datagrams
	UDPTx        uint64 // datagrams
	UDPRxFrames  uint64
	UDPTxFrames  uint64
	TxDrops      uint64
	RxDrops      uint64
	Malformed    uint64
	Partial      uint64
	Foreign      uint64
	Errors       uint64 // sum across error labels
	TxQueueDepth uint64
	RxQueueDepth uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        atomic.LoadUint64(&localCANRx),
		CANTx:        atomic.LoadUint64(&localCANTx),
		UDPRx:        atomic.LoadUint64(&localUDPRx),
		UDPTx:        atomic.LoadUint64(&localUDPTx),
		UDPRxFrames:  atomic.LoadUint64(&localUDPRxFr),
		UDPTxFrames:  atomic.LoadUint64(&localUDPTxFr),
		TxDrops:      atomic.LoadUint64(&localTxDrop),
		RxDrops:      atomic.LoadUint64(&localRxDrop),
		Malformed:    atomic.LoadUint64(&localMalformed),
		Partial:      atomic.LoadUint64(&localPartial),
		Foreign:      atomic.LoadUint64(&localForeign),
		Errors:       atomic.LoadUint64(&localErrors),
		TxQueueDepth: atomic.LoadUint64(&localTxDepth),
		RxQueueDepth: atomic.LoadUint64(&localRxDepth),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

// IncUDPRx counts one received datagram carrying frames frames.
func IncUDPRx(frames int) {
	UDPRxDatagrams.Inc()
	UDPRxFrames.Add(float64(frames))
	atomic.AddUint64(&localUDPRx, 1)
	atomic.AddUint64(&localUDPRxFr, uint64(frames))
}

// IncUDPTx counts one sent datagram carrying frames frames.
func IncUDPTx(frames int) {
	UDPTxDatagrams.Inc()
	UDPTxFrames.Add(float64(frames))
	atomic.AddUint64(&localUDPTx, 1)
	atomic.AddUint64(&localUDPTxFr, uint64(frames))
}

// AddDropped counts n frames dropped on the given queue.
func AddDropped(queue string, n int) {
	QueueDropped.WithLabelValues(queue).Add(float64(n))
	if queue == QueueTx {
		atomic.AddUint64(&localTxDrop, uint64(n))
	} else {
		atomic.AddUint64(&localRxDrop, uint64(n))
	}
}

func IncMalformed() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncPartial() {
	PartialPackets.Inc()
	atomic.AddUint64(&localPartial, 1)
}

func IncForeign() {
	ForeignDatagrams.Inc()
	atomic.AddUint64(&localForeign, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of both queue depths.
func SetQueueDepth(tx, rx int) {
	QueueDepth.WithLabelValues(QueueTx).Set(float64(tx))
	QueueDepth.WithLabelValues(QueueRx).Set(float64(rx))
	atomic.StoreUint64(&localTxDepth, uint64(tx))
	atomic.StoreUint64(&localRxDepth, uint64(rx))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so the first error does not pay registration latency.
	for _, lbl := range []string{ErrCANRead, ErrCANWrite, ErrUDPRead, ErrUDPWrite, ErrEncode} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, q := range []string{QueueTx, QueueRx} {
		QueueDropped.WithLabelValues(q).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
