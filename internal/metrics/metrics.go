package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	BusTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "j1939_tx_packets_total",
		Help: "Total packets sent by the tool and confirmed on the bus.",
	})
	BusRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "j1939_rx_packets_total",
		Help: "Total packets received from other devices.",
	})
	EchoTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "j1939_echo_timeouts_total",
		Help: "Sends whose transmitted packet was never echoed back by the adapter.",
	})
	ImposterPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "j1939_imposter_packets_total",
		Help: "Received packets that used the tool's own source address.",
	})
	RxQueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rp1210_rx_queue_full_total",
		Help: "Reads that reported a full adapter receive queue.",
	})
	PortRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "port_rx_frames_total",
		Help: "Raw CAN frames read from a frame port.",
	}, []string{"port"})
	PortTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "port_tx_frames_total",
		Help: "Raw CAN frames written to a frame port.",
	}, []string{"port"})
	QueueCursors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_cursors",
		Help: "Live cursors on a broadcast queue at the last scan.",
	}, []string{"queue"})
	QueueBacklogMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_backlog_max",
		Help: "Largest unread backlog among cursors at the last scan.",
	}, []string{"queue"})
	QueueLeaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_cursor_leaks_total",
		Help: "Cursors whose unread backlog crossed the leak threshold.",
	}, []string{"queue"})
	MirrorRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_rx_frames_total",
		Help: "Total CAN frames received from mirror clients.",
	})
	MirrorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_tx_frames_total",
		Help: "Total CAN frames sent to mirror clients.",
	})
	MirrorActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_active_clients",
		Help: "Current number of connected mirror clients.",
	})
	MirrorRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_rejected_clients_total",
		Help: "Total mirror connection attempts rejected (e.g., max-clients).",
	})
	CaptureRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_records_total",
		Help: "Total packets written to the capture file.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad length, checksum, truncated, non-J1939).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrNativeSend     = "native_send"
	ErrNativeRead     = "native_read"
	ErrNativeCommand  = "native_command"
	ErrPollFatal      = "poll_fatal"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrMirrorSend     = "mirror_send"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrCapture        = "capture"
)

// Handler serves Prometheus metrics at /metrics and readiness at /ready.
func Handler() http.Handler {
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
	return mux
}

// StartHTTP runs Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
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
	localTx            uint64
	localRx            uint64
	localEchoTimeouts  uint64
	localImposter      uint64
	localRxQueueFull   uint64
	localPortRx        uint64
	localPortTx        uint64
	localLeaks         uint64
	localMirrorRx      uint64
	localMirrorTx      uint64
	localMirrorClients uint64
	localMirrorReject  uint64
	localCapture       uint64
	localErrors        uint64
	localMalformed     uint64
	localBacklogMax    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Tx            uint64
	Rx            uint64
	EchoTimeouts  uint64
	Imposter      uint64
	RxQueueFull   uint64
	PortRx        uint64
	PortTx        uint64
	CursorLeaks   uint64
	MirrorRx      uint64
	MirrorTx      uint64
	MirrorClients uint64
	MirrorRejects uint64
	Captured      uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
	BacklogMax    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Tx:            atomic.LoadUint64(&localTx),
		Rx:            atomic.LoadUint64(&localRx),
		EchoTimeouts:  atomic.LoadUint64(&localEchoTimeouts),
		Imposter:      atomic.LoadUint64(&localImposter),
		RxQueueFull:   atomic.LoadUint64(&localRxQueueFull),
		PortRx:        atomic.LoadUint64(&localPortRx),
		PortTx:        atomic.LoadUint64(&localPortTx),
		CursorLeaks:   atomic.LoadUint64(&localLeaks),
		MirrorRx:      atomic.LoadUint64(&localMirrorRx),
		MirrorTx:      atomic.LoadUint64(&localMirrorTx),
		MirrorClients: atomic.LoadUint64(&localMirrorClients),
		MirrorRejects: atomic.LoadUint64(&localMirrorReject),
		Captured:      atomic.LoadUint64(&localCapture),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
		BacklogMax:    atomic.LoadUint64(&localBacklogMax),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTx() {
	BusTxPackets.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	BusRxPackets.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncEchoTimeout() {
	EchoTimeouts.Inc()
	atomic.AddUint64(&localEchoTimeouts, 1)
}

func IncImposter() {
	ImposterPackets.Inc()
	atomic.AddUint64(&localImposter, 1)
}

func IncRxQueueFull() {
	RxQueueFull.Inc()
	atomic.AddUint64(&localRxQueueFull, 1)
}

// IncPortRx counts a raw frame read from the named port ("serial", "socketcan").
func IncPortRx(port string) {
	PortRxFrames.WithLabelValues(port).Inc()
	atomic.AddUint64(&localPortRx, 1)
}

func IncPortTx(port string) {
	PortTxFrames.WithLabelValues(port).Inc()
	atomic.AddUint64(&localPortTx, 1)
}

func IncMirrorRx() {
	MirrorRxFrames.Inc()
	atomic.AddUint64(&localMirrorRx, 1)
}

func AddMirrorTx(n int) {
	MirrorTxFrames.Add(float64(n))
	atomic.AddUint64(&localMirrorTx, uint64(n))
}

func SetMirrorClients(n int) {
	MirrorActiveClients.Set(float64(n))
	atomic.StoreUint64(&localMirrorClients, uint64(n))
}

func IncMirrorReject() {
	MirrorRejectedClients.Inc()
	atomic.AddUint64(&localMirrorReject, 1)
}

func IncCaptured() {
	CaptureRecords.Inc()
	atomic.AddUint64(&localCapture, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrNativeSend, ErrNativeRead, ErrNativeCommand, ErrPollFatal,
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrMirrorSend,
		ErrSerialWrite, ErrSerialRead, ErrSocketCANWrite, ErrSocketCANRead,
		ErrCapture,
	} {
		Errors.WithLabelValues(lbl).Add(0)
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
