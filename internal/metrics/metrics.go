package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kubilitics/kubilitics-pka/internal/models"
)

// Live status client metrics
var (
	// Stream metrics
	StreamConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pka_stream_connection_state",
			Help: "Current connection state per endpoint (1 for the active state, 0 otherwise)",
		},
		[]string{"endpoint", "state"},
	)

	StreamReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pka_stream_reconnects_total",
			Help: "Total number of reconnect attempts scheduled",
		},
		[]string{"endpoint"},
	)

	StreamFallbackActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pka_stream_fallback_activations_total",
			Help: "Total number of times a feed entered polling fallback",
		},
		[]string{"endpoint"},
	)

	StreamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pka_stream_frames_total",
			Help: "Total number of frames received, by normalization result",
		},
		[]string{"result"}, // accepted, duplicate, malformed
	)

	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pka_stream_subscribers",
			Help: "Number of active subscribers per endpoint",
		},
		[]string{"endpoint"},
	)

	// Snapshot metrics
	SnapshotFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pka_snapshot_fetches_total",
			Help: "Total number of snapshot fetches",
		},
		[]string{"feed", "status"},
	)

	SnapshotFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pka_snapshot_fetch_duration_seconds",
			Help:    "Snapshot fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"feed"},
	)

	PollerPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pka_poller_polls_total",
			Help: "Total number of fallback polls issued",
		},
		[]string{"feed"},
	)

	// Gateway metrics
	GatewayWebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pka_gateway_websocket_clients",
			Help: "Number of dashboard clients attached to the gateway live feed",
		},
	)

	ScanRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pka_scan_requests_total",
			Help: "Total number of manual scan requests",
		},
		[]string{"status"}, // accepted, throttled, error
	)
)

var allStates = []models.ConnectionState{
	models.StateIdle,
	models.StateConnecting,
	models.StateConnected,
	models.StateReconnecting,
	models.StateFallback,
}

// SetConnectionState marks state as the only active state for endpoint.
func SetConnectionState(endpoint string, state models.ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		StreamConnectionState.WithLabelValues(endpoint, string(s)).Set(v)
	}
}

// RecordSnapshotFetch records a snapshot fetch outcome.
func RecordSnapshotFetch(feed string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SnapshotFetchesTotal.WithLabelValues(feed, status).Inc()
	SnapshotFetchDuration.WithLabelValues(feed).Observe(seconds)
}
