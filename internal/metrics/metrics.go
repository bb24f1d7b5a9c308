package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rounds_total",
			Help: "Upstream rounds by outcome",
		},
		[]string{"outcome"},
	)

	fragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_fragments_forwarded_total",
			Help: "Content deltas forwarded to clients",
		},
	)

	droppedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_frames_dropped_total",
			Help: "Upstream frames that did not carry a content delta and were dropped",
		},
	)

	resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_credential_resolutions_total",
			Help: "Credential resolutions by outcome",
		},
		[]string{"outcome"},
	)

	compactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_compactions_total",
			Help: "Summary compactions by result",
		},
		[]string{"result"},
	)

	logWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_log_writes_total",
			Help: "Conversation log upserts by result",
		},
		[]string{"result"},
	)

	roundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_round_duration_seconds",
			Help:    "Wall time of one upstream round",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Open client connections",
		},
	)

	initOnce sync.Once
)

// Init registers all collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			roundsTotal,
			fragmentsTotal,
			droppedFramesTotal,
			resolutionsTotal,
			compactionsTotal,
			logWritesTotal,
			roundDuration,
			activeConnections,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRound(outcome string, seconds float64) {
	roundsTotal.WithLabelValues(outcome).Inc()
	roundDuration.Observe(seconds)
}

func RecordFragment() { fragmentsTotal.Inc() }

func RecordDroppedFrame() { droppedFramesTotal.Inc() }

func RecordResolution(outcome string) {
	resolutionsTotal.WithLabelValues(outcome).Inc()
}

func RecordCompaction(result string) {
	compactionsTotal.WithLabelValues(result).Inc()
}

func RecordLogWrite(result string) {
	logWritesTotal.WithLabelValues(result).Inc()
}

func ConnectionOpened() { activeConnections.Inc() }

func ConnectionClosed() { activeConnections.Dec() }
