package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attendsync"

var (
	once sync.Once

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of open hub connections.",
		},
	)

	envelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Count of envelopes received by action.",
		},
		[]string{"action"},
	)

	editsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_rejected_total",
			Help:      "Count of rejected attendance edits by reason.",
		},
		[]string{"reason"},
	)

	lockToggles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_toggles_total",
			Help:      "Count of accepted lock toggles by resulting status.",
		},
		[]string{"status"},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Count of envelopes broadcast to every connection by action.",
		},
		[]string{"action"},
	)

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "staged_flush_duration_seconds",
			Help:      "Time spent moving staged edits to the durable store.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	feedRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_feed_refresh_total",
			Help:      "Count of metrics feed refreshes by result.",
		},
		[]string{"result"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			connectedClients,
			envelopesReceived,
			editsRejected,
			lockToggles,
			broadcasts,
			flushDuration,
			feedRefreshes,
		)
	})
}

func IncConnected() {
	connectedClients.Inc()
}

func DecConnected() {
	connectedClients.Dec()
}

func IncEnvelope(action string) {
	envelopesReceived.WithLabelValues(action).Inc()
}

func IncEditRejected(reason string) {
	editsRejected.WithLabelValues(reason).Inc()
}

func IncLockToggle(status string) {
	lockToggles.WithLabelValues(status).Inc()
}

func IncBroadcast(action string) {
	broadcasts.WithLabelValues(action).Inc()
}

func ObserveFlush(d time.Duration) {
	flushDuration.Observe(d.Seconds())
}

func IncFeedRefresh(result string) {
	feedRefreshes.WithLabelValues(result).Inc()
}
