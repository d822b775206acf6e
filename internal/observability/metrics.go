package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdnctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tdnctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	collectorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdnctl",
			Subsystem: "collector",
			Name:      "runs_total",
			Help:      "Collection runs by outcome.",
		},
		[]string{"outcome"},
	)
	collectorRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tdnctl",
			Subsystem: "collector",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a collection run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	collectorPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tdnctl",
			Subsystem: "collector",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each collector phase before the next one was reported.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	proxyBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdnctl",
			Subsystem: "wsproxy",
			Name:      "bytes_total",
			Help:      "Bytes forwarded by the websocket proxy.",
		},
		[]string{"direction"},
	)
	proxySessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdnctl",
			Subsystem: "wsproxy",
			Name:      "sessions_total",
			Help:      "Websocket proxy sessions by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			collectorRuns,
			collectorRunDuration,
			collectorPhaseDuration,
			proxyBytes,
			proxySessions,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCollectorRun(success bool, duration time.Duration) {
	RegisterMetrics()
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	collectorRuns.WithLabelValues(outcome).Inc()
	collectorRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordCollectorPhase(phase string, duration time.Duration) {
	RegisterMetrics()
	collectorPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func RecordProxyBytes(direction string, n int64) {
	RegisterMetrics()
	if n <= 0 {
		return
	}
	proxyBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordProxySession(success bool) {
	RegisterMetrics()
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	proxySessions.WithLabelValues(outcome).Inc()
}
