package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type actionMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	rechecks  *prometheus.CounterVec
	sessions  prometheus.Gauge
}

type chainMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	cache   *prometheus.CounterVec
}

var (
	actionMetricsOnce sync.Once
	actionRegistry    *actionMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *chainMetrics
)

// Actions returns the lazily-initialised registry recording prepare and submit
// activity per sponsored action.
func Actions() *actionMetrics {
	actionMetricsOnce.Do(func() {
		actionRegistry = &actionMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "sto",
				Name:      "requests_total",
				Help:      "Total orchestrator requests segmented by action, phase, and outcome.",
			}, []string{"action", "phase", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "sto",
				Name:      "errors_total",
				Help:      "Total orchestrator errors segmented by action, phase, and error kind.",
			}, []string{"action", "phase", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "confio",
				Subsystem: "sto",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for prepare and submit handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action", "phase"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "sto",
				Name:      "throttles_total",
				Help:      "Count of session messages rejected by throttling or quota policies.",
			}, []string{"reason"}),
			rechecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "sto",
				Name:      "rechecks_total",
				Help:      "Idempotent post-condition rechecks segmented by action and result.",
			}, []string{"action", "result"}),
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "confio",
				Subsystem: "sto",
				Name:      "sessions_active",
				Help:      "Number of connected session channels.",
			}),
		}
		prometheus.MustRegister(
			actionRegistry.requests,
			actionRegistry.errors,
			actionRegistry.latency,
			actionRegistry.throttles,
			actionRegistry.rechecks,
			actionRegistry.sessions,
		)
	})
	return actionRegistry
}

// Observe records the outcome of a prepare or submit. kind is empty on success.
func (m *actionMetrics) Observe(action, phase, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	action = labelOrUnknown(action)
	phase = labelOrUnknown(phase)
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(action, phase, kind).Inc()
	}
	m.requests.WithLabelValues(action, phase, outcome).Inc()
	m.latency.WithLabelValues(action, phase).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *actionMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// RecordRecheck counts a post-condition recheck result ("hit", "miss", "none").
func (m *actionMetrics) RecordRecheck(action, result string) {
	if m == nil {
		return
	}
	m.rechecks.WithLabelValues(labelOrUnknown(action), labelOrUnknown(result)).Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *actionMetrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *actionMetrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Chain returns the registry recording node and indexer access.
func Chain() *chainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &chainMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "chain",
				Name:      "calls_total",
				Help:      "Node and indexer calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "confio",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution of node and indexer calls.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"op"}),
			cache: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "chain",
				Name:      "cache_lookups_total",
				Help:      "Chain view cache lookups segmented by cache and result.",
			}, []string{"cache", "result"}),
		}
		prometheus.MustRegister(chainRegistry.calls, chainRegistry.latency, chainRegistry.cache)
	})
	return chainRegistry
}

// ObserveCall records a node call. err may be nil.
func (m *chainMetrics) ObserveCall(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(labelOrUnknown(op), outcome).Inc()
	m.latency.WithLabelValues(labelOrUnknown(op)).Observe(duration.Seconds())
}

// RecordCache counts a cache hit or miss.
func (m *chainMetrics) RecordCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(labelOrUnknown(cache), result).Inc()
}

func labelOrUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
