package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transitions *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking intent transitions and their
// post-commit deliveries.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "events",
				Name:      "transitions_total",
				Help:      "Count of committed intent transitions segmented by intent kind and target status.",
			}, []string{"kind", "status"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "confio",
				Subsystem: "events",
				Name:      "outbox_deliveries_total",
				Help:      "Outbox deliveries segmented by event type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(eventRegistry.transitions, eventRegistry.deliveries)
	})
	return eventRegistry
}

// RecordTransition increments the transition counter.
func (m *eventMetrics) RecordTransition(kind, status string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(status))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transitions.WithLabelValues(labelOrUnknown(kind), normalized).Inc()
}

// RecordDelivery counts an outbox delivery attempt.
func (m *eventMetrics) RecordDelivery(eventType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	m.deliveries.WithLabelValues(labelOrUnknown(eventType), outcome).Inc()
}
