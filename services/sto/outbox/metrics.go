package outbox

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *dispatchMetrics
)

type dispatchMetrics struct {
	abandoned metric.Int64Counter
}

func outboxMetrics() *dispatchMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("confio/sto/outbox")
		counter, err := meter.Int64Counter("confio.outbox.abandoned",
			metric.WithDescription("Outbox events that exhausted their delivery attempts."))
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("confio/sto/outbox").Int64Counter("confio.outbox.abandoned")
		}
		sharedMetrics = &dispatchMetrics{abandoned: counter}
	})
	return sharedMetrics
}

func (m *dispatchMetrics) recordAbandoned(ctx context.Context, topic string) {
	if m == nil || m.abandoned == nil {
		return
	}
	m.abandoned.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
