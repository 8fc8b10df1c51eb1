package turn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	turns    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	m, err := buildMetrics(meter)
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter("studychat"))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	turns, err := meter.Int64Counter(
		"studychat.turns",
		metric.WithDescription("Completed chat turns by outcome"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"studychat.step.failures",
		metric.WithDescription("Failed turn steps"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"studychat.turn.duration",
		metric.WithDescription("Turn duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{turns: turns, failures: failures, duration: duration}, nil
}

func (m *metrics) stepFailed(ctx context.Context, step State) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.String())))
}

func (m *metrics) turnDone(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turns.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}
