package registry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/zero-day-ai/linkguard/registry"

// otelMetrics holds the metric instruments for a Registry.
type otelMetrics struct {
	// registerCounter counts Register calls by outcome (issued, reused, error)
	registerCounter metric.Int64Counter

	// resolveCounter counts Resolve calls by outcome (resolved or a failure reason)
	resolveCounter metric.Int64Counter

	// purgeCounter counts records removed by PurgeScope
	purgeCounter metric.Int64Counter
}

func newOTelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &otelMetrics{}
	var err error

	m.registerCounter, err = meter.Int64Counter(
		"linkguard.register.count",
		metric.WithDescription("Number of identifier registrations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create register counter: %w", err)
	}

	m.resolveCounter, err = meter.Int64Counter(
		"linkguard.resolve.count",
		metric.WithDescription("Number of hash resolutions by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resolve counter: %w", err)
	}

	m.purgeCounter, err = meter.Int64Counter(
		"linkguard.purge.records",
		metric.WithDescription("Records removed by scope purges"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create purge counter: %w", err)
	}

	return m, nil
}

func (m *otelMetrics) recordRegister(ctx context.Context, entityType, outcome string) {
	m.registerCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity.type", entityType),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) recordResolve(ctx context.Context, outcome string) {
	m.resolveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *otelMetrics) recordPurge(ctx context.Context, n int) {
	m.purgeCounter.Add(ctx, int64(n))
}
