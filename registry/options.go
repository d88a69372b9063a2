package registry

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHashAttempts bounds regeneration after a hash collision.
const DefaultHashAttempts = 3

// Option configures a Registry.
type Option func(*config)

type config struct {
	logger           *slog.Logger
	tracer           trace.Tracer
	meterProvider    metric.MeterProvider
	refreshOnResolve bool
	hashAttempts     int
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer for register and resolve spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		c.tracer = tracer
	}
}

// WithMeterProvider enables register/resolve counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

// WithRefreshOnResolve extends an entry's TTL every time it resolves.
func WithRefreshOnResolve(enabled bool) Option {
	return func(c *config) {
		c.refreshOnResolve = enabled
	}
}

// WithHashAttempts sets how many hashes Register tries before giving up.
func WithHashAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.hashAttempts = n
		}
	}
}

// ResolveOption adjusts a single Resolve call.
type ResolveOption func(*resolveConfig)

type resolveConfig struct {
	expectedType string
	refresh      bool
}

// WithExpectedType makes Resolve fail unless the stored entity type matches.
// This keeps a hash issued for one kind of entity from rendering as another.
func WithExpectedType(entityType string) ResolveOption {
	return func(c *resolveConfig) {
		c.expectedType = entityType
	}
}

// WithRefresh extends the entry's TTL on a successful resolve.
func WithRefresh() ResolveOption {
	return func(c *resolveConfig) {
		c.refresh = true
	}
}
