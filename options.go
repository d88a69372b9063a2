package linkguard

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/linkguard/access"
	"github.com/zero-day-ai/linkguard/session"
	"github.com/zero-day-ai/linkguard/store"
	"github.com/zero-day-ai/linkguard/urlstate"
)

// Option configures a Guard.
type Option func(*guardConfig)

type guardConfig struct {
	logger           *slog.Logger
	tracer           trace.Tracer
	meterProvider    metric.MeterProvider
	store            *store.Tiered
	ownsStore        bool
	session          *session.Context
	checker          access.Checker
	secret           []byte
	refreshOnResolve bool
	legacyParams     map[string]string
	codec            *urlstate.Codec
	maxDepth         int
	unsafeDelay      time.Duration
	now              func() time.Time
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *guardConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer for registry spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *guardConfig) {
		c.tracer = tracer
	}
}

// WithMeterProvider enables registry and store metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *guardConfig) {
		c.meterProvider = mp
	}
}

// WithStore uses an existing tiered store. The caller keeps ownership and
// closes it; Guard.Close leaves it open.
func WithStore(st *store.Tiered) Option {
	return func(c *guardConfig) {
		c.store = st
		c.ownsStore = false
	}
}

// WithSession uses an existing session context. Without it the Guard starts
// an anonymous session.
func WithSession(s *session.Context) Option {
	return func(c *guardConfig) {
		c.session = s
	}
}

// WithAccessChecker sets the check run on every resolved frame before it is
// opened. Defaults to access.AllowAll.
func WithAccessChecker(checker access.Checker) Option {
	return func(c *guardConfig) {
		c.checker = checker
	}
}

// WithIntegritySecret sets the HMAC secret for integrity tags.
func WithIntegritySecret(secret []byte) Option {
	return func(c *guardConfig) {
		c.secret = secret
	}
}

// WithRefreshOnResolve extends a mapping's TTL whenever it resolves.
func WithRefreshOnResolve(enabled bool) Option {
	return func(c *guardConfig) {
		c.refreshOnResolve = enabled
	}
}

// WithLegacyParams maps legacy parameter names to entity types for
// migration.
func WithLegacyParams(params map[string]string) Option {
	return func(c *guardConfig) {
		c.legacyParams = params
	}
}

// WithCodec sets the URL codec.
func WithCodec(codec *urlstate.Codec) Option {
	return func(c *guardConfig) {
		c.codec = codec
	}
}

// WithMaxDepth lowers the nested reference limit.
func WithMaxDepth(n int) Option {
	return func(c *guardConfig) {
		c.maxDepth = n
	}
}

// WithUnsafeDelay sets how long the legacy "continue unsafe" choice is
// locked.
func WithUnsafeDelay(d time.Duration) Option {
	return func(c *guardConfig) {
		c.unsafeDelay = d
	}
}

// WithClock sets the time source for the default store and prompts.
func WithClock(now func() time.Time) Option {
	return func(c *guardConfig) {
		c.now = now
	}
}
