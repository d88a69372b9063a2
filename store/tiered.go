package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultEvictFraction is the share of a full backend evicted before a retry.
const DefaultEvictFraction = 0.1

// Tiered is a two-tier store: a short-lived session tier in front of a
// persistent local tier. It is safe for concurrent use if its backends are.
type Tiered struct {
	session Backend
	local   Backend

	ttl           time.Duration
	evictFraction float64
	now           func() time.Time
	logger        *slog.Logger
	evictions     metric.Int64Counter
}

// Option configures a Tiered store.
type Option func(*tieredConfig)

type tieredConfig struct {
	ttl           time.Duration
	evictFraction float64
	now           func() time.Time
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

// WithTTL overrides DefaultTTL. Values outside (0, MaxTTL] are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *tieredConfig) {
		if ttl > 0 && ttl <= MaxTTL {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for time-mocked tests.
func WithClock(now func() time.Time) Option {
	return func(c *tieredConfig) {
		c.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *tieredConfig) {
		c.logger = logger
	}
}

// WithEvictFraction sets the share of records evicted on a quota error.
func WithEvictFraction(f float64) Option {
	return func(c *tieredConfig) {
		if f > 0 && f <= 1 {
			c.evictFraction = f
		}
	}
}

// WithMeterProvider enables eviction metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *tieredConfig) {
		c.meterProvider = mp
	}
}

// NewTiered builds a Tiered store. A nil session backend is replaced by a
// fresh Memory backend; local is required.
func NewTiered(session, local Backend, opts ...Option) (*Tiered, error) {
	if local == nil {
		return nil, fmt.Errorf("store: local tier backend is required")
	}
	if session == nil {
		session = NewMemory()
	}

	cfg := tieredConfig{
		ttl:           DefaultTTL,
		evictFraction: DefaultEvictFraction,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = noop.NewMeterProvider()
	}

	evictions, err := cfg.meterProvider.Meter("github.com/zero-day-ai/linkguard/store").Int64Counter(
		"linkguard.store.evictions",
		metric.WithDescription("Records evicted after a quota error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create eviction counter: %w", err)
	}

	return &Tiered{
		session:       session,
		local:         local,
		ttl:           cfg.ttl,
		evictFraction: cfg.evictFraction,
		now:           cfg.now,
		logger:        cfg.logger,
		evictions:     evictions,
	}, nil
}

// TTL returns the record lifetime applied by Set.
func (t *Tiered) TTL() time.Duration {
	return t.ttl
}

// Now returns the store clock's current time.
func (t *Tiered) Now() time.Time {
	return t.now()
}

// Get returns the live record under key, checking the session tier first.
// A record found only in the local tier is promoted into the session tier.
// Expired records are deleted from both tiers and reported as ErrNotFound.
func (t *Tiered) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	rec, err := t.read(ctx, t.session, key)
	switch {
	case err == nil:
		if rec.Expired(t.now()) {
			t.expire(ctx, key)
			return nil, ErrNotFound
		}
		return rec, nil
	case isContextErr(err):
		return nil, err
	case !errors.Is(err, ErrNotFound):
		// The session tier is a cache; fall through to the local tier.
		t.logger.Debug("session tier read failed", "key", key, "error", err)
	}

	rec, err = t.read(ctx, t.local, key)
	if err != nil {
		return nil, err
	}
	if rec.Expired(t.now()) {
		t.expire(ctx, key)
		return nil, ErrNotFound
	}

	if err := t.write(ctx, t.session, TierSession, *rec); err != nil {
		t.logger.Debug("session tier promotion failed", "key", key, "error", err)
	}
	return rec, nil
}

// Set stores value under key with a fresh StoredAt and ExpiresAt. The local
// tier is always written; TierSession additionally writes the session tier,
// whose failures are logged and not returned.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, tier Tier) error {
	if key == "" {
		return ErrInvalidKey
	}

	now := t.now()
	rec := Record{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(t.ttl),
	}

	if err := t.write(ctx, t.local, TierLocal, rec); err != nil {
		return err
	}

	if tier == TierSession {
		if err := t.write(ctx, t.session, TierSession, rec); err != nil {
			if isContextErr(err) {
				return err
			}
			t.logger.Warn("session tier write failed", "key", key, "error", err)
		}
	}
	return nil
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return errors.Join(
		t.retry(ctx, func() error { return t.session.Delete(ctx, key) }),
		t.retry(ctx, func() error { return t.local.Delete(ctx, key) }),
	)
}

// PurgeAll deletes every record whose key starts with prefix from both tiers
// and returns how many distinct keys were removed. An empty prefix is
// rejected so a missing scope can never wipe the whole store.
func (t *Tiered) PurgeAll(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, ErrInvalidKey
	}

	removed := make(map[string]struct{})
	var errs []error
	for _, b := range []Backend{t.session, t.local} {
		recs, err := t.list(ctx, b, prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rec := range recs {
			if err := t.retry(ctx, func() error { return b.Delete(ctx, rec.Key) }); err != nil {
				errs = append(errs, err)
				continue
			}
			removed[rec.Key] = struct{}{}
		}
	}
	return len(removed), errors.Join(errs...)
}

// Sweep eagerly deletes expired records from both tiers. Reads already
// enforce expiry, so Sweep only reclaims space.
func (t *Tiered) Sweep(ctx context.Context) (int, error) {
	now := t.now()
	swept := 0
	var errs []error
	for _, b := range []Backend{t.session, t.local} {
		recs, err := t.list(ctx, b, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rec := range recs {
			if !rec.Expired(now) {
				continue
			}
			if err := b.Delete(ctx, rec.Key); err != nil {
				errs = append(errs, err)
				continue
			}
			swept++
		}
	}
	return swept, errors.Join(errs...)
}

// Close closes both backends.
func (t *Tiered) Close() error {
	return errors.Join(t.session.Close(), t.local.Close())
}

// Backends returns the session and local backends.
func (t *Tiered) Backends() (session, local Backend) {
	return t.session, t.local
}

func (t *Tiered) read(ctx context.Context, b Backend, key string) (*Record, error) {
	var rec *Record
	err := t.retry(ctx, func() error {
		var err error
		rec, err = b.Get(ctx, key)
		return err
	})
	return rec, err
}

func (t *Tiered) list(ctx context.Context, b Backend, prefix string) ([]Record, error) {
	var recs []Record
	err := t.retry(ctx, func() error {
		var err error
		recs, err = b.List(ctx, prefix)
		return err
	})
	return recs, err
}

// write stores rec in b, evicting and retrying once on a quota error.
func (t *Tiered) write(ctx context.Context, b Backend, tier Tier, rec Record) error {
	err := t.retry(ctx, func() error { return b.Set(ctx, rec) })
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	evicted, evictErr := t.evictOldest(ctx, b)
	t.evictions.Add(ctx, int64(evicted), metric.WithAttributes(attribute.String("tier", tier.String())))
	t.logger.Warn("storage quota exceeded, evicted oldest records",
		"tier", tier.String(),
		"evicted", evicted,
		"error", evictErr)

	if err := t.retry(ctx, func() error { return b.Set(ctx, rec) }); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return fmt.Errorf("%s tier: %w", tier, ErrQuotaExceeded)
		}
		return err
	}
	return nil
}

// evictOldest deletes the oldest records by StoredAt.
func (t *Tiered) evictOldest(ctx context.Context, b Backend) (int, error) {
	recs, err := t.list(ctx, b, "")
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StoredAt.Before(recs[j].StoredAt)
	})

	n := int(float64(len(recs)) * t.evictFraction)
	if n < 1 {
		n = 1
	}

	evicted := 0
	var errs []error
	for _, rec := range recs[:n] {
		if err := b.Delete(ctx, rec.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
	}
	return evicted, errors.Join(errs...)
}

func (t *Tiered) expire(ctx context.Context, key string) {
	if err := t.Delete(ctx, key); err != nil {
		t.logger.Debug("lazy expiry delete failed", "key", key, "error", err)
	}
}

// retry runs op and repeats it once if the backend was unavailable.
func (t *Tiered) retry(ctx context.Context, op func() error) error {
	err := op()
	if !errors.Is(err, ErrUnavailable) {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return op()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
