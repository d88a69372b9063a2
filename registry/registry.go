package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/zero-day-ai/linkguard/hashgen"
	"github.com/zero-day-ai/linkguard/store"
)

// Registry maps hashes to entity identifiers for one scope provider.
//
// The registry holds no lock of its own; operations on the same hash are
// expected to be serialized by the caller.
type Registry struct {
	store   Store
	gen     *hashgen.Generator
	scope   ScopeProvider
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelMetrics

	refreshOnResolve bool
	hashAttempts     int
}

// New creates a Registry over st, issuing hashes with gen and scoping every
// record to scope.CurrentScopeKey().
func New(st Store, gen *hashgen.Generator, scope ScopeProvider, opts ...Option) (*Registry, error) {
	if st == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("registry: hash generator is required")
	}
	if scope == nil {
		return nil, fmt.Errorf("registry: scope provider is required")
	}

	cfg := config{hashAttempts: DefaultHashAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tracer == nil {
		cfg.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = noop.NewMeterProvider()
	}

	metrics, err := newOTelMetrics(cfg.meterProvider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		store:            st,
		gen:              gen,
		scope:            scope,
		logger:           cfg.logger,
		tracer:           cfg.tracer,
		metrics:          metrics,
		refreshOnResolve: cfg.refreshOnResolve,
		hashAttempts:     cfg.hashAttempts,
	}, nil
}

// Register returns the hash for (entityType, realKey) in the active scope,
// reusing a live mapping when one exists and issuing a new one otherwise.
//
// If the mapping cannot be persisted because storage is full even after
// eviction, Register returns the new hash together with an error matching
// store.ErrQuotaExceeded. The hash is usable for the current navigation but
// will not resolve later; callers should treat this as a warning.
func (r *Registry) Register(ctx context.Context, entityType, realKey string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "linkguard.register",
		trace.WithAttributes(attribute.String("entity.type", entityType)))
	defer span.End()

	if !ValidEntityType(entityType) || realKey == "" {
		span.SetStatus(codes.Error, "invalid reference")
		return "", ErrInvalidReference
	}
	scope := r.scope.CurrentScopeKey()
	if scope == "" {
		span.SetStatus(codes.Error, "no scope")
		return "", ErrNoScope
	}
	if !store.ValidScope(scope) {
		span.SetStatus(codes.Error, "invalid scope")
		return "", ErrInvalidScope
	}

	indexKey := store.Key(scope, indexSegment+r.gen.IndexTag(entityType, realKey))

	hash, err := r.lookupExisting(ctx, scope, indexKey, entityType, realKey)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if hash != "" {
		r.metrics.recordRegister(ctx, entityType, "reused")
		span.SetAttributes(attribute.Bool("linkguard.reused", true))
		return hash, nil
	}

	hash, err = r.allocate(ctx, scope, entityType, realKey)
	if err != nil {
		r.metrics.recordRegister(ctx, entityType, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	entry := r.newEntry(hash, entityType, realKey)
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("registry: encode entry: %w", err)
	}

	if err := r.store.Set(ctx, store.Key(scope, hash), data, store.TierSession); err != nil {
		r.metrics.recordRegister(ctx, entityType, "error")
		span.RecordError(err)
		if errors.Is(err, store.ErrQuotaExceeded) {
			r.logger.Warn("registry mapping not persisted, storage quota exceeded",
				"entity_type", entityType,
				"hash", hash)
			return hash, fmt.Errorf("registry: persist %s: %w", hash, err)
		}
		return "", fmt.Errorf("registry: persist %s: %w", hash, err)
	}

	if err := r.store.Set(ctx, indexKey, []byte(hash), store.TierSession); err != nil {
		// Without the index the next Register issues a fresh hash; the
		// mapping itself still resolves.
		if isContextErr(err) {
			return "", err
		}
		r.logger.Warn("registry index not persisted", "hash", hash, "error", err)
	}

	r.metrics.recordRegister(ctx, entityType, "issued")
	r.logger.Debug("registered entity reference", "entity_type", entityType, "hash", hash, "scope", scope)
	return hash, nil
}

// Resolve maps hash back to its identifier in the active scope.
//
// Every failure to produce a verified identifier returns ErrUnresolved; the
// only other error is the context's, when the caller abandons the lookup,
// in which case any late storage result is discarded.
func (r *Registry) Resolve(ctx context.Context, hash string, opts ...ResolveOption) (Reference, error) {
	var cfg resolveConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := r.tracer.Start(ctx, "linkguard.resolve",
		trace.WithAttributes(attribute.String("linkguard.hash", hash)))
	defer span.End()

	entry, reason, err := r.load(ctx, hash)
	if err != nil {
		span.RecordError(err)
		return Reference{}, err
	}
	if reason == "" && cfg.expectedType != "" && cfg.expectedType != entry.EntityType {
		reason = reasonTypeMismatch
	}
	if reason != "" {
		r.metrics.recordResolve(ctx, reason)
		span.SetAttributes(attribute.String("linkguard.unresolved_reason", reason))
		span.SetStatus(codes.Error, "unresolved")
		r.logger.Debug("hash unresolved", "hash", hash, "reason", reason)
		return Reference{}, ErrUnresolved
	}

	if cfg.refresh || r.refreshOnResolve {
		if err := r.persist(ctx, r.scope.CurrentScopeKey(), entry); err != nil {
			if isContextErr(err) {
				return Reference{}, err
			}
			r.logger.Warn("registry refresh failed", "hash", hash, "error", err)
		}
	}

	r.metrics.recordResolve(ctx, outcomeResolved)
	span.SetAttributes(attribute.String("entity.type", entry.EntityType))
	return entry.Reference(), nil
}

// Refresh extends the TTL of a live, verified entry. It returns
// ErrUnresolved if the hash does not resolve.
func (r *Registry) Refresh(ctx context.Context, hash string) error {
	entry, reason, err := r.load(ctx, hash)
	if err != nil {
		return err
	}
	if reason != "" {
		return ErrUnresolved
	}
	return r.persist(ctx, r.scope.CurrentScopeKey(), entry)
}

// PurgeScope deletes every record written under scopeKey and returns how
// many storage keys were removed. Other scopes are untouched.
func (r *Registry) PurgeScope(ctx context.Context, scopeKey string) (int, error) {
	if scopeKey == "" {
		return 0, ErrNoScope
	}
	if !store.ValidScope(scopeKey) {
		return 0, ErrInvalidScope
	}

	n, err := r.store.PurgeAll(ctx, store.ScopePrefix(scopeKey))
	r.metrics.recordPurge(ctx, n)
	r.logger.Info("purged registry scope", "scope", scopeKey, "records", n, "error", err)
	if err != nil {
		return n, fmt.Errorf("registry: purge scope: %w", err)
	}
	return n, nil
}

// ScopeKey returns the active scope key.
func (r *Registry) ScopeKey() string {
	return r.scope.CurrentScopeKey()
}

// load fetches and verifies the entry for hash. A non-empty reason means
// the hash is unresolved; err is only set for context cancellation.
func (r *Registry) load(ctx context.Context, hash string) (*Entry, string, error) {
	if !hashgen.Valid(hash) {
		return nil, reasonMalformed, nil
	}
	scope := r.scope.CurrentScopeKey()
	if scope == "" {
		return nil, reasonNoScope, nil
	}
	if !store.ValidScope(scope) {
		return nil, reasonBadScope, nil
	}

	key := store.Key(scope, hash)
	rec, err := r.store.Get(ctx, key)
	if cerr := ctx.Err(); cerr != nil {
		return nil, "", cerr
	}
	if err != nil {
		if isContextErr(err) {
			return nil, "", err
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, reasonNotFound, nil
		}
		r.logger.Warn("registry storage read failed", "hash", hash, "error", err)
		return nil, reasonStorage, nil
	}

	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil || entry.Hash != hash {
		r.discard(ctx, key)
		return nil, reasonCorrupt, nil
	}
	if !r.gen.Verify(entry.EntityType, entry.RealKey, entry.IntegrityTag) {
		r.logger.Warn("registry integrity check failed", "hash", hash, "scope", scope)
		r.discard(ctx, key)
		return nil, reasonIntegrity, nil
	}
	if !entry.Live(r.store.Now()) {
		r.discard(ctx, key)
		return nil, reasonExpired, nil
	}
	return &entry, "", nil
}

// lookupExisting returns the live hash recorded for the pair, or "".
func (r *Registry) lookupExisting(ctx context.Context, scope, indexKey, entityType, realKey string) (string, error) {
	rec, err := r.store.Get(ctx, indexKey)
	if cerr := ctx.Err(); cerr != nil {
		return "", cerr
	}
	if err != nil {
		if isContextErr(err) {
			return "", err
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("registry index read failed", "error", err)
		}
		return "", nil
	}

	hash := string(rec.Value)
	entry, reason, err := r.load(ctx, hash)
	if err != nil {
		return "", err
	}
	if reason != "" || entry.EntityType != entityType || entry.RealKey != realKey {
		return "", nil
	}
	return hash, nil
}

// allocate generates a hash that is not already in use in scope.
func (r *Registry) allocate(ctx context.Context, scope, entityType, realKey string) (string, error) {
	for attempt := 0; attempt < r.hashAttempts; attempt++ {
		hash, err := r.gen.Generate(entityType, realKey)
		if err != nil {
			return "", fmt.Errorf("registry: generate hash: %w", err)
		}

		_, err = r.store.Get(ctx, store.Key(scope, hash))
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		if errors.Is(err, store.ErrNotFound) {
			return hash, nil
		}
		if err != nil && !isContextErr(err) {
			// Storage cannot confirm uniqueness; at 62^12 a fresh hash is
			// unique with overwhelming probability.
			r.logger.Debug("registry collision check failed", "error", err)
			return hash, nil
		}
		r.logger.Warn("registry hash collision, regenerating", "attempt", attempt+1)
	}
	return "", ErrHashExhausted
}

func (r *Registry) newEntry(hash, entityType, realKey string) Entry {
	now := r.store.Now()
	return Entry{
		Hash:         hash,
		EntityType:   entityType,
		RealKey:      realKey,
		StoredAt:     now,
		ExpiresAt:    now.Add(r.store.TTL()),
		IntegrityTag: r.gen.IntegrityTag(entityType, realKey),
	}
}

// persist rewrites entry and its index with a fresh TTL.
func (r *Registry) persist(ctx context.Context, scope string, entry *Entry) error {
	fresh := r.newEntry(entry.Hash, entry.EntityType, entry.RealKey)
	data, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}
	if err := r.store.Set(ctx, store.Key(scope, entry.Hash), data, store.TierSession); err != nil {
		return err
	}
	indexKey := store.Key(scope, indexSegment+r.gen.IndexTag(entry.EntityType, entry.RealKey))
	return r.store.Set(ctx, indexKey, []byte(entry.Hash), store.TierSession)
}

func (r *Registry) discard(ctx context.Context, key string) {
	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Debug("registry discard failed", "error", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
