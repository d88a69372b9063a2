package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zero-day-ai/linkguard/hashgen"
	"github.com/zero-day-ai/linkguard/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// zeroReader yields only zero bytes, so every generated hash is "000000000000".
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	clock *fakeClock
	store *store.Tiered
	local *store.Memory
	gen   *hashgen.Generator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	local := store.NewMemory()
	tiered, err := store.NewTiered(store.NewMemory(), local, store.WithClock(clock.Now))
	require.NoError(t, err)
	gen, err := hashgen.New(hashgen.WithSecret(testSecret))
	require.NoError(t, err)
	return &fixture{clock: clock, store: tiered, local: local, gen: gen}
}

func (f *fixture) registry(t *testing.T, scope string, opts ...Option) *Registry {
	t.Helper()
	reg, err := New(f.store, f.gen, StaticScope(scope), opts...)
	require.NoError(t, err)
	return reg
}

func TestNew(t *testing.T) {
	f := newFixture(t)

	t.Run("requires store", func(t *testing.T) {
		_, err := New(nil, f.gen, StaticScope("s"))
		assert.Error(t, err)
	})

	t.Run("requires generator", func(t *testing.T) {
		_, err := New(f.store, nil, StaticScope("s"))
		assert.Error(t, err)
	})

	t.Run("requires scope", func(t *testing.T) {
		_, err := New(f.store, f.gen, nil)
		assert.Error(t, err)
	})
}

func TestRegisterResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, "scope-a")

	hash, err := reg.Register(ctx, "asset", "user@example.com")
	require.NoError(t, err)
	assert.True(t, hashgen.Valid(hash))
	assert.NotContains(t, hash, "user")

	ref, err := reg.Resolve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "asset", ref.EntityType)
	assert.Equal(t, "user@example.com", ref.RealKey)

	t.Run("register is idempotent while live", func(t *testing.T) {
		again, err := reg.Register(ctx, "asset", "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, hash, again)
	})

	t.Run("different type gets a different hash", func(t *testing.T) {
		other, err := reg.Register(ctx, "user", "user@example.com")
		require.NoError(t, err)
		assert.NotEqual(t, hash, other)
	})

	t.Run("expected type matches", func(t *testing.T) {
		_, err := reg.Resolve(ctx, hash, WithExpectedType("asset"))
		assert.NoError(t, err)
	})

	t.Run("expected type mismatch is unresolved", func(t *testing.T) {
		_, err := reg.Resolve(ctx, hash, WithExpectedType("user"))
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("real key never appears in storage keys", func(t *testing.T) {
		recs, err := f.local.List(ctx, "")
		require.NoError(t, err)
		for _, rec := range recs {
			assert.NotContains(t, rec.Key, "user@example.com")
		}
	})
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("empty real key", func(t *testing.T) {
		_, err := f.registry(t, "s").Register(ctx, "asset", "")
		assert.ErrorIs(t, err, ErrInvalidReference)
	})

	t.Run("empty entity type", func(t *testing.T) {
		_, err := f.registry(t, "s").Register(ctx, "", "k")
		assert.ErrorIs(t, err, ErrInvalidReference)
	})

	t.Run("no scope", func(t *testing.T) {
		_, err := f.registry(t, "").Register(ctx, "asset", "k")
		assert.ErrorIs(t, err, ErrNoScope)
	})

	for _, entityType := range []string{"Asset", "1asset", "as set", "asset:x", strings.Repeat("a", 33)} {
		t.Run("entity type "+entityType, func(t *testing.T) {
			_, err := f.registry(t, "s").Register(ctx, entityType, "k")
			assert.ErrorIs(t, err, ErrInvalidReference)
		})
	}

	t.Run("entity types the codec accepts", func(t *testing.T) {
		for _, entityType := range []string{"a", "asset", "user_account", "db-host2"} {
			_, err := f.registry(t, "s").Register(ctx, entityType, "k")
			assert.NoError(t, err, entityType)
		}
	})
}

func TestScopeSeparator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent := f.registry(t, "tenant")
	child := f.registry(t, "tenant"+store.KeySeparator+"imp")
	sibling := f.registry(t, "tenant-imp")

	_, err := child.Register(ctx, "asset", "k-child")
	assert.ErrorIs(t, err, ErrInvalidScope)
	assert.Equal(t, 0, f.local.Len(), "nothing written for an ambiguous scope")

	_, err = parent.PurgeScope(ctx, "tenant"+store.KeySeparator+"imp")
	assert.ErrorIs(t, err, ErrInvalidScope)

	hp, err := parent.Register(ctx, "asset", "k-parent")
	require.NoError(t, err)
	hs, err := sibling.Register(ctx, "asset", "k-sibling")
	require.NoError(t, err)

	_, err = child.Resolve(ctx, hp)
	assert.ErrorIs(t, err, ErrUnresolved)

	n, err := parent.PurgeScope(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = parent.Resolve(ctx, hp)
	assert.ErrorIs(t, err, ErrUnresolved)
	ref, err := sibling.Resolve(ctx, hs)
	require.NoError(t, err)
	assert.Equal(t, "k-sibling", ref.RealKey)
}

func TestResolveUnresolved(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		hash string
	}{
		{name: "unknown hash", hash: "AAAAAAAAAAAA"},
		{name: "too short", hash: "abc"},
		{name: "bad alphabet", hash: "abc-def_ghi!"},
		{name: "empty", hash: ""},
	}

	f := newFixture(t)
	reg := f.registry(t, "scope-a")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Resolve(ctx, tt.hash)
			assert.ErrorIs(t, err, ErrUnresolved)
		})
	}
}

func TestResolveExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, "scope-a")

	hash, err := reg.Register(ctx, "asset", "k1")
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	_, err = reg.Resolve(ctx, hash)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = reg.Resolve(ctx, hash)
	assert.ErrorIs(t, err, ErrUnresolved)

	_, err = f.local.Get(ctx, store.Key("scope-a", hash))
	assert.ErrorIs(t, err, store.ErrNotFound, "expired record is deleted on read")

	again, err := reg.Register(ctx, "asset", "k1")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "expired mapping is replaced")
}

func TestResolveRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("per call", func(t *testing.T) {
		reg := f.registry(t, "scope-r1")
		hash, err := reg.Register(ctx, "asset", "k1")
		require.NoError(t, err)

		f.clock.Advance(50 * time.Minute)
		_, err = reg.Resolve(ctx, hash, WithRefresh())
		require.NoError(t, err)

		f.clock.Advance(50 * time.Minute)
		_, err = reg.Resolve(ctx, hash)
		assert.NoError(t, err)
	})

	t.Run("on every resolve", func(t *testing.T) {
		reg := f.registry(t, "scope-r2", WithRefreshOnResolve(true))
		hash, err := reg.Register(ctx, "asset", "k1")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			f.clock.Advance(40 * time.Minute)
			_, err = reg.Resolve(ctx, hash)
			require.NoError(t, err)
		}
	})

	t.Run("explicit refresh", func(t *testing.T) {
		reg := f.registry(t, "scope-r3")
		hash, err := reg.Register(ctx, "asset", "k1")
		require.NoError(t, err)

		f.clock.Advance(50 * time.Minute)
		require.NoError(t, reg.Refresh(ctx, hash))
		f.clock.Advance(50 * time.Minute)
		_, err = reg.Resolve(ctx, hash)
		assert.NoError(t, err)

		assert.ErrorIs(t, reg.Refresh(ctx, "AAAAAAAAAAAA"), ErrUnresolved)
	})
}

func TestResolveTampered(t *testing.T) {
	ctx := context.Background()

	tamper := func(t *testing.T, f *fixture, key string, edit func(e *Entry)) {
		t.Helper()
		rec, err := f.store.Get(ctx, key)
		require.NoError(t, err)
		var e Entry
		require.NoError(t, json.Unmarshal(rec.Value, &e))
		edit(&e)
		data, err := json.Marshal(e)
		require.NoError(t, err)
		require.NoError(t, f.store.Set(ctx, key, data, store.TierSession))
	}

	tests := []struct {
		name string
		edit func(e *Entry)
	}{
		{name: "real key changed", edit: func(e *Entry) { e.RealKey = "admin@example.com" }},
		{name: "entity type changed", edit: func(e *Entry) { e.EntityType = "user" }},
		{name: "tag changed", edit: func(e *Entry) { e.IntegrityTag = "00000000000000000000000000000000" }},
		{name: "hash changed", edit: func(e *Entry) { e.Hash = "BBBBBBBBBBBB" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			reg := f.registry(t, "scope-a")
			hash, err := reg.Register(ctx, "asset", "user@example.com")
			require.NoError(t, err)

			key := store.Key("scope-a", hash)
			tamper(t, f, key, tt.edit)

			_, err = reg.Resolve(ctx, hash)
			assert.ErrorIs(t, err, ErrUnresolved)

			_, err = f.store.Get(ctx, key)
			assert.ErrorIs(t, err, store.ErrNotFound, "tampered record is discarded")
		})
	}

	t.Run("garbage value", func(t *testing.T) {
		f := newFixture(t)
		reg := f.registry(t, "scope-a")
		key := store.Key("scope-a", "CCCCCCCCCCCC")
		require.NoError(t, f.store.Set(ctx, key, []byte("{not json"), store.TierSession))

		_, err := reg.Resolve(ctx, "CCCCCCCCCCCC")
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("different secret", func(t *testing.T) {
		f := newFixture(t)
		hash, err := f.registry(t, "scope-a").Register(ctx, "asset", "k")
		require.NoError(t, err)

		otherGen, err := hashgen.New(hashgen.WithSecret([]byte("ffffffffffffffffffffffffffffffff")))
		require.NoError(t, err)
		other, err := New(f.store, otherGen, StaticScope("scope-a"))
		require.NoError(t, err)

		_, err = other.Resolve(ctx, hash)
		assert.ErrorIs(t, err, ErrUnresolved)
	})
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.registry(t, "scope-a")
	b := f.registry(t, "scope-b")

	ha, err := a.Register(ctx, "asset", "k1")
	require.NoError(t, err)
	hb, err := b.Register(ctx, "asset", "k2")
	require.NoError(t, err)

	_, err = b.Resolve(ctx, ha)
	assert.ErrorIs(t, err, ErrUnresolved, "hash from another scope does not resolve")

	n, err := a.PurgeScope(ctx, "scope-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "entry and reverse index")

	_, err = a.Resolve(ctx, ha)
	assert.ErrorIs(t, err, ErrUnresolved)

	ref, err := b.Resolve(ctx, hb)
	require.NoError(t, err)
	assert.Equal(t, "k2", ref.RealKey)

	_, err = a.PurgeScope(ctx, "")
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestRegisterCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen, err := hashgen.New(hashgen.WithSecret(testSecret), hashgen.WithRandom(zeroReader{}))
	require.NoError(t, err)
	reg, err := New(f.store, gen, StaticScope("scope-a"), WithHashAttempts(2))
	require.NoError(t, err)

	first, err := reg.Register(ctx, "asset", "k1")
	require.NoError(t, err)
	assert.Equal(t, "000000000000", first)

	_, err = reg.Register(ctx, "asset", "k2")
	assert.ErrorIs(t, err, ErrHashExhausted)

	ref, err := reg.Resolve(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "k1", ref.RealKey, "existing mapping is never overwritten")
}

// quotaStore fails every Set with ErrQuotaExceeded.
type quotaStore struct {
	*store.Tiered
}

func (q quotaStore) Set(context.Context, string, []byte, store.Tier) error {
	return store.ErrQuotaExceeded
}

func TestRegisterQuota(t *testing.T) {
	f := newFixture(t)
	reg, err := New(quotaStore{f.store}, f.gen, StaticScope("scope-a"))
	require.NoError(t, err)

	hash, err := reg.Register(context.Background(), "asset", "k1")
	assert.ErrorIs(t, err, store.ErrQuotaExceeded)
	assert.True(t, hashgen.Valid(hash), "hash is still returned for the current navigation")
}

func TestCancellation(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(t, "scope-a")
	hash, err := reg.Register(context.Background(), "asset", "k1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = reg.Resolve(ctx, hash)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrUnresolved))

	_, err = reg.Register(ctx, "asset", "k2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReferenceRedaction(t *testing.T) {
	ref := Reference{EntityType: "asset", RealKey: "user@example.com"}
	assert.NotContains(t, ref.String(), "user@example.com")
	assert.NotContains(t, ref.LogValue().String(), "user@example.com")
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	reg := f.registry(t, "scope-a", WithMeterProvider(mp))

	hash, err := reg.Register(ctx, "asset", "k1")
	require.NoError(t, err)
	_, err = reg.Resolve(ctx, hash)
	require.NoError(t, err)
	_, err = reg.Resolve(ctx, "AAAAAAAAAAAA")
	require.ErrorIs(t, err, ErrUnresolved)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	outcomes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "linkguard.resolve.count" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("outcome")
				outcomes[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), outcomes["resolved"])
	assert.Equal(t, int64(1), outcomes["not_found"])
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reg := f.registry(t, "scope-a", WithTracer(tp.Tracer("test")))

	hash, err := reg.Register(ctx, "asset", "secret-host")
	require.NoError(t, err)
	_, err = reg.Resolve(ctx, hash)
	require.NoError(t, err)
	_, err = reg.Resolve(ctx, "zzzzzzzzzzzz")
	require.ErrorIs(t, err, ErrUnresolved)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "linkguard.register", spans[0].Name())
	assert.Equal(t, "linkguard.resolve", spans[1].Name())

	var reason string
	for _, kv := range spans[2].Attributes() {
		if kv.Key == "linkguard.unresolved_reason" {
			reason = kv.Value.AsString()
		}
	}
	assert.Equal(t, reasonNotFound, reason)

	for _, span := range spans {
		for _, kv := range span.Attributes() {
			assert.NotContains(t, kv.Value.Emit(), "secret-host")
		}
	}
}

func TestRegisterPopulation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping population test in short mode")
	}

	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, "scope-a")
	const n = 100_000

	hashes := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("user-%d@example.com", i)
		h, err := reg.Register(ctx, "asset", key)
		require.NoError(t, err)
		if prev, ok := hashes[h]; ok {
			t.Fatalf("hash %s issued for %q and %q", h, prev, key)
		}
		hashes[h] = key
	}
	require.Len(t, hashes, n)

	for h, key := range hashes {
		ref, err := reg.Resolve(ctx, h)
		require.NoError(t, err)
		require.Equal(t, key, ref.RealKey)
	}
}
