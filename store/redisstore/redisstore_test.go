package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/linkguard/store"
)

// setupTestBackend creates a miniredis instance and returns a connected Backend.
func setupTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	b, err := New(Options{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = b.Close()
	})

	return b, mr
}

func testRecord(key string) store.Record {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return store.Record{
		Key:       key,
		Value:     []byte(`{"hash":"aZ09bY18cX27"}`),
		StoredAt:  now,
		ExpiresAt: now.Add(store.DefaultTTL),
	}
}

func TestNew(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		b, _ := setupTestBackend(t)
		require.NotNil(t, b)
		assert.Equal(t, DefaultNamespace, b.namespace)
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := New(Options{
			URL:            "redis://localhost:1",
			ConnectTimeout: 100 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := New(Options{URL: "invalid://url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse Redis URL")
	})
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	b, mr := setupTestBackend(t)

	rec := testRecord("scope:aZ09bY18cX27")
	require.NoError(t, b.Set(ctx, rec))

	assert.True(t, mr.Exists(DefaultNamespace+"scope:aZ09bY18cX27"))
	assert.Equal(t, store.DefaultTTL, mr.TTL(DefaultNamespace+"scope:aZ09bY18cX27"))

	got, err := b.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.Value, got.Value)
	assert.True(t, rec.StoredAt.Equal(got.StoredAt))
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	_, err = b.Get(ctx, "scope:missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, b.Set(ctx, store.Record{}), store.ErrInvalidKey)
}

func TestNativeExpiry(t *testing.T) {
	ctx := context.Background()
	b, mr := setupTestBackend(t)

	require.NoError(t, b.Set(ctx, testRecord("scope:k")))
	mr.FastForward(store.DefaultTTL + time.Second)

	_, err := b.Get(ctx, "scope:k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	b, _ := setupTestBackend(t)

	for _, k := range []string{"alice:1", "alice:2", "bob:1", "ali*ce:1"} {
		require.NoError(t, b.Set(ctx, testRecord(k)))
	}

	recs, err := b.List(ctx, "alice:")
	require.NoError(t, err)
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, r.Key)
	}
	assert.ElementsMatch(t, []string{"alice:1", "alice:2"}, keys)

	recs, err = b.List(ctx, "ali*")
	require.NoError(t, err)
	require.Len(t, recs, 1, "glob characters in the prefix are literal")
	assert.Equal(t, "ali*ce:1", recs[0].Key)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, b.Delete(ctx, "alice:1"))
	require.NoError(t, b.Delete(ctx, "alice:1"))
	_, err = b.Get(ctx, "alice:1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTieredOverRedis(t *testing.T) {
	ctx := context.Background()
	b, _ := setupTestBackend(t)

	tiered, err := store.NewTiered(store.NewMemory(), b)
	require.NoError(t, err)

	require.NoError(t, tiered.Set(ctx, "scope:k", []byte("v"), store.TierLocal))
	rec, err := tiered.Get(ctx, "scope:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), rec.Value)

	n, err := tiered.PurgeAll(ctx, store.ScopePrefix("scope"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "promoted copy and local record share one key")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"oom", errors.New("OOM command not allowed when used memory > 'maxmemory'."), store.ErrQuotaExceeded},
		{"loading", errors.New("LOADING Redis is loading the dataset in memory"), store.ErrUnavailable},
		{"closed", fmt.Errorf("wrapped: %w", errors.New("redis: client is closed")), nil},
		{"cancelled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("set", "k", tt.err)
			if tt.want != nil {
				assert.ErrorIs(t, got, tt.want)
			} else {
				assert.Error(t, got)
			}
		})
	}
}

func TestPing(t *testing.T) {
	b, _ := setupTestBackend(t)
	require.NoError(t, b.Ping(context.Background()))
}
