package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/linkguard/store"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func record(key string, storedAt time.Time) store.Record {
	return store.Record{
		Key:       key,
		Value:     []byte("payload"),
		StoredAt:  storedAt,
		ExpiresAt: storedAt.Add(store.DefaultTTL),
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "links.db")
	b, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := record("scope:aZ09bY18cX27", now)
	require.NoError(t, b.Set(ctx, rec))

	got, err := b.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Value, got.Value)
	assert.True(t, now.Equal(got.StoredAt))
	assert.True(t, now.Add(store.DefaultTTL).Equal(got.ExpiresAt))

	rec.Value = []byte("updated")
	require.NoError(t, b.Set(ctx, rec))
	got, err = b.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), got.Value)

	require.NoError(t, b.Delete(ctx, rec.Key))
	_, err = b.Get(ctx, rec.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	now := time.Now()

	for _, k := range []string{"bob:1", "alice:2", "alice:1", "alice_x:1"} {
		require.NoError(t, b.Set(ctx, record(k, now)))
	}

	recs, err := b.List(ctx, "alice:")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "alice:1", recs[0].Key)
	assert.Equal(t, "alice:2", recs[1].Key)

	recs, err = b.List(ctx, "alice_")
	require.NoError(t, err)
	require.Len(t, recs, 1, "underscore is not a wildcard")

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.Set(ctx, record("s:old", t0)))
	require.NoError(t, b.Set(ctx, record("s:new", t0.Add(30*time.Minute))))

	n, err := b.DeleteExpired(ctx, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = b.Get(ctx, "s:new")
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	err := classify("set", "k", sqlite3.Error{Code: sqlite3.ErrFull})
	assert.ErrorIs(t, err, store.ErrQuotaExceeded)

	err = classify("get", "k", sqlite3.Error{Code: sqlite3.ErrBusy})
	assert.ErrorIs(t, err, store.ErrUnavailable)

	err = classify("get", "k", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
