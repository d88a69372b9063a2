// Package sqlitestore implements a store.Backend on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/zero-day-ai/linkguard/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS linkguard_records (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS linkguard_records_stored_at ON linkguard_records (stored_at);
`

// Backend implements store.Backend using database/sql and go-sqlite3.
type Backend struct {
	db *sql.DB
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and creates the schema.
func Open(ctx context.Context, path string) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Get returns the record stored under key.
func (b *Backend) Get(ctx context.Context, key string) (*store.Record, error) {
	var (
		value     []byte
		storedAt  int64
		expiresAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT value, stored_at, expires_at FROM linkguard_records WHERE key = ?`, key,
	).Scan(&value, &storedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify("get", key, err)
	}
	return &store.Record{
		Key:       key,
		Value:     value,
		StoredAt:  fromUnixNano(storedAt),
		ExpiresAt: fromUnixNano(expiresAt),
	}, nil
}

// Set upserts rec.
func (b *Backend) Set(ctx context.Context, rec store.Record) error {
	if rec.Key == "" {
		return store.ErrInvalidKey
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO linkguard_records (key, value, stored_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at, expires_at = excluded.expires_at`,
		rec.Key, rec.Value, toUnixNano(rec.StoredAt), toUnixNano(rec.ExpiresAt),
	)
	if err != nil {
		return classify("set", rec.Key, err)
	}
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM linkguard_records WHERE key = ?`, key); err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// List returns every record whose key starts with prefix, ordered by key.
func (b *Backend) List(ctx context.Context, prefix string) ([]store.Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value, stored_at, expires_at FROM linkguard_records
		 WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, classify("list", prefix, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			rec       store.Record
			storedAt  int64
			expiresAt int64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &storedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.StoredAt = fromUnixNano(storedAt)
		rec.ExpiresAt = fromUnixNano(expiresAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", prefix, err)
	}
	return out, nil
}

// DeleteExpired removes every record that expired before now, using the
// expires_at column directly instead of a List/Delete round trip.
func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM linkguard_records WHERE expires_at > 0 AND expires_at <= ?`, toUnixNano(now))
	if err != nil {
		return 0, classify("delete expired", "", err)
	}
	return res.RowsAffected()
}

// Ping implements store.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("sqlite %s %s: %w", op, key, store.ErrClosed)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("sqlite %s %s: %w: %v", op, key, store.ErrQuotaExceeded, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("sqlite %s %s: %w: %v", op, key, store.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("sqlite %s %s: %w", op, key, err)
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
