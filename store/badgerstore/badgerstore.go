// Package badgerstore implements a store.Backend on an embedded Badger
// database, for deployments that want the local tier on disk without a
// separate server.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zero-day-ai/linkguard/store"
)

// Options configures a Badger backend.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the whole database in memory.
	InMemory bool

	// Logger receives Badger's internal log output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Backend implements store.Backend using Badger.
type Backend struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database.
func Open(opts Options) (*Backend, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, fmt.Errorf("badgerstore: path is required unless in-memory")
	}

	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bopts = bopts.WithLogger(&slogAdapter{logger: logger.With("component", "badger")})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", opts.Path, err)
	}
	return &Backend{db: db}, nil
}

// Get returns the record stored under key.
func (b *Backend) Get(ctx context.Context, key string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("badgerstore: get %s: %w", key, err)
	}

	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("badgerstore: decode %s: %w", key, err)
	}
	return &rec, nil
}

// Set stores rec with a Badger TTL equal to its lifetime.
func (b *Backend) Set(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Key == "" {
		return store.ErrInvalidKey
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badgerstore: encode %s: %w", rec.Key, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(rec.Key), data)
		if d := lifetime(rec); d > 0 {
			e = e.WithTTL(d)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("badgerstore: set %s: %w", rec.Key, store.ErrQuotaExceeded)
		}
		return fmt.Errorf("badgerstore: set %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badgerstore: delete %s: %w", key, err)
	}
	return nil
}

// List returns every record whose key starts with prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []store.Record
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec store.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list %q: %w", prefix, err)
	}
	return out, nil
}

// Ping implements store.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db.IsClosed() {
		return store.ErrClosed
	}
	return nil
}

// CollectGarbage runs one value-log GC pass. badger.ErrNoRewrite means there
// was nothing worth rewriting and is not reported.
func (b *Backend) CollectGarbage(discardRatio float64) error {
	err := b.db.RunValueLogGC(discardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("badgerstore: value log gc: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func lifetime(rec store.Record) time.Duration {
	if rec.ExpiresAt.IsZero() || rec.StoredAt.IsZero() {
		return 0
	}
	return rec.ExpiresAt.Sub(rec.StoredAt)
}

// slogAdapter routes Badger's printf-style logger to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}
