package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zero-day-ai/linkguard/store"
	"github.com/zero-day-ai/linkguard/store/badgerstore"
	"github.com/zero-day-ai/linkguard/store/etcdstore"
	"github.com/zero-day-ai/linkguard/store/redisstore"
	"github.com/zero-day-ai/linkguard/store/sqlitestore"
)

// OpenBackend opens the backend described by b.
func OpenBackend(ctx context.Context, b *BackendConfig, logger *slog.Logger) (store.Backend, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = &BackendConfig{}
	}

	switch b.GetType() {
	case BackendRedis:
		opts := redisstore.Options{
			URL:            b.URL,
			Namespace:      b.Namespace,
			ConnectTimeout: b.GetDialTimeout(),
		}
		if b.TLS != nil {
			tlsConfig, err := b.TLS.ClientConfig()
			if err != nil {
				return nil, fmt.Errorf("redis tls: %w", err)
			}
			opts.TLS = tlsConfig
		}
		return redisstore.New(opts)

	case BackendBadger:
		return badgerstore.Open(badgerstore.Options{Path: b.Path, Logger: logger})

	case BackendSQLite:
		return sqlitestore.Open(ctx, b.Path)

	case BackendEtcd:
		return etcdstore.New(etcdstore.Config{
			Endpoints:   b.Endpoints,
			Namespace:   b.Namespace,
			DialTimeout: b.GetDialTimeout(),
			TLS:         b.TLS,
		})

	default:
		var opts []store.MemoryOption
		if b.MaxEntries > 0 {
			opts = append(opts, store.WithMaxEntries(b.MaxEntries))
		}
		return store.NewMemory(opts...), nil
	}
}

// OpenTiered opens both tiers and combines them. Extra options are applied
// after the configured ones.
func (c *Config) OpenTiered(ctx context.Context, logger *slog.Logger, opts ...store.Option) (*store.Tiered, error) {
	if logger == nil {
		logger = slog.Default()
	}

	session, err := OpenBackend(ctx, c.SessionBackend(), logger)
	if err != nil {
		return nil, fmt.Errorf("open session tier: %w", err)
	}
	local, err := OpenBackend(ctx, c.LocalBackend(), logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open local tier: %w", err), session.Close())
	}

	base := []store.Option{
		store.WithTTL(c.GetTTL()),
		store.WithLogger(logger),
	}
	if f := c.GetEvictFraction(); f > 0 {
		base = append(base, store.WithEvictFraction(f))
	}

	tiered, err := store.NewTiered(session, local, append(base, opts...)...)
	if err != nil {
		return nil, errors.Join(err, session.Close(), local.Close())
	}
	return tiered, nil
}
