// Package redisstore implements a store.Backend on Redis.
//
// Records are stored as JSON strings under "{namespace}{key}" with a native
// expiry equal to the record lifetime, so Redis reclaims dead mappings even if
// nobody reads them again. Expiry is still enforced by the Tiered store at
// read time.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/linkguard/store"
)

// DefaultNamespace prefixes every key written by a Backend.
const DefaultNamespace = "linkguard:"

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0")
	URL string

	// Namespace is prepended to every storage key
	Namespace string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration

	// ScanCount is the COUNT hint passed to SCAN when listing keys
	ScanCount int64
}

// Backend implements store.Backend using go-redis/v9.
type Backend struct {
	client    *redis.Client
	namespace string
	scanCount int64
}

// New creates a Redis backend with the given options and verifies the
// connection with PING.
func New(opts Options) (*Backend, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}

	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 3 * time.Second
	}

	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}

	if opts.ScanCount <= 0 {
		opts.ScanCount = 100
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Backend{
		client:    client,
		namespace: opts.Namespace,
		scanCount: opts.ScanCount,
	}, nil
}

// Get returns the record stored under key.
func (b *Backend) Get(ctx context.Context, key string) (*store.Record, error) {
	data, err := b.client.Get(ctx, b.namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, classify("get", key, err)
	}

	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return &rec, nil
}

// Set stores rec with a native expiry equal to its lifetime.
func (b *Backend) Set(ctx context.Context, rec store.Record) error {
	if rec.Key == "" {
		return store.ErrInvalidKey
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := b.client.Set(ctx, b.namespace+rec.Key, data, lifetime(rec)).Err(); err != nil {
		return classify("set", rec.Key, err)
	}
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.namespace+key).Err(); err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// List returns every record whose key starts with prefix, walking the
// keyspace with SCAN.
func (b *Backend) List(ctx context.Context, prefix string) ([]store.Record, error) {
	pattern := escapeGlob(b.namespace+prefix) + "*"

	var out []store.Record
	iter := b.client.Scan(ctx, 0, pattern, b.scanCount).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), b.namespace)
		rec, err := b.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// expired between SCAN and GET
				continue
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := iter.Err(); err != nil {
		return nil, classify("scan", prefix, err)
	}
	return out, nil
}

// Ping implements store.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *Backend) Close() error {
	return b.client.Close()
}

// lifetime is the native expiry for rec. Zero means no expiry.
func lifetime(rec store.Record) time.Duration {
	if rec.ExpiresAt.IsZero() || rec.StoredAt.IsZero() {
		return 0
	}
	d := rec.ExpiresAt.Sub(rec.StoredAt)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// classify maps Redis failures onto store sentinels.
func classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "OOM"):
		return fmt.Errorf("redis %s %s: %w: %v", op, key, store.ErrQuotaExceeded, err)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("redis %s %s: %w", op, key, store.ErrClosed)
	case isNetErr(err):
		return fmt.Errorf("redis %s %s: %w: %v", op, key, store.ErrUnavailable, err)
	}
	return fmt.Errorf("redis %s %s: %w", op, key, err)
}

func isNetErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || strings.HasPrefix(err.Error(), "LOADING")
}

// escapeGlob escapes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
