package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is the lifetime of every record written through a Tiered store.
// It is the single source of truth for record expiry; backends that support
// native expiry are given the same deadline rather than a TTL of their own.
const DefaultTTL = time.Hour

// MaxTTL bounds configurable lifetimes.
const MaxTTL = 24 * time.Hour

// KeySeparator joins a scope prefix and a record name in storage keys.
const KeySeparator = ":"

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a key does not exist or its record has expired.
	ErrNotFound = errors.New("store: record not found")

	// ErrInvalidKey is returned when a key is empty.
	ErrInvalidKey = errors.New("store: invalid key")

	// ErrQuotaExceeded is returned when a backend has no room for a write.
	ErrQuotaExceeded = errors.New("store: quota exceeded")

	// ErrUnavailable is returned when a backend is temporarily unreachable.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("store: backend closed")
)

// Tier identifies one of the two persistence layers of a Tiered store.
type Tier int

const (
	// TierSession is short-lived storage cleared when the browsing context ends.
	TierSession Tier = iota + 1

	// TierLocal is persistent storage bounded by record TTL or explicit purge.
	TierLocal
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierSession:
		return "session"
	case TierLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Record is the unit stored by a Backend.
type Record struct {
	// Key is the full storage key, typically "{scope}:{name}".
	Key string `json:"key"`

	// Value is the opaque payload.
	Value []byte `json:"value"`

	// StoredAt is when the record was created or last refreshed.
	StoredAt time.Time `json:"stored_at"`

	// ExpiresAt is StoredAt plus the store TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is dead at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Backend is the key-value port a Tiered store is built from. Implementations
// exist for process memory, Redis, Badger, SQLite and etcd.
//
// Backends do not interpret ExpiresAt beyond optionally using it for native
// expiry; the Tiered store enforces expiry at read time.
type Backend interface {
	// Get returns the record stored under key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*Record, error)

	// Set stores rec, replacing any record with the same key.
	// Returns ErrQuotaExceeded when the backend is full.
	Set(ctx context.Context, rec Record) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every record whose key starts with prefix.
	// An empty prefix lists the whole backend.
	List(ctx context.Context, prefix string) ([]Record, error)

	// Close releases backend resources.
	Close() error
}

// Pinger is implemented by backends that can cheaply verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ValidScope reports whether scope can prefix storage keys. A scope holding
// the separator could be a prefix of another scope's keys.
func ValidScope(scope string) bool {
	return scope != "" && !strings.Contains(scope, KeySeparator)
}

// Key joins a scope and a name into a storage key.
func Key(scope, name string) string {
	return scope + KeySeparator + name
}

// ScopePrefix returns the prefix shared by every key under scope.
func ScopePrefix(scope string) string {
	return scope + KeySeparator
}

// HasPrefix reports whether key belongs under prefix.
func HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
