package registry

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/zero-day-ai/linkguard/store"
)

// Common errors returned by registry operations.
var (
	// ErrUnresolved is returned by Resolve when a hash cannot be mapped back
	// to a verified identifier, for whatever reason.
	ErrUnresolved = errors.New("registry: link expired or unavailable")

	// ErrInvalidReference is returned when the real key is empty or the
	// entity type is not a valid tag.
	ErrInvalidReference = errors.New("registry: invalid entity type or empty real key")

	// ErrNoScope is returned when the scope provider has no active scope.
	ErrNoScope = errors.New("registry: no active scope")

	// ErrInvalidScope is returned for a scope key containing store.KeySeparator.
	ErrInvalidScope = errors.New("registry: scope key must not contain " + store.KeySeparator)

	// ErrHashExhausted is returned when every generated hash collided.
	ErrHashExhausted = errors.New("registry: could not allocate a unique hash")
)

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// ValidEntityType reports whether s is an acceptable entity type tag: a
// lowercase letter followed by up to 31 lowercase letters, digits, '_' or '-'.
// Only such types can be carried in a URL token.
func ValidEntityType(s string) bool {
	return entityTypePattern.MatchString(s)
}

// indexSegment marks reverse-index records inside a scope.
const indexSegment = "ref" + store.KeySeparator

// ScopeProvider supplies the cache-isolation key of the active session.
// The key is opaque to the registry and used only as a storage prefix.
type ScopeProvider interface {
	CurrentScopeKey() string
}

// StaticScope is a ScopeProvider with a fixed key.
type StaticScope string

// CurrentScopeKey implements ScopeProvider.
func (s StaticScope) CurrentScopeKey() string {
	return string(s)
}

// Store is the persistence the registry needs. *store.Tiered implements it.
type Store interface {
	Get(ctx context.Context, key string) (*store.Record, error)
	Set(ctx context.Context, key string, value []byte, tier store.Tier) error
	Delete(ctx context.Context, key string) error
	PurgeAll(ctx context.Context, prefix string) (int, error)
	TTL() time.Duration
	Now() time.Time
}

// Reference is a resolved entity identifier.
type Reference struct {
	EntityType string
	RealKey    string
}

// String redacts the real key so a Reference can be printed safely.
func (r Reference) String() string {
	return r.EntityType + ":<redacted>"
}

// LogValue implements slog.LogValuer and redacts the real key.
func (r Reference) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("entity_type", r.EntityType),
		slog.Int("real_key_len", len(r.RealKey)),
	)
}

// Entry is the record persisted for each registered identifier.
type Entry struct {
	Hash         string    `json:"hash"`
	EntityType   string    `json:"entity_type"`
	RealKey      string    `json:"real_key"`
	StoredAt     time.Time `json:"stored_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IntegrityTag string    `json:"integrity_tag"`
}

// Live reports whether the entry has not expired at now.
func (e *Entry) Live(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Reference returns the identifier carried by the entry.
func (e *Entry) Reference() Reference {
	return Reference{EntityType: e.EntityType, RealKey: e.RealKey}
}

// unresolved reasons; recorded in logs and metrics only, never returned.
const (
	reasonMalformed    = "malformed"
	reasonNoScope      = "no_scope"
	reasonBadScope     = "invalid_scope"
	reasonNotFound     = "not_found"
	reasonStorage      = "storage"
	reasonCorrupt      = "corrupt"
	reasonIntegrity    = "integrity"
	reasonTypeMismatch = "type_mismatch"
	reasonExpired      = "expired"
	outcomeResolved    = "resolved"
)
