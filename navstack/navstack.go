// Package navstack tracks the nested entity references open in a browsing
// context, such as a detail panel opened from inside another detail panel.
//
// The stack is bounded. A push beyond the limit is rejected with an explicit
// error and leaves the stack unchanged; the oldest frame is never dropped.
// Every pushed hash must resolve through the configured Resolver first, so an
// expired or tampered hash can never become a frame. Authorization is the
// caller's responsibility and happens before Push.
package navstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zero-day-ai/linkguard/registry"
)

// DefaultMaxDepth is the number of frames a stack holds.
const DefaultMaxDepth = 2

// Common errors returned by stack operations.
var (
	// ErrDepthExceeded is matched by the RejectedError returned when a push
	// would exceed the depth limit.
	ErrDepthExceeded = errors.New("navstack: depth limit exceeded")

	// ErrUnresolved is matched by the RejectedError returned when the pushed
	// hash did not resolve.
	ErrUnresolved = errors.New("navstack: reference did not resolve")

	// ErrEmptyStack is returned by Pop on an empty stack.
	ErrEmptyStack = errors.New("navstack: stack is empty")

	// ErrInvalidEntry is returned when the entity type or hash is empty.
	ErrInvalidEntry = errors.New("navstack: entity type and hash are required")
)

// Resolver resolves a hash for an expected entity type. RegistryResolver
// adapts a *registry.Registry.
type Resolver interface {
	Resolve(ctx context.Context, entityType, hash string) (registry.Reference, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, entityType, hash string) (registry.Reference, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, entityType, hash string) (registry.Reference, error) {
	return f(ctx, entityType, hash)
}

// RegistryResolver resolves through reg, requiring the stored entity type to
// match the pushed one.
func RegistryResolver(reg *registry.Registry) Resolver {
	return ResolverFunc(func(ctx context.Context, entityType, hash string) (registry.Reference, error) {
		return reg.Resolve(ctx, hash, registry.WithExpectedType(entityType))
	})
}

// Entry is one open frame.
type Entry struct {
	EntityType string `json:"entity_type"`
	Hash       string `json:"hash"`
	Depth      int    `json:"depth"`
}

// Token returns the "entityType:hash" form used in URLs and logs.
func (e Entry) Token() string {
	return e.EntityType + ":" + e.Hash
}

// RejectedError reports a push the stack refused.
type RejectedError struct {
	Entry  Entry
	Reason error
	Err    error
}

// Error implements error.
func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("navstack: push %s rejected: %v: %v", e.Entry.Token(), e.Reason, e.Err)
	}
	return fmt.Sprintf("navstack: push %s rejected: %v", e.Entry.Token(), e.Reason)
}

// Is matches the rejection reason.
func (e *RejectedError) Is(target error) bool {
	return target == e.Reason
}

// Unwrap returns the underlying resolution error, if any.
func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Option configures a Stack.
type Option func(*Stack)

// WithMaxDepth sets the depth limit. Values outside 1..DefaultMaxDepth are ignored.
func WithMaxDepth(n int) Option {
	return func(s *Stack) {
		if n > 0 && n <= DefaultMaxDepth {
			s.maxDepth = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stack) {
		s.logger = logger
	}
}

// Stack is a depth-bounded stack of resolved references.
// It is safe for concurrent use.
type Stack struct {
	mu       sync.Mutex
	entries  []Entry
	resolver Resolver
	maxDepth int
	logger   *slog.Logger
}

// New creates an empty Stack that resolves pushes through resolver.
func New(resolver Resolver, opts ...Option) (*Stack, error) {
	if resolver == nil {
		return nil, fmt.Errorf("navstack: resolver is required")
	}
	s := &Stack{
		resolver: resolver,
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxDepth returns the depth limit.
func (s *Stack) MaxDepth() int {
	return s.maxDepth
}

// Push resolves hash and appends it as the new top frame.
//
// The depth limit is checked before resolving, so a rejected push costs no
// storage read. If the stack changed while the resolution was in flight the
// limit is checked again. A cancelled ctx returns ctx.Err() and leaves the
// stack unchanged.
func (s *Stack) Push(ctx context.Context, entityType, hash string) (Entry, error) {
	entry, _, err := s.PushResolve(ctx, entityType, hash)
	return entry, err
}

// PushResolve is Push that also returns the resolved reference, so callers
// rendering the frame need not resolve it a second time.
func (s *Stack) PushResolve(ctx context.Context, entityType, hash string) (Entry, registry.Reference, error) {
	if entityType == "" || hash == "" {
		return Entry{}, registry.Reference{}, ErrInvalidEntry
	}

	s.mu.Lock()
	entry := Entry{EntityType: entityType, Hash: hash, Depth: len(s.entries)}
	if len(s.entries) >= s.maxDepth {
		s.mu.Unlock()
		s.logger.Warn("nested reference rejected, depth limit reached",
			"entity_type", entityType,
			"hash", hash,
			"max_depth", s.maxDepth)
		return Entry{}, registry.Reference{}, &RejectedError{Entry: entry, Reason: ErrDepthExceeded}
	}
	s.mu.Unlock()

	ref, err := s.resolver.Resolve(ctx, entityType, hash)
	if cerr := ctx.Err(); cerr != nil {
		return Entry{}, registry.Reference{}, cerr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Entry{}, registry.Reference{}, err
		}
		s.logger.Debug("nested reference rejected, unresolved", "entity_type", entityType, "hash", hash)
		return Entry{}, registry.Reference{}, &RejectedError{Entry: entry, Reason: ErrUnresolved, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Depth = len(s.entries)
	if len(s.entries) >= s.maxDepth {
		return Entry{}, registry.Reference{}, &RejectedError{Entry: entry, Reason: ErrDepthExceeded}
	}
	s.entries = append(s.entries, entry)
	return entry, ref, nil
}

// Pop removes and returns the top frame.
func (s *Stack) Pop() (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return Entry{}, ErrEmptyStack
	}
	top := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	return top, nil
}

// Current returns a copy of the frames, root first.
func (s *Stack) Current() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Top returns the top frame and whether the stack is non-empty.
func (s *Stack) Top() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Len returns the number of frames.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset removes every frame, as on page or session unload.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
