// Package session is a reference implementation of the session and
// impersonation context that scopes registry records.
//
// Each identity gets a random scope key. Changing identity (starting or
// stopping impersonation, switching accounts) or ending the session rotates
// the key and notifies listeners with the previous key so they can purge it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrNoIdentity is returned when SetIdentity is given an empty actor.
var ErrNoIdentity = errors.New("session: actor id is required")

// Identity is who the session acts as.
type Identity struct {
	ActorID string `json:"actor_id"`

	// ImpersonatorID is set while an operator acts as ActorID.
	ImpersonatorID string `json:"impersonator_id,omitempty"`
}

// Impersonating reports whether the identity is an impersonation.
func (i Identity) Impersonating() bool {
	return i.ImpersonatorID != ""
}

// Change describes an identity transition.
type Change struct {
	Previous      Identity
	Current       Identity
	PreviousScope string
	CurrentScope  string
	Ended         bool
}

// ChangeFunc is called after every identity transition.
type ChangeFunc func(ctx context.Context, change Change) error

// Context holds the active identity and its scope key.
// It is safe for concurrent use.
type Context struct {
	mu        sync.Mutex
	identity  Identity
	scope     string
	listeners map[int]ChangeFunc
	nextID    int
	newScope  func() string
	logger    *slog.Logger
}

// Option configures a Context.
type Option func(*Context)

// WithScopeKey resumes an existing scope instead of issuing a new one.
func WithScopeKey(key string) Option {
	return func(c *Context) {
		c.scope = key
	}
}

// WithScopeGenerator replaces the scope key generator. Defaults to random UUIDs.
func WithScopeGenerator(fn func() string) Option {
	return func(c *Context) {
		c.newScope = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// New creates a Context for identity. An empty ActorID starts the context
// without a scope; registries bound to it refuse to register until
// SetIdentity is called.
func New(identity Identity, opts ...Option) *Context {
	c := &Context{
		identity:  identity,
		listeners: make(map[int]ChangeFunc),
		newScope:  uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scope == "" && identity.ActorID != "" {
		c.scope = c.newScope()
	}
	return c
}

// CurrentScopeKey returns the active scope key, or "" without an identity.
func (c *Context) CurrentScopeKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Identity returns the active identity.
func (c *Context) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// OnIdentityChange registers fn and returns a function that removes it.
func (c *Context) OnIdentityChange(fn ChangeFunc) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// SetIdentity switches to identity and rotates the scope key. Setting the
// current identity again is a no-op. Listener errors are joined and
// returned; the switch itself has already happened.
func (c *Context) SetIdentity(ctx context.Context, identity Identity) error {
	if identity.ActorID == "" {
		return ErrNoIdentity
	}

	c.mu.Lock()
	if identity == c.identity && c.scope != "" {
		c.mu.Unlock()
		return nil
	}
	change := Change{
		Previous:      c.identity,
		Current:       identity,
		PreviousScope: c.scope,
		CurrentScope:  c.newScope(),
	}
	c.identity = identity
	c.scope = change.CurrentScope
	c.mu.Unlock()

	c.logger.Info("session identity changed",
		"impersonating", identity.Impersonating(),
		"previous_scope", change.PreviousScope,
		"scope", change.CurrentScope)
	return c.notify(ctx, change)
}

// End clears the identity and scope, as on logout.
func (c *Context) End(ctx context.Context) error {
	c.mu.Lock()
	if c.scope == "" && c.identity == (Identity{}) {
		c.mu.Unlock()
		return nil
	}
	change := Change{
		Previous:      c.identity,
		PreviousScope: c.scope,
		Ended:         true,
	}
	c.identity = Identity{}
	c.scope = ""
	c.mu.Unlock()

	c.logger.Info("session ended", "previous_scope", change.PreviousScope)
	return c.notify(ctx, change)
}

func (c *Context) notify(ctx context.Context, change Change) error {
	c.mu.Lock()
	fns := make([]ChangeFunc, 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
