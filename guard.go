package linkguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zero-day-ai/linkguard/access"
	"github.com/zero-day-ai/linkguard/config"
	"github.com/zero-day-ai/linkguard/hashgen"
	"github.com/zero-day-ai/linkguard/health"
	"github.com/zero-day-ai/linkguard/migrate"
	"github.com/zero-day-ai/linkguard/navstack"
	"github.com/zero-day-ai/linkguard/registry"
	"github.com/zero-day-ai/linkguard/session"
	"github.com/zero-day-ai/linkguard/store"
	"github.com/zero-day-ai/linkguard/urlstate"
)

// AnonymousActor is the actor of the session a Guard starts when none is
// supplied.
const AnonymousActor = "anonymous"

// Frame is an open nested reference together with its resolved identifier.
type Frame struct {
	navstack.Entry
	Reference registry.Reference
}

// View is the result of loading a URL.
type View struct {
	// Frames are the references that resolved and passed the access check,
	// root first.
	Frames []Frame

	// Degraded is set when the URL asked for more than could be shown.
	// Reason is one of the Kind constants and SafeURL is the URL reduced to
	// what was shown.
	Degraded bool
	Reason   string
	SafeURL  string

	// Prompt is set when the URL carries raw identifiers. Nothing is
	// resolved for such a URL until the prompt is answered.
	Prompt *migrate.Prompt
}

// Guard ties the registry, navigation stack, codec, migrator and session
// together for one browsing context.
type Guard struct {
	store    *store.Tiered
	reg      *registry.Registry
	session  *session.Context
	stack    *navstack.Stack
	codec    *urlstate.Codec
	migrator *migrate.Migrator
	checker  access.Checker
	logger   *slog.Logger

	ownsStore      bool
	removeListener func()
}

// New creates a Guard. Without WithStore it keeps both tiers in memory and
// closes them on Close.
func New(opts ...Option) (*Guard, error) {
	cfg := guardConfig{ownsStore: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.checker == nil {
		cfg.checker = access.AllowAll
	}
	if cfg.codec == nil {
		cfg.codec = urlstate.New(urlstate.WithMaxDepth(cfg.maxDepth))
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	if cfg.store == nil {
		storeOpts := []store.Option{store.WithLogger(cfg.logger), store.WithClock(cfg.now)}
		if cfg.meterProvider != nil {
			storeOpts = append(storeOpts, store.WithMeterProvider(cfg.meterProvider))
		}
		st, err := store.NewTiered(store.NewMemory(), store.NewMemory(), storeOpts...)
		if err != nil {
			return nil, &Error{Op: "New", Kind: KindInternal, Err: err}
		}
		cfg.store = st
		cfg.ownsStore = true
	}
	if cfg.session == nil {
		cfg.session = session.New(session.Identity{ActorID: AnonymousActor}, session.WithLogger(cfg.logger))
	}

	genOpts := []hashgen.Option{}
	if cfg.secret != nil {
		genOpts = append(genOpts, hashgen.WithSecret(cfg.secret))
	}
	gen, err := hashgen.New(genOpts...)
	if err != nil {
		return nil, &Error{Op: "New", Kind: KindValidation, Err: err}
	}

	regOpts := []registry.Option{
		registry.WithLogger(cfg.logger),
		registry.WithRefreshOnResolve(cfg.refreshOnResolve),
	}
	if cfg.tracer != nil {
		regOpts = append(regOpts, registry.WithTracer(cfg.tracer))
	}
	if cfg.meterProvider != nil {
		regOpts = append(regOpts, registry.WithMeterProvider(cfg.meterProvider))
	}
	reg, err := registry.New(cfg.store, gen, cfg.session, regOpts...)
	if err != nil {
		return nil, &Error{Op: "New", Kind: KindInternal, Err: err}
	}

	g := &Guard{
		store:     cfg.store,
		reg:       reg,
		session:   cfg.session,
		codec:     cfg.codec,
		checker:   cfg.checker,
		logger:    cfg.logger,
		ownsStore: cfg.ownsStore,
	}

	g.stack, err = navstack.New(navstack.ResolverFunc(g.resolveAuthorized),
		navstack.WithMaxDepth(cfg.codec.MaxDepth()),
		navstack.WithLogger(cfg.logger))
	if err != nil {
		return nil, &Error{Op: "New", Kind: KindInternal, Err: err}
	}

	migrateOpts := []migrate.Option{
		migrate.WithCodec(cfg.codec),
		migrate.WithLegacyParams(cfg.legacyParams),
		migrate.WithClock(cfg.now),
		migrate.WithLogger(cfg.logger),
	}
	if cfg.unsafeDelay > 0 {
		migrateOpts = append(migrateOpts, migrate.WithUnsafeDelay(cfg.unsafeDelay))
	}
	g.migrator, err = migrate.New(reg, migrateOpts...)
	if err != nil {
		return nil, &Error{Op: "New", Kind: KindInternal, Err: err}
	}

	g.removeListener = cfg.session.OnIdentityChange(g.onIdentityChange)
	return g, nil
}

// FromConfig creates a Guard from a loaded configuration. Options override
// the configured values.
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Guard, error) {
	logger := slog.Default()
	probe := guardConfig{}
	for _, opt := range opts {
		opt(&probe)
	}
	if probe.logger != nil {
		logger = probe.logger
	}

	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", "warning", w)
	}

	base := []Option{
		WithLogger(logger),
		WithIntegritySecret(cfg.GetIntegritySecret()),
		WithRefreshOnResolve(cfg.RefreshOnResolve),
		WithLegacyParams(cfg.GetLegacyParams()),
		WithMaxDepth(cfg.GetMaxDepth()),
		WithUnsafeDelay(cfg.GetUnsafeDelay()),
	}

	detail, stack := cfg.GetCodecParams()
	base = append(base, WithCodec(urlstate.New(
		urlstate.WithParams(detail, stack),
		urlstate.WithMaxDepth(cfg.GetMaxDepth()),
	)))

	if expr := cfg.GetAccessPolicy(); expr != "" {
		policy, err := access.NewPolicy(expr)
		if err != nil {
			return nil, &Error{Op: "FromConfig", Kind: KindValidation, Err: err}
		}
		base = append(base, WithAccessChecker(policy))
	}

	var opened *store.Tiered
	if probe.store == nil {
		var storeOpts []store.Option
		if probe.now != nil {
			storeOpts = append(storeOpts, store.WithClock(probe.now))
		}
		if probe.meterProvider != nil {
			storeOpts = append(storeOpts, store.WithMeterProvider(probe.meterProvider))
		}
		st, err := cfg.OpenTiered(ctx, logger, storeOpts...)
		if err != nil {
			return nil, &Error{Op: "FromConfig", Kind: KindStorage, Err: err}
		}
		opened = st
		base = append(base, WithStore(st), func(c *guardConfig) { c.ownsStore = true })
	}

	g, err := New(append(base, opts...)...)
	if err != nil {
		if opened != nil {
			CloseWithLog(opened, logger, "tiered store")
		}
		return nil, err
	}
	return g, nil
}

// Register returns the hash for an identifier in the active scope. A
// *Error of KindQuotaExceeded comes with a usable hash.
func (g *Guard) Register(ctx context.Context, entityType, realKey string) (string, error) {
	hash, err := g.reg.Register(ctx, entityType, realKey)
	return hash, wrap("Guard.Register", err)
}

// Resolve maps a hash back to its identifier, checking access.
func (g *Guard) Resolve(ctx context.Context, entityType, hash string) (registry.Reference, error) {
	ref, err := g.resolveAuthorized(ctx, entityType, hash)
	return ref, wrap("Guard.Resolve", err)
}

// Open resolves hash and pushes it as the new top frame.
func (g *Guard) Open(ctx context.Context, entityType, hash string) (Frame, error) {
	entry, ref, err := g.stack.PushResolve(ctx, entityType, hash)
	if err != nil {
		return Frame{}, wrap("Guard.Open", err)
	}
	return Frame{Entry: entry, Reference: ref}, nil
}

// OpenKey registers an identifier and opens it. A quota warning from the
// registry does not stop the frame from opening.
func (g *Guard) OpenKey(ctx context.Context, entityType, realKey string) (Frame, error) {
	hash, err := g.reg.Register(ctx, entityType, realKey)
	if err != nil && !(errors.Is(err, store.ErrQuotaExceeded) && hashgen.Valid(hash)) {
		return Frame{}, wrap("Guard.OpenKey", err)
	}
	return g.Open(ctx, entityType, hash)
}

// Back closes the top frame.
func (g *Guard) Back() (navstack.Entry, error) {
	entry, err := g.stack.Pop()
	return entry, wrap("Guard.Back", err)
}

// Frames returns the open frames, root first.
func (g *Guard) Frames() []navstack.Entry {
	return g.stack.Current()
}

// URL returns u with its detail and stack parameters set to the open frames.
func (g *Guard) URL(u *url.URL) (*url.URL, error) {
	out, err := g.codec.Apply(u, g.stack.Current())
	return out, wrap("Guard.URL", err)
}

// Load replaces the open frames with the ones carried by rawURL.
//
// A URL with raw identifiers yields a View with a Prompt and no frames. A
// URL whose tokens are malformed, too deep, expired, tampered with or
// denied yields a degraded View holding whatever resolved before the
// failure. Only an unparsable URL or a cancelled ctx return an error; after
// cancellation the stack is left empty.
func (g *Guard) Load(ctx context.Context, rawURL string) (*View, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Op: "Guard.Load", Kind: KindValidation, Err: err}
	}
	g.stack.Reset()

	ref, err := g.migrator.Detect(rawURL)
	if err != nil {
		return nil, wrap("Guard.Load", err)
	}
	if ref != nil {
		prompt, err := g.migrator.NewPrompt(ref)
		if err != nil {
			return nil, wrap("Guard.Load", err)
		}
		return &View{Prompt: prompt, SafeURL: g.migrator.Strip(u).String()}, nil
	}

	entries, err := g.codec.Decode(u.Query())
	if err != nil {
		g.logger.Info("url state rejected", "reason", Classify(err))
		return g.degraded(u, nil, err), nil
	}

	frames := make([]Frame, 0, len(entries))
	for _, e := range entries {
		entry, resolved, err := g.stack.PushResolve(ctx, e.EntityType, e.Hash)
		if cerr := ctx.Err(); cerr != nil {
			g.stack.Reset()
			return nil, cerr
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				g.stack.Reset()
				return nil, err
			}
			return g.degraded(u, frames, err), nil
		}
		frames = append(frames, Frame{Entry: entry, Reference: resolved})
	}
	return &View{Frames: frames}, nil
}

// SetIdentity switches the session identity. The previous scope's mappings
// are purged and the open frames closed.
func (g *Guard) SetIdentity(ctx context.Context, identity session.Identity) error {
	return wrap("Guard.SetIdentity", g.session.SetIdentity(ctx, identity))
}

// Logout ends the session, purging its mappings and closing every frame.
func (g *Guard) Logout(ctx context.Context) error {
	return wrap("Guard.Logout", g.session.End(ctx))
}

// ScopeKey returns the active scope key.
func (g *Guard) ScopeKey() string {
	return g.session.CurrentScopeKey()
}

// PurgeScope deletes every mapping of scopeKey.
func (g *Guard) PurgeScope(ctx context.Context, scopeKey string) (int, error) {
	n, err := g.reg.PurgeScope(ctx, scopeKey)
	return n, wrap("Guard.PurgeScope", err)
}

// Migrator returns the legacy URL migrator.
func (g *Guard) Migrator() *migrate.Migrator {
	return g.migrator
}

// Codec returns the URL codec.
func (g *Guard) Codec() *urlstate.Codec {
	return g.codec
}

// Health reports the health of both storage tiers.
func (g *Guard) Health(ctx context.Context) health.Status {
	return health.CheckTiered(ctx, g.store)
}

// Sweep removes expired records eagerly.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	n, err := g.store.Sweep(ctx)
	return n, wrap("Guard.Sweep", err)
}

// Close detaches from the session and closes the store if the Guard
// opened it.
func (g *Guard) Close() error {
	g.removeListener()
	g.stack.Reset()
	if g.ownsStore {
		return g.store.Close()
	}
	return nil
}

// resolveAuthorized resolves hash for entityType and runs the access check
// as the session's actor.
func (g *Guard) resolveAuthorized(ctx context.Context, entityType, hash string) (registry.Reference, error) {
	ref, err := g.reg.Resolve(ctx, hash, registry.WithExpectedType(entityType))
	if err != nil {
		return registry.Reference{}, err
	}

	id := g.session.Identity()
	allowed, err := g.checker.CanAccess(access.WithActor(ctx, id.ActorID, id.Impersonating()), ref.EntityType, ref.RealKey)
	if err != nil {
		g.logger.Warn("access check failed", "entity_type", entityType, "hash", hash, "error", err)
		return registry.Reference{}, fmt.Errorf("%w: %v", access.ErrDenied, err)
	}
	if !allowed {
		g.logger.Info("access denied", "entity_type", entityType, "hash", hash)
		return registry.Reference{}, access.ErrDenied
	}
	return ref, nil
}

func (g *Guard) onIdentityChange(ctx context.Context, change session.Change) error {
	g.stack.Reset()
	if change.PreviousScope == "" {
		return nil
	}
	_, err := g.reg.PurgeScope(ctx, change.PreviousScope)
	return err
}

func (g *Guard) degraded(u *url.URL, frames []Frame, cause error) *View {
	v := &View{Frames: frames, Degraded: true, Reason: Classify(cause)}

	entries := make([]navstack.Entry, len(frames))
	for i, f := range frames {
		entries[i] = f.Entry
	}
	if safe, err := g.codec.Apply(u, entries); err == nil {
		v.SafeURL = safe.String()
	} else {
		v.SafeURL = g.codec.Strip(u).String()
	}
	return v
}
