package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/zero-day-ai/linkguard/hashgen"
	"github.com/zero-day-ai/linkguard/navstack"
	"github.com/zero-day-ai/linkguard/store"
	"github.com/zero-day-ai/linkguard/urlstate"
)

// DefaultUnsafeDelay is how long the unsafe choice stays locked.
const DefaultUnsafeDelay = 5 * time.Second

// Common errors returned by the migrator.
var (
	// ErrInvalidURL is returned when the input cannot be parsed as a URL.
	ErrInvalidURL = errors.New("migrate: invalid url")

	// ErrNothingToMigrate is returned by Migrate for a reference without raw
	// identifiers.
	ErrNothingToMigrate = errors.New("migrate: no legacy identifiers")
)

// Registrar issues hashes. *registry.Registry implements it.
type Registrar interface {
	Register(ctx context.Context, entityType, realKey string) (string, error)
}

// Frame is one reference found in a legacy URL, root first.
type Frame struct {
	EntityType string
	// Value is the raw identifier when Raw is set, otherwise a hash.
	Value string
	Param string
	Raw   bool
}

// String redacts raw identifiers.
func (f Frame) String() string {
	if f.Raw {
		return f.EntityType + ":<redacted>"
	}
	return urlstate.FormatToken(f.EntityType, f.Value)
}

// LegacyReference is a URL carrying at least one raw identifier.
type LegacyReference struct {
	URL    *url.URL
	Frames []Frame
}

// RawCount returns the number of frames carrying raw identifiers.
func (r *LegacyReference) RawCount() int {
	n := 0
	for _, f := range r.Frames {
		if f.Raw {
			n++
		}
	}
	return n
}

// Result is the outcome of a migration.
type Result struct {
	// URL is the rewritten, hash-only URL.
	URL string
	// Hash is the top-of-stack hash.
	Hash    string
	Entries []navstack.Entry
	// Warnings lists non-fatal problems, such as a mapping that could not be
	// persisted because storage is full.
	Warnings []error
}

// Migrator detects and rewrites legacy URLs.
type Migrator struct {
	reg          Registrar
	codec        *urlstate.Codec
	legacyParams map[string]string
	unsafeDelay  time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLegacyParams maps legacy query parameter names to entity types,
// for example {"assetKey": "asset"}.
func WithLegacyParams(params map[string]string) Option {
	return func(m *Migrator) {
		for k, v := range params {
			m.legacyParams[k] = v
		}
	}
}

// WithCodec sets the codec used to read and write frames.
func WithCodec(c *urlstate.Codec) Option {
	return func(m *Migrator) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithUnsafeDelay sets how long ContinueUnsafe stays locked.
func WithUnsafeDelay(d time.Duration) Option {
	return func(m *Migrator) {
		if d >= 0 {
			m.unsafeDelay = d
		}
	}
}

// WithClock sets the time source used by prompts.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) {
		m.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// New creates a Migrator that registers identifiers with reg.
func New(reg Registrar, opts ...Option) (*Migrator, error) {
	if reg == nil {
		return nil, fmt.Errorf("migrate: registrar is required")
	}
	m := &Migrator{
		reg:          reg,
		codec:        urlstate.New(),
		legacyParams: make(map[string]string),
		unsafeDelay:  DefaultUnsafeDelay,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Detect returns the legacy reference carried by rawURL, or nil if the URL
// holds no raw identifiers. Tokens that are neither hashes nor well-formed
// legacy tokens are left for the codec to reject.
func (m *Migrator) Detect(rawURL string) (*LegacyReference, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	q := u.Query()
	detailParam, stackParam := m.codec.Params()
	var frames []Frame

	if stack := q.Get(stackParam); stack != "" {
		for _, tok := range strings.Split(stack, ",") {
			if f, ok := parseFrame(stackParam, tok); ok {
				frames = append(frames, f)
			}
		}
	}
	if detail := q.Get(detailParam); detail != "" {
		if f, ok := parseFrame(detailParam, detail); ok {
			frames = append(frames, f)
		}
	}

	for _, param := range m.sortedLegacyParams() {
		value := q.Get(param)
		if value == "" {
			continue
		}
		frames = append(frames, Frame{
			EntityType: m.legacyParams[param],
			Value:      value,
			Param:      param,
			Raw:        true,
		})
	}

	ref := &LegacyReference{URL: u, Frames: frames}
	if ref.RawCount() == 0 {
		return nil, nil
	}
	m.logger.Info("legacy url detected", "raw_identifiers", ref.RawCount(), "frames", len(frames))
	return ref, nil
}

// Migrate registers every raw identifier in ref and returns the rewritten
// URL. Legacy parameters are removed; unrelated parameters are kept.
func (m *Migrator) Migrate(ctx context.Context, ref *LegacyReference) (*Result, error) {
	if ref == nil || ref.RawCount() == 0 {
		return nil, ErrNothingToMigrate
	}

	if limit := m.codec.MaxDepth(); len(ref.Frames) > limit {
		return nil, fmt.Errorf("migrate: %w: %d frames, limit %d", urlstate.ErrDepthExceeded, len(ref.Frames), limit)
	}

	res := &Result{}
	entries := make([]navstack.Entry, 0, len(ref.Frames))
	for i, f := range ref.Frames {
		hash := f.Value
		if f.Raw {
			var err error
			hash, err = m.reg.Register(ctx, f.EntityType, f.Value)
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			switch {
			case err == nil:
			case errors.Is(err, store.ErrQuotaExceeded) && hashgen.Valid(hash):
				res.Warnings = append(res.Warnings, err)
			default:
				return nil, fmt.Errorf("migrate: register %s: %w", f, err)
			}
		}
		entries = append(entries, navstack.Entry{EntityType: f.EntityType, Hash: hash, Depth: i})
	}

	out, err := m.codec.Apply(m.stripLegacy(ref.URL), entries)
	if err != nil {
		return nil, fmt.Errorf("migrate: rewrite url: %w", err)
	}

	res.URL = out.String()
	res.Entries = entries
	res.Hash = entries[len(entries)-1].Hash
	m.logger.Info("legacy url migrated", "frames", len(entries), "warnings", len(res.Warnings))
	return res, nil
}

// MigrateURL detects and migrates rawURL in one step. A clean URL returns
// ErrNothingToMigrate.
func (m *Migrator) MigrateURL(ctx context.Context, rawURL string) (*Result, error) {
	ref, err := m.Detect(rawURL)
	if err != nil {
		return nil, err
	}
	return m.Migrate(ctx, ref)
}

// Strip returns a copy of u without legacy parameters and without the
// codec's detail and stack parameters, for showing while a prompt is open.
func (m *Migrator) Strip(u *url.URL) *url.URL {
	return m.codec.Strip(m.stripLegacy(u))
}

func (m *Migrator) stripLegacy(u *url.URL) *url.URL {
	out := *u
	q := u.Query()
	for param := range m.legacyParams {
		q.Del(param)
	}
	out.RawQuery = q.Encode()
	return &out
}

func (m *Migrator) sortedLegacyParams() []string {
	params := make([]string, 0, len(m.legacyParams))
	for p := range m.legacyParams {
		params = append(params, p)
	}
	sort.Strings(params)
	return params
}

func parseFrame(param, token string) (Frame, bool) {
	entityType, value, ok := urlstate.SplitToken(token)
	if !ok || !urlstate.ValidEntityType(entityType) {
		return Frame{}, false
	}
	return Frame{
		EntityType: entityType,
		Value:      value,
		Param:      param,
		Raw:        !hashgen.Valid(value),
	}, true
}
