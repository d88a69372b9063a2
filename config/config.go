// Package config loads linkguard.yaml configuration files.
//
// Every setting is optional. Getters return the built-in default when a
// value is missing or unparsable; Validate reports values that are present
// but unusable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/linkguard/access"
	"github.com/zero-day-ai/linkguard/migrate"
	"github.com/zero-day-ai/linkguard/navstack"
	"github.com/zero-day-ai/linkguard/store"
	"github.com/zero-day-ai/linkguard/store/etcdstore"
	"github.com/zero-day-ai/linkguard/urlstate"
)

// Backend types accepted in storage blocks.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
)

// minSecretLen matches the generator's minimum secret size.
const minSecretLen = 16

// Config represents a linkguard.yaml file.
type Config struct {
	// TTL is how long a mapping stays resolvable.
	// Format: Go duration string. Default: 1h, maximum 24h.
	TTL string `yaml:"ttl,omitempty"`

	// MaxDepth is the nested reference limit. Default and maximum: 2.
	MaxDepth int `yaml:"max_depth,omitempty"`

	// UnsafeDelay locks the "continue with legacy link" choice.
	// Format: Go duration string. Default: 5s.
	UnsafeDelay string `yaml:"unsafe_delay,omitempty"`

	// IntegritySecret keys integrity tags. Environment variables are
	// expanded, so "${LINKGUARD_SECRET}" keeps the secret out of the file.
	// Without it each process draws a random secret and persisted records
	// do not survive a restart.
	IntegritySecret string `yaml:"integrity_secret,omitempty"`

	// RefreshOnResolve extends a mapping's TTL on every successful resolve.
	RefreshOnResolve bool `yaml:"refresh_on_resolve,omitempty"`

	Storage *StorageConfig `yaml:"storage,omitempty"`
	Legacy  *LegacyConfig  `yaml:"legacy,omitempty"`
	Access  *AccessConfig  `yaml:"access,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// StorageConfig selects the backends of the two tiers.
type StorageConfig struct {
	Session *BackendConfig `yaml:"session,omitempty"`
	Local   *BackendConfig `yaml:"local,omitempty"`

	// EvictFraction is the share of records evicted on a quota error.
	// Default: 0.1
	EvictFraction float64 `yaml:"evict_fraction,omitempty"`
}

// BackendConfig configures one storage backend.
type BackendConfig struct {
	// Type is memory, redis, badger, sqlite or etcd. Default: memory.
	Type string `yaml:"type,omitempty"`

	// URL is the Redis URL.
	URL string `yaml:"url,omitempty"`

	// Path is the Badger directory or SQLite file.
	Path string `yaml:"path,omitempty"`

	// Endpoints are the etcd endpoints.
	Endpoints []string `yaml:"endpoints,omitempty"`

	// Namespace prefixes keys in shared Redis and etcd deployments.
	Namespace string `yaml:"namespace,omitempty"`

	// MaxEntries caps a memory backend. Zero means unlimited.
	MaxEntries int `yaml:"max_entries,omitempty"`

	// DialTimeout bounds connection setup for network backends.
	// Format: Go duration string. Default: 5s.
	DialTimeout string `yaml:"dial_timeout,omitempty"`

	TLS *etcdstore.TLSConfig `yaml:"tls,omitempty"`
}

// LegacyConfig describes the URL shapes the migrator recognizes.
type LegacyConfig struct {
	// Params maps legacy parameter names to entity types,
	// e.g. {assetKey: asset}.
	Params map[string]string `yaml:"params,omitempty"`

	// DetailParam and StackParam rename the codec parameters.
	DetailParam string `yaml:"detail_param,omitempty"`
	StackParam  string `yaml:"stack_param,omitempty"`
}

// AccessConfig holds the access policy.
type AccessConfig struct {
	// Policy is a CEL expression over entity_type, real_key, actor and
	// impersonating. Empty allows everything.
	Policy string `yaml:"policy,omitempty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level,omitempty"`

	// Format is text or json. Default: text.
	Format string `yaml:"format,omitempty"`
}

// Default returns a configuration with two in-memory tiers.
func Default() *Config {
	return &Config{}
}

// Load reads, parses and validates the file at path. Unknown keys are
// rejected so a typo cannot silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every unusable value.
func (c *Config) Validate() error {
	var errs []error

	if c.TTL != "" {
		d, err := time.ParseDuration(c.TTL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("ttl: %w", err))
		case d <= 0 || d > store.MaxTTL:
			errs = append(errs, fmt.Errorf("ttl: must be in (0, %s], got %s", store.MaxTTL, d))
		}
	}
	if c.MaxDepth < 0 || c.MaxDepth > navstack.DefaultMaxDepth {
		errs = append(errs, fmt.Errorf("max_depth: must be between 1 and %d", navstack.DefaultMaxDepth))
	}
	if c.UnsafeDelay != "" {
		d, err := time.ParseDuration(c.UnsafeDelay)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("unsafe_delay: %w", err))
		case d < 0:
			errs = append(errs, fmt.Errorf("unsafe_delay: must not be negative"))
		}
	}
	if s := c.GetIntegritySecret(); s != nil && len(s) < minSecretLen {
		errs = append(errs, fmt.Errorf("integrity_secret: must be at least %d bytes", minSecretLen))
	}

	if c.Storage != nil {
		if f := c.Storage.EvictFraction; f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("storage.evict_fraction: must be between 0 and 1"))
		}
		if err := c.Storage.Session.validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.session: %w", err))
		}
		if err := c.Storage.Local.validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.local: %w", err))
		}
	}

	if c.Legacy != nil {
		for param, entityType := range c.Legacy.Params {
			if param == "" || !urlstate.ValidEntityType(entityType) {
				errs = append(errs, fmt.Errorf("legacy.params: invalid mapping %q -> %q", param, entityType))
			}
		}
	}

	if c.Access != nil && c.Access.Policy != "" {
		if _, err := access.NewPolicy(c.Access.Policy); err != nil {
			errs = append(errs, fmt.Errorf("access.policy: %w", err))
		}
	}

	if c.Logging != nil {
		if _, err := parseLevel(c.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
		switch strings.ToLower(c.Logging.Format) {
		case "", "text", "json":
		default:
			errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Warnings lists valid settings that diverge from recommended values.
func (c *Config) Warnings() []string {
	var warnings []string
	if ttl := c.GetTTL(); ttl != store.DefaultTTL {
		warnings = append(warnings, fmt.Sprintf("ttl %s differs from the recommended %s", ttl, store.DefaultTTL))
	}
	if c.GetIntegritySecret() == nil && c.LocalBackend().GetType() != BackendMemory {
		warnings = append(warnings, "integrity_secret is not set; persisted mappings will not verify after a restart")
	}
	return warnings
}

// GetTTL returns the mapping TTL or store.DefaultTTL.
func (c *Config) GetTTL() time.Duration {
	return parseDuration(c.TTL, store.DefaultTTL)
}

// GetMaxDepth returns the nested reference limit.
func (c *Config) GetMaxDepth() int {
	if c.MaxDepth <= 0 || c.MaxDepth > navstack.DefaultMaxDepth {
		return navstack.DefaultMaxDepth
	}
	return c.MaxDepth
}

// GetUnsafeDelay returns the unsafe choice delay or migrate.DefaultUnsafeDelay.
func (c *Config) GetUnsafeDelay() time.Duration {
	return parseDuration(c.UnsafeDelay, migrate.DefaultUnsafeDelay)
}

// GetIntegritySecret returns the expanded secret, or nil if unset.
func (c *Config) GetIntegritySecret() []byte {
	s := os.ExpandEnv(c.IntegritySecret)
	if s == "" {
		return nil
	}
	return []byte(s)
}

// GetEvictFraction returns the eviction share, or 0 for the store default.
func (c *Config) GetEvictFraction() float64 {
	if c.Storage == nil {
		return 0
	}
	return c.Storage.EvictFraction
}

// SessionBackend returns the session tier configuration.
func (c *Config) SessionBackend() *BackendConfig {
	if c.Storage == nil || c.Storage.Session == nil {
		return &BackendConfig{Type: BackendMemory}
	}
	return c.Storage.Session
}

// LocalBackend returns the local tier configuration.
func (c *Config) LocalBackend() *BackendConfig {
	if c.Storage == nil || c.Storage.Local == nil {
		return &BackendConfig{Type: BackendMemory}
	}
	return c.Storage.Local
}

// GetLegacyParams returns the legacy parameter mapping.
func (c *Config) GetLegacyParams() map[string]string {
	if c.Legacy == nil {
		return nil
	}
	return c.Legacy.Params
}

// GetCodecParams returns the detail and stack parameter names.
func (c *Config) GetCodecParams() (detail, stack string) {
	detail, stack = urlstate.DefaultDetailParam, urlstate.DefaultStackParam
	if c.Legacy != nil {
		if c.Legacy.DetailParam != "" {
			detail = c.Legacy.DetailParam
		}
		if c.Legacy.StackParam != "" {
			stack = c.Legacy.StackParam
		}
	}
	return detail, stack
}

// GetAccessPolicy returns the CEL policy expression.
func (c *Config) GetAccessPolicy() string {
	if c.Access == nil {
		return ""
	}
	return c.Access.Policy
}

// GetType returns the backend type or BackendMemory.
func (b *BackendConfig) GetType() string {
	if b == nil || b.Type == "" {
		return BackendMemory
	}
	return strings.ToLower(b.Type)
}

// GetDialTimeout returns the dial timeout or 5s.
func (b *BackendConfig) GetDialTimeout() time.Duration {
	if b == nil {
		return 5 * time.Second
	}
	return parseDuration(b.DialTimeout, 5*time.Second)
}

func (b *BackendConfig) validate() error {
	if b == nil {
		return nil
	}
	switch b.GetType() {
	case BackendMemory:
		if b.MaxEntries < 0 {
			return fmt.Errorf("max_entries must not be negative")
		}
	case BackendRedis:
	case BackendBadger, BackendSQLite:
		if b.Path == "" {
			return fmt.Errorf("%s backend requires path", b.GetType())
		}
	case BackendEtcd:
		if len(b.Endpoints) == 0 {
			return fmt.Errorf("etcd backend requires endpoints")
		}
	default:
		return fmt.Errorf("unknown backend type %q", b.Type)
	}
	if b.DialTimeout != "" {
		if _, err := time.ParseDuration(b.DialTimeout); err != nil {
			return fmt.Errorf("dial_timeout: %w", err)
		}
	}
	return b.TLS.Validate()
}

// GetLevel returns the slog level or slog.LevelInfo.
func (l *LoggingConfig) GetLevel() slog.Level {
	if l == nil {
		return slog.LevelInfo
	}
	level, err := parseLevel(l.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds a slog.Logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Logging.GetLevel()}
	if c.Logging != nil && strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
