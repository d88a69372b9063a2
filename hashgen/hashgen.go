// Package hashgen derives the short opaque tokens that stand in for sensitive
// entity identifiers in URLs, and the keyed integrity tags stored next to them.
//
// Tokens are drawn from a CSPRNG rather than computed from the identifier, so a
// token reveals nothing about the identifier it maps to and cannot be reversed
// with a dictionary. Integrity tags are HMAC-SHA256 values keyed with a secret
// held by the Generator; they are re-derived on every read to detect corrupted
// or tampered records.
package hashgen

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// Length is the number of characters in every generated hash.
	// Shorter tokens do not keep the collision rate acceptable at the
	// expected working set, see CollisionProbability.
	Length = 12

	// Alphabet is the base62 symbol set used for hashes.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// TagLength is the number of hex characters kept from the HMAC output.
	TagLength = 32

	// SecretSize is the size in bytes of a randomly generated HMAC secret.
	SecretSize = 32
)

// rejection threshold: the largest multiple of len(Alphabet) that fits in a byte.
const maxUnbiased = 256 - (256 % len(Alphabet))

// Tag domains keep the integrity tag and the reverse-index tag unrelated even
// though both are derived from the same pair.
const (
	domainIntegrity = "linkguard/integrity/v1"
	domainIndex     = "linkguard/index/v1"
)

// Common errors returned by the generator.
var (
	// ErrEmptyKey is returned when the entity type or real key is empty.
	ErrEmptyKey = errors.New("hashgen: entity type and real key must not be empty")

	// ErrWeakSecret is returned when a configured secret is too short.
	ErrWeakSecret = errors.New("hashgen: integrity secret must be at least 16 bytes")
)

// Generator issues hashes and computes integrity tags.
// A Generator is safe for concurrent use.
type Generator struct {
	secret []byte
	rand   io.Reader
}

// Option configures a Generator.
type Option func(*Generator)

// WithSecret sets the HMAC secret used for integrity and index tags.
// Records written under one secret fail verification under another, so
// processes that share a persistent tier must share the secret.
func WithSecret(secret []byte) Option {
	return func(g *Generator) {
		g.secret = append([]byte(nil), secret...)
	}
}

// WithRandom replaces the entropy source. Only tests should need this.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) {
		g.rand = r
	}
}

// New creates a Generator. Without WithSecret a random secret is drawn, which
// scopes every tag to the lifetime of this Generator.
func New(opts ...Option) (*Generator, error) {
	g := &Generator{rand: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}

	if g.secret == nil {
		g.secret = make([]byte, SecretSize)
		if _, err := io.ReadFull(g.rand, g.secret); err != nil {
			return nil, fmt.Errorf("hashgen: generate secret: %w", err)
		}
	}
	if len(g.secret) < 16 {
		return nil, ErrWeakSecret
	}

	return g, nil
}

// Generate returns a fresh Length-character token for the pair. The token is
// random; calling Generate twice for the same pair yields different tokens.
func (g *Generator) Generate(entityType, realKey string) (string, error) {
	if entityType == "" || realKey == "" {
		return "", ErrEmptyKey
	}

	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("hashgen: read entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == Length {
				break
			}
		}
	}

	return string(out), nil
}

// IntegrityTag derives the tag stored alongside a record.
func (g *Generator) IntegrityTag(entityType, realKey string) string {
	return g.tag(domainIntegrity, entityType, realKey)
}

// IndexTag derives the opaque reverse-index key for a pair, so a registry can
// find an existing hash without putting the real key into a storage key.
func (g *Generator) IndexTag(entityType, realKey string) string {
	return g.tag(domainIndex, entityType, realKey)
}

// Verify reports whether tag matches the pair. The comparison is constant time.
func (g *Generator) Verify(entityType, realKey, tag string) bool {
	want := g.IntegrityTag(entityType, realKey)
	return hmac.Equal([]byte(want), []byte(tag))
}

func (g *Generator) tag(domain, entityType, realKey string) string {
	mac := hmac.New(sha256.New, g.secret)
	// Length prefixes keep ("ab","c") and ("a","bc") distinct.
	fmt.Fprintf(mac, "%s|%d:%s|%d:%s", domain, len(entityType), entityType, len(realKey), realKey)
	return hex.EncodeToString(mac.Sum(nil))[:TagLength]
}

// Valid reports whether s has the lexical shape of a generated hash.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}
