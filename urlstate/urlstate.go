package urlstate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/zero-day-ai/linkguard/hashgen"
	"github.com/zero-day-ai/linkguard/navstack"
	"github.com/zero-day-ai/linkguard/registry"
)

const (
	// DefaultDetailParam carries the top-of-stack token.
	DefaultDetailParam = "detail"

	// DefaultStackParam carries the tokens beneath the top, root first.
	DefaultStackParam = "stack"

	tokenSeparator = ":"
	listSeparator  = ","
)

// Common errors returned by the codec.
var (
	// ErrMalformedToken is matched by a ParseError for a token that is not a
	// well-formed "entityType:hash" pair.
	ErrMalformedToken = errors.New("urlstate: malformed token")

	// ErrDepthExceeded is matched by a ParseError when the URL carries more
	// frames than the depth limit.
	ErrDepthExceeded = errors.New("urlstate: too many nested references")

	// ErrInvalidEntry is returned by Encode for an entry that would not
	// decode.
	ErrInvalidEntry = errors.New("urlstate: entry is not encodable")
)

// ParseError describes why a query could not be decoded.
type ParseError struct {
	Param string
	Token string
	Err   error
}

// Error implements error. The offending token is not included because a
// legacy token may carry a real identifier.
func (e *ParseError) Error() string {
	return fmt.Sprintf("urlstate: parse %s: %v", e.Param, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Codec maps navstack entries to and from query parameters.
type Codec struct {
	detailParam string
	stackParam  string
	maxDepth    int
}

// Option configures a Codec.
type Option func(*Codec)

// WithParams overrides the parameter names.
func WithParams(detail, stack string) Option {
	return func(c *Codec) {
		if detail != "" {
			c.detailParam = detail
		}
		if stack != "" {
			c.stackParam = stack
		}
	}
}

// WithMaxDepth sets the number of frames Decode accepts.
func WithMaxDepth(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		detailParam: DefaultDetailParam,
		stackParam:  DefaultStackParam,
		maxDepth:    navstack.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCodec = New()

// Encode encodes entries with the default codec.
func Encode(entries []navstack.Entry) (url.Values, error) {
	return defaultCodec.Encode(entries)
}

// Decode decodes values with the default codec.
func Decode(values url.Values) ([]navstack.Entry, error) {
	return defaultCodec.Decode(values)
}

// Apply rewrites u with the default codec.
func Apply(u *url.URL, entries []navstack.Entry) (*url.URL, error) {
	return defaultCodec.Apply(u, entries)
}

// Params returns the detail and stack parameter names.
func (c *Codec) Params() (detail, stack string) {
	return c.detailParam, c.stackParam
}

// MaxDepth returns the number of frames the codec accepts.
func (c *Codec) MaxDepth() int {
	return c.maxDepth
}

// Encode returns the parameters for entries, given root first. An empty
// slice encodes to empty values.
func (c *Codec) Encode(entries []navstack.Entry) (url.Values, error) {
	values := url.Values{}
	if len(entries) == 0 {
		return values, nil
	}
	if len(entries) > c.maxDepth {
		return nil, fmt.Errorf("%w: %d frames, limit %d", ErrDepthExceeded, len(entries), c.maxDepth)
	}

	tokens := make([]string, len(entries))
	for i, e := range entries {
		if !ValidEntityType(e.EntityType) || !hashgen.Valid(e.Hash) {
			return nil, fmt.Errorf("%w: frame %d", ErrInvalidEntry, i)
		}
		tokens[i] = FormatToken(e.EntityType, e.Hash)
	}

	last := len(tokens) - 1
	values.Set(c.detailParam, tokens[last])
	if last > 0 {
		values.Set(c.stackParam, strings.Join(tokens[:last], listSeparator))
	}
	return values, nil
}

// Decode parses the frames carried by values, root first. A query with
// neither parameter decodes to an empty slice.
func (c *Codec) Decode(values url.Values) ([]navstack.Entry, error) {
	detail, err := single(values, c.detailParam)
	if err != nil {
		return nil, err
	}
	stack, err := single(values, c.stackParam)
	if err != nil {
		return nil, err
	}

	if detail == "" {
		if stack != "" {
			return nil, &ParseError{Param: c.stackParam, Token: stack, Err: ErrMalformedToken}
		}
		return nil, nil
	}

	var tokens []string
	if stack != "" {
		tokens = strings.Split(stack, listSeparator)
	}
	if len(tokens)+1 > c.maxDepth {
		return nil, &ParseError{Param: c.stackParam, Token: stack, Err: ErrDepthExceeded}
	}
	tokens = append(tokens, detail)

	entries := make([]navstack.Entry, 0, len(tokens))
	for i, tok := range tokens {
		param := c.stackParam
		if i == len(tokens)-1 {
			param = c.detailParam
		}
		entityType, hash, ok := SplitToken(tok)
		if !ok || !ValidEntityType(entityType) || !hashgen.Valid(hash) {
			return nil, &ParseError{Param: param, Token: tok, Err: ErrMalformedToken}
		}
		entries = append(entries, navstack.Entry{EntityType: entityType, Hash: hash, Depth: i})
	}
	return entries, nil
}

// Apply returns a copy of u whose detail and stack parameters encode
// entries. Unrelated parameters are preserved.
func (c *Codec) Apply(u *url.URL, entries []navstack.Entry) (*url.URL, error) {
	encoded, err := c.Encode(entries)
	if err != nil {
		return nil, err
	}

	out := c.Strip(u)
	q := out.Query()
	for k, vs := range encoded {
		q[k] = vs
	}
	out.RawQuery = q.Encode()
	return out, nil
}

// Strip returns a copy of u without the detail and stack parameters.
func (c *Codec) Strip(u *url.URL) *url.URL {
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	q := u.Query()
	q.Del(c.detailParam)
	q.Del(c.stackParam)
	out.RawQuery = q.Encode()
	return &out
}

// FormatToken joins an entity type and hash.
func FormatToken(entityType, hash string) string {
	return entityType + tokenSeparator + hash
}

// SplitToken splits "entityType:value" at the first separator. The value is
// not validated and may be anything, including a raw identifier.
func SplitToken(token string) (entityType, value string, ok bool) {
	entityType, value, ok = strings.Cut(token, tokenSeparator)
	if !ok || entityType == "" || value == "" {
		return "", "", false
	}
	return entityType, value, true
}

// ValidEntityType reports whether s is an acceptable entity type tag. It is
// the rule registry.Register enforces.
func ValidEntityType(s string) bool {
	return registry.ValidEntityType(s)
}

func single(values url.Values, param string) (string, error) {
	vs := values[param]
	switch len(vs) {
	case 0:
		return "", nil
	case 1:
		return vs[0], nil
	default:
		return "", &ParseError{Param: param, Err: ErrMalformedToken}
	}
}
