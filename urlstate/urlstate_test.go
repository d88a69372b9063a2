package urlstate

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/linkguard/navstack"
)

func entries(tokens ...string) []navstack.Entry {
	out := make([]navstack.Entry, len(tokens))
	for i, tok := range tokens {
		typ, hash, _ := strings.Cut(tok, ":")
		out[i] = navstack.Entry{EntityType: typ, Hash: hash, Depth: i}
	}
	return out
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		entries []navstack.Entry
		want    url.Values
	}{
		{
			name:    "empty",
			entries: nil,
			want:    url.Values{},
		},
		{
			name:    "single frame",
			entries: entries("asset:AAAAAAAAAAAA"),
			want:    url.Values{"detail": {"asset:AAAAAAAAAAAA"}},
		},
		{
			name:    "nested frame",
			entries: entries("asset:AAAAAAAAAAAA", "user:BBBBBBBBBBBB"),
			want: url.Values{
				"detail": {"user:BBBBBBBBBBBB"},
				"stack":  {"asset:AAAAAAAAAAAA"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.entries)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	t.Run("too deep", func(t *testing.T) {
		_, err := Encode(entries("asset:AAAAAAAAAAAA", "user:BBBBBBBBBBBB", "asset:CCCCCCCCCCCC"))
		assert.ErrorIs(t, err, ErrDepthExceeded)
	})

	t.Run("raw identifier", func(t *testing.T) {
		_, err := Encode([]navstack.Entry{{EntityType: "asset", Hash: "user@example.com"}})
		assert.ErrorIs(t, err, ErrInvalidEntry)
	})

	t.Run("bad entity type", func(t *testing.T) {
		_, err := Encode([]navstack.Entry{{EntityType: "Asset", Hash: "AAAAAAAAAAAA"}})
		assert.ErrorIs(t, err, ErrInvalidEntry)
	})
}

func TestDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := entries("asset:AAAAAAAAAAAA", "user:BBBBBBBBBBBB")
		values, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(values)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("no parameters", func(t *testing.T) {
		out, err := Decode(url.Values{"page": {"2"}})
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		query string
		param string
	}{
		{name: "raw email", query: "detail=asset:user%40example.com", param: "detail"},
		{name: "short hash", query: "detail=asset:abc", param: "detail"},
		{name: "long hash", query: "detail=asset:AAAAAAAAAAAAA", param: "detail"},
		{name: "bad alphabet", query: "detail=asset:AAAAAAAAAA-_", param: "detail"},
		{name: "missing separator", query: "detail=AAAAAAAAAAAA", param: "detail"},
		{name: "missing type", query: "detail=:AAAAAAAAAAAA", param: "detail"},
		{name: "uppercase type", query: "detail=Asset:AAAAAAAAAAAA", param: "detail"},
		{name: "bad stack token", query: "detail=asset:AAAAAAAAAAAA&stack=user:nope", param: "stack"},
		{name: "stack without detail", query: "stack=asset:AAAAAAAAAAAA", param: "stack"},
		{name: "repeated detail", query: "detail=asset:AAAAAAAAAAAA&detail=asset:BBBBBBBBBBBB", param: "detail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			_, err = Decode(values)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedToken)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.param, pe.Param)
			assert.NotContains(t, pe.Error(), "example.com")
		})
	}
}

func TestDecodeDepth(t *testing.T) {
	values := url.Values{
		"detail": {"asset:AAAAAAAAAAAA"},
		"stack":  {"asset:BBBBBBBBBBBB,user:CCCCCCCCCCCC"},
	}
	_, err := Decode(values)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	wide := New(WithMaxDepth(3))
	out, err := wide.Decode(values)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "AAAAAAAAAAAA", out[2].Hash)
	assert.Equal(t, 2, out[2].Depth)
}

func TestApply(t *testing.T) {
	u, err := url.Parse("https://app.example.com/assets?page=2&detail=asset:ZZZZZZZZZZZZ&stack=x")
	require.NoError(t, err)

	out, err := Apply(u, entries("asset:AAAAAAAAAAAA"))
	require.NoError(t, err)

	q := out.Query()
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "asset:AAAAAAAAAAAA", q.Get("detail"))
	assert.Empty(t, q.Get("stack"))
	assert.Equal(t, "/assets", out.Path)

	assert.Contains(t, u.RawQuery, "ZZZZZZZZZZZZ", "input URL is not modified")
}

func TestCustomParams(t *testing.T) {
	c := New(WithParams("drawer", "drawers"))
	values, err := c.Encode(entries("asset:AAAAAAAAAAAA", "user:BBBBBBBBBBBB"))
	require.NoError(t, err)
	assert.Equal(t, "user:BBBBBBBBBBBB", values.Get("drawer"))
	assert.Equal(t, "asset:AAAAAAAAAAAA", values.Get("drawers"))

	detail, stack := c.Params()
	assert.Equal(t, "drawer", detail)
	assert.Equal(t, "drawers", stack)
}

func TestSplitToken(t *testing.T) {
	typ, value, ok := SplitToken("asset:user@example.com:8080")
	require.True(t, ok)
	assert.Equal(t, "asset", typ)
	assert.Equal(t, "user@example.com:8080", value)

	_, _, ok = SplitToken("asset:")
	assert.False(t, ok)
}
