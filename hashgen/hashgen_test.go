package hashgen

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := New(WithSecret([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return g
}

func TestGenerate(t *testing.T) {
	g := newTestGenerator(t)

	t.Run("shape", func(t *testing.T) {
		h, err := g.Generate("asset", "user@example.com")
		require.NoError(t, err)
		assert.Len(t, h, Length)
		assert.True(t, Valid(h))
		assert.NotContains(t, h, "user")
	})

	t.Run("not derived from the key", func(t *testing.T) {
		h1, err := g.Generate("asset", "user@example.com")
		require.NoError(t, err)
		h2, err := g.Generate("asset", "user@example.com")
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := g.Generate("asset", "")
		assert.ErrorIs(t, err, ErrEmptyKey)

		_, err = g.Generate("", "user@example.com")
		assert.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("rejection sampling skips biased bytes", func(t *testing.T) {
		src := []byte{255, 249, 248, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 61, 62}
		g, err := New(WithSecret(bytes.Repeat([]byte{1}, 16)), WithRandom(bytes.NewReader(append(src, make([]byte, 64)...))))
		require.NoError(t, err)

		h, err := g.Generate("asset", "k")
		require.NoError(t, err)
		assert.Equal(t, "0123456789AB", h)
	})

	t.Run("entropy exhausted", func(t *testing.T) {
		g, err := New(WithSecret(bytes.Repeat([]byte{1}, 16)), WithRandom(bytes.NewReader(nil)))
		require.NoError(t, err)

		_, err = g.Generate("asset", "k")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read entropy")
	})
}

func TestNew(t *testing.T) {
	t.Run("random secret", func(t *testing.T) {
		a, err := New()
		require.NoError(t, err)
		b, err := New()
		require.NoError(t, err)
		assert.NotEqual(t, a.IntegrityTag("asset", "k"), b.IntegrityTag("asset", "k"))
	})

	t.Run("weak secret", func(t *testing.T) {
		_, err := New(WithSecret([]byte("short")))
		assert.ErrorIs(t, err, ErrWeakSecret)
	})
}

func TestIntegrityTag(t *testing.T) {
	g := newTestGenerator(t)

	tag := g.IntegrityTag("asset", "user@example.com")
	assert.Len(t, tag, TagLength)
	assert.Equal(t, tag, g.IntegrityTag("asset", "user@example.com"))
	assert.True(t, g.Verify("asset", "user@example.com", tag))

	assert.False(t, g.Verify("asset", "user@example.org", tag))
	assert.False(t, g.Verify("user", "user@example.com", tag))
	assert.NotEqual(t, g.IntegrityTag("ab", "c"), g.IntegrityTag("a", "bc"))
	assert.NotEqual(t, tag, g.IndexTag("asset", "user@example.com"))
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"generated shape", "aZ09bY18cX27", true},
		{"too short", "aZ09bY18", false},
		{"too long", "aZ09bY18cX27d", false},
		{"symbol", "aZ09bY18cX2-", false},
		{"email", "u@example.com", false},
		{"empty", "", false},
		{"non ascii", "aZ09bY18cX2é", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.input))
		})
	}
}

func TestCollisionProbability(t *testing.T) {
	t.Run("chosen length at expected population", func(t *testing.T) {
		p := CollisionProbability(100_000, Length, len(Alphabet))
		assert.Less(t, p, 0.001)
	})

	t.Run("eight hex characters are not enough", func(t *testing.T) {
		p := CollisionProbability(100_000, 8, 16)
		assert.Greater(t, p, 0.5)
	})

	t.Run("degenerate inputs", func(t *testing.T) {
		assert.Zero(t, CollisionProbability(1, Length, len(Alphabet)))
		assert.Zero(t, CollisionProbability(10, 0, len(Alphabet)))
	})

	t.Run("entropy", func(t *testing.T) {
		assert.GreaterOrEqual(t, EntropyBits(Length, len(Alphabet)), 48.0)
	})
}

func TestGenerateCollisionsAtPopulation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping population test in short mode")
	}

	g := newTestGenerator(t)
	const n = 100_000

	seen := make(map[string]struct{}, n)
	collisions := 0
	for i := 0; i < n; i++ {
		h, err := g.Generate("asset", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		if _, ok := seen[h]; ok {
			collisions++
		}
		seen[h] = struct{}{}
	}

	assert.Less(t, float64(collisions)/n, 0.001)
}
