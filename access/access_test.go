package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll.CanAccess(context.Background(), "asset", "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), "alice", true)
	actor, ok := ActorFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, Actor{ID: "alice", Impersonating: true}, actor)
}

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "bool expression", expr: `entity_type == "asset"`},
		{name: "syntax error", expr: `entity_type ==`, wantErr: true},
		{name: "unknown variable", expr: `tenant == "a"`, wantErr: true},
		{name: "non bool result", expr: `entity_type + "x"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expr, p.String())
		})
	}
}

func TestPolicyCanAccess(t *testing.T) {
	p, err := NewPolicy(`entity_type != "user" || (!impersonating && actor != "")`)
	require.NoError(t, err)

	tests := []struct {
		name          string
		actor         string
		impersonating bool
		entityType    string
		want          bool
	}{
		{name: "asset always allowed", entityType: "asset", want: true},
		{name: "user with actor", actor: "alice", entityType: "user", want: true},
		{name: "user while impersonating", actor: "bob", impersonating: true, entityType: "user", want: false},
		{name: "user without actor", entityType: "user", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.actor != "" {
				ctx = WithActor(ctx, tt.actor, tt.impersonating)
			}
			got, err := p.CanAccess(ctx, tt.entityType, "key")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyRealKey(t *testing.T) {
	p, err := NewPolicy(`!real_key.endsWith("@internal.example.com")`)
	require.NoError(t, err)

	ok, err := p.CanAccess(context.Background(), "user", "root@internal.example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.CanAccess(context.Background(), "user", "someone@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}
