// Package access holds the access-check collaborator consulted before a
// resolved reference is opened.
//
// The navigation stack never authorizes anything itself; callers ask a
// Checker whether the current actor may see the resolved entity and only
// then push it. Policy is a Checker driven by a CEL expression:
//
//	policy, err := access.NewPolicy(`entity_type != "user" || !impersonating`)
//	ok, err := policy.CanAccess(access.WithActor(ctx, "alice", false), "user", key)
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// ErrDenied is returned by callers that turn a false CanAccess into an error.
var ErrDenied = errors.New("access: denied")

// Checker decides whether the actor in ctx may open an entity.
type Checker interface {
	CanAccess(ctx context.Context, entityType, realKey string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, entityType, realKey string) (bool, error)

// CanAccess implements Checker.
func (f CheckerFunc) CanAccess(ctx context.Context, entityType, realKey string) (bool, error) {
	return f(ctx, entityType, realKey)
}

// AllowAll permits every entity.
var AllowAll Checker = CheckerFunc(func(context.Context, string, string) (bool, error) {
	return true, nil
})

// Actor identifies who is asking.
type Actor struct {
	ID            string
	Impersonating bool
}

type actorKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, id string, impersonating bool) context.Context {
	return context.WithValue(ctx, actorKey{}, Actor{ID: id, Impersonating: impersonating})
}

// ActorFrom returns the actor carried by ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Policy evaluates a CEL expression over the variables entity_type,
// real_key, actor and impersonating. The expression must yield a bool.
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles expr.
func NewPolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("real_key", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("impersonating", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("access: create environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("access: compile policy: %w", iss.Err())
	}
	if got := ast.OutputType().String(); got != "bool" {
		return nil, fmt.Errorf("access: policy must evaluate to bool, got %s", got)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("access: build program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// String returns the policy expression.
func (p *Policy) String() string {
	return p.expr
}

// CanAccess implements Checker. A context without an actor evaluates with an
// empty actor id.
func (p *Policy) CanAccess(ctx context.Context, entityType, realKey string) (bool, error) {
	actor, _ := ActorFrom(ctx)
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"entity_type":   entityType,
		"real_key":      realKey,
		"actor":         actor.ID,
		"impersonating": actor.Impersonating,
	})
	if err != nil {
		return false, fmt.Errorf("access: evaluate policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("access: policy returned %T", out.Value())
	}
	return allowed, nil
}
