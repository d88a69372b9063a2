package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a step of the migration prompt.
type State int

const (
	StateDetected State = iota
	StateAwaitingUserChoice
	StateMigrated
	StateContinuedUnsafe
	StateAbandoned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateAwaitingUserChoice:
		return "awaiting_user_choice"
	case StateMigrated:
		return "migrated"
	case StateContinuedUnsafe:
		return "continued_unsafe"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateMigrated || s == StateContinuedUnsafe || s == StateAbandoned
}

var (
	// ErrChoiceLocked is returned by ContinueUnsafe before the delay elapsed.
	ErrChoiceLocked = errors.New("migrate: unsafe choice is not yet available")

	// ErrInvalidTransition is returned for an action the current state does
	// not allow.
	ErrInvalidTransition = errors.New("migrate: invalid prompt transition")
)

// Prompt is the user-facing choice for one legacy reference.
// It is safe for concurrent use.
type Prompt struct {
	mu          sync.Mutex
	m           *Migrator
	ref         *LegacyReference
	state       State
	presentedAt time.Time
	result      *Result
}

// NewPrompt starts a prompt in StateDetected.
func (m *Migrator) NewPrompt(ref *LegacyReference) (*Prompt, error) {
	if ref == nil || ref.RawCount() == 0 {
		return nil, ErrNothingToMigrate
	}
	return &Prompt{m: m, ref: ref, state: StateDetected}, nil
}

// State returns the current state.
func (p *Prompt) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reference returns the legacy reference the prompt is about.
func (p *Prompt) Reference() *LegacyReference {
	return p.ref
}

// Present moves the prompt to StateAwaitingUserChoice and starts the unsafe
// delay.
func (p *Prompt) Present() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateDetected {
		return fmt.Errorf("%w: present from %s", ErrInvalidTransition, p.state)
	}
	p.state = StateAwaitingUserChoice
	p.presentedAt = p.m.now()
	return nil
}

// UnsafeAvailableIn returns how long ContinueUnsafe stays locked. It is zero
// once the delay has elapsed.
func (p *Prompt) UnsafeAvailableIn() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAwaitingUserChoice {
		return p.m.unsafeDelay
	}
	return p.remaining()
}

// Migrate registers the identifiers and moves to StateMigrated. If ctx is
// cancelled the prompt is abandoned. Other failures leave the prompt
// awaiting a choice so the user can retry.
func (p *Prompt) Migrate(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAwaitingUserChoice {
		return nil, fmt.Errorf("%w: migrate from %s", ErrInvalidTransition, p.state)
	}

	res, err := p.m.Migrate(ctx, p.ref)
	if err != nil {
		if ctx.Err() != nil {
			p.state = StateAbandoned
		}
		return nil, err
	}
	p.state = StateMigrated
	p.result = res
	return res, nil
}

// ContinueUnsafe keeps the legacy URL and moves to StateContinuedUnsafe. It
// returns ErrChoiceLocked until the delay has elapsed.
func (p *Prompt) ContinueUnsafe() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAwaitingUserChoice {
		return "", fmt.Errorf("%w: continue from %s", ErrInvalidTransition, p.state)
	}
	if wait := p.remaining(); wait > 0 {
		return "", fmt.Errorf("%w: %s remaining", ErrChoiceLocked, wait.Round(time.Millisecond))
	}

	p.state = StateContinuedUnsafe
	p.m.logger.Warn("user continued with legacy url", "raw_identifiers", p.ref.RawCount())
	return p.ref.URL.String(), nil
}

// Abandon ends a prompt that has not reached a terminal state.
func (p *Prompt) Abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.Terminal() {
		p.state = StateAbandoned
	}
}

// Result returns the migration result once the prompt is in StateMigrated.
func (p *Prompt) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *Prompt) remaining() time.Duration {
	wait := p.presentedAt.Add(p.m.unsafeDelay).Sub(p.m.now())
	if wait < 0 {
		return 0
	}
	return wait
}
