package linkguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zero-day-ai/linkguard/access"
	"github.com/zero-day-ai/linkguard/hashgen"
	"github.com/zero-day-ai/linkguard/migrate"
	"github.com/zero-day-ai/linkguard/navstack"
	"github.com/zero-day-ai/linkguard/registry"
	"github.com/zero-day-ai/linkguard/store"
	"github.com/zero-day-ai/linkguard/urlstate"
)

// Error kinds categorize errors by what the caller should do about them.
const (
	// KindUnresolved: a hash did not map to a verified identifier. Show
	// "link expired or unavailable".
	KindUnresolved = "unresolved"

	// KindMalformedToken: the URL carries a token that is not a hash.
	KindMalformedToken = "malformed_token"

	// KindDepthExceeded: too many nested references.
	KindDepthExceeded = "depth_exceeded"

	// KindQuotaExceeded: storage is full. Non-fatal for the current view.
	KindQuotaExceeded = "quota_exceeded"

	// KindAccessDenied: the access check refused the entity.
	KindAccessDenied = "access_denied"

	// KindValidation: invalid input or configuration.
	KindValidation = "validation"

	// KindStorage: a backend failed.
	KindStorage = "storage"

	// KindCanceled: the caller abandoned the operation.
	KindCanceled = "canceled"

	// KindInternal: anything else.
	KindInternal = "internal"
)

// Error wraps an underlying error with the operation that failed and its
// kind.
//
// Error supports errors.Is against the underlying sentinels and against an
// *Error with a matching Kind:
//
//	if errors.Is(err, &linkguard.Error{Kind: linkguard.KindUnresolved}) {
//		// degraded view
//	}
type Error struct {
	// Op is the operation that failed (e.g., "Guard.Open").
	Op string

	// Kind categorizes the error (e.g., KindUnresolved).
	Kind string

	// Err is the underlying error.
	Err error

	// Context holds extra debugging fields. It must never contain real keys.
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("linkguard: %s: %s", e.Op, e.Kind)
	}
	if len(e.Context) > 0 {
		return fmt.Sprintf("linkguard: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}
	return fmt.Sprintf("linkguard: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches an *Error target by Kind (and Op, when the target sets one),
// and otherwise delegates to the underlying error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}
	return errors.Is(e.Err, target)
}

// WithContext returns a copy of e with ctx merged into its Context.
func (e *Error) WithContext(ctx map[string]any) *Error {
	newErr := *e
	newErr.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		newErr.Context[k] = v
	}
	for k, v := range ctx {
		newErr.Context[k] = v
	}
	return &newErr
}

// Classify returns the Kind for err. It recognizes the sentinels of every
// linkguard package and returns "" for nil.
func Classify(err error) string {
	var lgErr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &lgErr) && lgErr.Kind != "":
		return lgErr.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, access.ErrDenied):
		return KindAccessDenied
	case errors.Is(err, registry.ErrUnresolved), errors.Is(err, navstack.ErrUnresolved):
		return KindUnresolved
	case errors.Is(err, urlstate.ErrDepthExceeded), errors.Is(err, navstack.ErrDepthExceeded):
		return KindDepthExceeded
	case errors.Is(err, urlstate.ErrMalformedToken), errors.Is(err, urlstate.ErrInvalidEntry):
		return KindMalformedToken
	case errors.Is(err, store.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, registry.ErrInvalidReference),
		errors.Is(err, registry.ErrNoScope),
		errors.Is(err, registry.ErrInvalidScope),
		errors.Is(err, hashgen.ErrEmptyKey),
		errors.Is(err, navstack.ErrInvalidEntry),
		errors.Is(err, navstack.ErrEmptyStack),
		errors.Is(err, migrate.ErrChoiceLocked),
		errors.Is(err, migrate.ErrInvalidTransition),
		errors.Is(err, migrate.ErrInvalidURL),
		errors.Is(err, migrate.ErrNothingToMigrate),
		errors.Is(err, store.ErrInvalidKey):
		return KindValidation
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, store.ErrClosed),
		errors.Is(err, store.ErrNotFound):
		return KindStorage
	default:
		return KindInternal
	}
}

// wrap converts err into an *Error for op, classifying it. Context errors
// are returned unchanged so callers can compare them directly.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var lgErr *Error
	if errors.As(err, &lgErr) {
		return err
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// CloseWithLog closes closer and logs any error at warning level. A nil
// logger uses slog.Default().
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
