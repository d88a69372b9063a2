// Package registry maps short opaque hashes to the sensitive entity
// identifiers they stand for.
//
// A Registry is bound to one scope provider (the session or impersonation
// context) and one tiered store. Every record it writes lives under the key
// "{scopeKey}:{hash}", so PurgeScope can drop an identity's mappings by
// prefix without touching other scopes.
//
// Register is idempotent per scope while a mapping is live: registering the
// same (entityType, realKey) twice returns the same hash, found through an
// opaque reverse-index record "{scopeKey}:ref:{indexTag}" that never contains
// the real key.
//
// Resolve fails closed. A missing record, an expired record, a malformed
// hash, a record whose integrity tag no longer matches its contents, and a
// record of a different entity type than the caller expects all return the
// single error ErrUnresolved, so callers implement one degraded path:
//
//	ref, err := reg.Resolve(ctx, hash, registry.WithExpectedType("asset"))
//	switch {
//	case errors.Is(err, registry.ErrUnresolved):
//	    // show "link expired or unavailable" and return to a safe view
//	case err != nil:
//	    // cancelled; the caller navigated away
//	default:
//	    render(ref)
//	}
//
// Concurrent Register calls for the same pair may race and issue two
// hashes; both resolve, and callers register at most once per navigation.
package registry
