// Package migrate finds URLs that still carry raw entity identifiers and
// rewrites them into hash-based URLs.
//
// Two legacy shapes are recognized: a detail or stack token whose value is
// not a hash ("?detail=asset:user@example.com"), and configured legacy
// parameters that name an entity type directly ("?assetKey=user@example.com").
//
// Values of legacy parameters are always raw. In detail and stack tokens a
// raw value that happens to be 12 base62 characters ("user:johnsmith123")
// cannot be told apart from a hash, so it is not detected; it fails to
// resolve and the URL degrades like any other unknown hash.
//
// A Prompt drives the user-facing choice:
//
//	Detected -> AwaitingUserChoice -> Migrated
//	                               -> ContinuedUnsafe
//
// Any non-terminal state can also move to Abandoned when the user navigates
// away. Continuing with the unsafe link is locked for UnsafeDelay after the
// prompt is presented so that migrating is always the quicker choice.
package migrate
