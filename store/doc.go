// Package store provides the two-tier key-value persistence used by the
// entity key registry.
//
// A Tiered store combines two Backends with different lifetimes:
//
//   - Session: short-lived storage cleared when the browsing context ends
//   - Local: persistent storage bounded by the record TTL or an explicit purge
//
// Reads check the session tier first and fall back to the local tier,
// promoting local hits into the session tier. Writes always go to the local
// tier so TTL bookkeeping has one home, and opportunistically to the session
// tier.
//
// Expiry is enforced lazily: a record whose ExpiresAt has passed is reported
// as ErrNotFound and deleted from both tiers on the read that observes it.
// Sweep removes expired records eagerly but is never required for
// correctness.
//
// # Backends
//
// Memory is the in-process backend used for the session tier and in tests.
// The redisstore, badgerstore, sqlitestore and etcdstore packages provide
// persistent local tiers.
//
// # Quotas
//
// When a backend reports ErrQuotaExceeded the Tiered store evicts the oldest
// records by StoredAt and retries the write once. Access recency is not
// tracked, so eviction is by creation order only.
//
// Example:
//
//	tiered := store.NewTiered(store.NewMemory(), redisBackend,
//	    store.WithLogger(logger),
//	)
//
//	err := tiered.Set(ctx, "scope:aZ09bY18cX27", payload, store.TierSession)
//	rec, err := tiered.Get(ctx, "scope:aZ09bY18cX27")
//	if errors.Is(err, store.ErrNotFound) {
//	    // missing or expired
//	}
package store
