// Package linkguard keeps sensitive entity identifiers out of URLs.
//
// Deep links to detail panels normally carry the entity's real identifier,
// which is often an e-mail address or other PII, and so leak it into browser
// history, access logs and Referer headers. linkguard replaces the identifier
// with a short opaque hash, keeps the hash -> identifier mapping in a tiered
// local store for one hour, and degrades to a single "link expired or
// unavailable" state whenever a hash cannot be resolved.
//
// # Components
//
//   - hashgen: 12-character base62 hashes and keyed integrity tags
//   - store: the two-tier store (session tier, local tier with TTL) and its
//     memory, Redis, Badger, SQLite and etcd backends
//   - registry: Register, Resolve and PurgeScope over the store
//   - navstack: the depth-bounded stack of open nested references
//   - urlstate: the detail/stack query parameter codec
//   - migrate: detection and migration of URLs that still carry raw
//     identifiers
//   - session, access: reference implementations of the session scope and
//     the access check
//   - config, health: YAML configuration and backend health checks
//
// # Getting Started
//
//	guard, err := linkguard.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer guard.Close()
//
//	frame, err := guard.OpenKey(ctx, "asset", "user@example.com")
//	if err != nil {
//		log.Fatal(err)
//	}
//	u, _ := guard.URL(&url.URL{Path: "/assets"})
//	fmt.Println(u) // /assets?detail=asset:Q2xk9ZbT0aLm
//
// Loading a URL later, in the same session, restores the frames:
//
//	view, err := guard.Load(ctx, u.String())
//	switch {
//	case err != nil:
//		// unparsable URL or cancelled
//	case view.Prompt != nil:
//		// legacy link: offer migration
//	case view.Degraded:
//		// show "link expired or unavailable", then redirect to view.SafeURL
//	default:
//		render(view.Frames)
//	}
//
// # Error Handling
//
// Errors returned by Guard are *Error values carrying a Kind. Use
// Classify or errors.Is with an *Error target to branch on the kind:
//
//	if errors.Is(err, &linkguard.Error{Kind: linkguard.KindQuotaExceeded}) {
//		// the hash works for this navigation but was not persisted
//	}
package linkguard
