// Package urlstate encodes the open nested references of a browsing context
// into URL search parameters and decodes them back.
//
// Only hashes are ever written. The top of the stack goes in the detail
// parameter and the frames beneath it, root first, in the stack parameter:
//
//	?detail=user:Q2xk9ZbT0aLm&stack=asset:7fPq1XwY3nRc
//
// Decode validates every token lexically (entity type shape, hash length and
// alphabet) before anything reaches the registry, and refuses more frames than
// the depth limit.
package urlstate
