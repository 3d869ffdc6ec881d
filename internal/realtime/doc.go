// Package realtime keeps an in-memory copy of a remote resource current by
// seeding it with a snapshot and folding the push feed into it.
//
// A Handle moves through these states:
//
//	UNINITIALIZED -> SEEDING -> LIVE | SEED_FAILED -> CLOSED
//	LIVE -> RECONNECTING -> LIVE   (feed dropped, resubscribed and reseeded)
//
// Each handle has exactly one goroutine consuming its feed, so events are
// folded in the order the remote store emitted them. Once Close returns no
// event mutates the snapshot again.
package realtime
