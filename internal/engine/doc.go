// Package engine implements the offsync sync engine.
//
// The engine drains offline mutation queues against the remote store. A
// drain walks every tracked resource in name order and replays each
// unsynced mutation in FIFO enqueue order:
//
//	CREATE -> Insert, UPDATE -> UpdateByID, DELETE -> DeleteByID
//
// ARCHITECTURE:
//
// Triggers: connectivity regained, an explicit force, and an optional
// periodic retry tick all run the same drain. Drain is single-flight:
// callers arriving while a drain is in progress join it and share its
// Report instead of starting a second pass, so no mutation is replayed
// twice concurrently.
//
// Trigger Loop:
// Run dequeues asynchronous trigger requests (see Request) one at a time on
// a single goroutine, mirroring the event-driven model of the callers.
//
// FAILURE HANDLING:
//
//   - Transient failure: the mutation stays queued with exponential
//     backoff and jitter; later mutations for the same record id are held
//     back for this pass so per-record order is never violated.
//   - Permanent failure: the mutation moves to the dead-letter table.
//   - Attempts at the configured maximum: dead-lettered as well.
//
// A failure never aborts the pass. Cancellation is checked between
// replays only; a replay in flight is bounded by the per-call timeout.
package engine
