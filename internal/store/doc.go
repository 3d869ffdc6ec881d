// Package store provides SQLite-backed durable storage for offline mutation
// queues.
//
// The store keeps exactly one serialized JSON array of model.Mutation per
// resource name:
//   - queues: resource -> JSON array, in enqueue (FIFO) order
//   - dead_letters: mutations that failed permanently, one row each
//
// # Corruption
//
// A queue whose content does not decode into a valid array of mutations is
// treated as empty. It is never repaired; the next write for that resource
// overwrites it. Corruption is logged at debug level and never surfaced.
//
// # Atomicity
//
// Every write runs in a single SQL transaction over a single connection, so
// Append, WriteAll and Update are atomic from the caller's perspective and
// read-modify-write sequences from the mutation queue and the sync engine
// never interleave.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
