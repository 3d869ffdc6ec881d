// Package remote defines the contract offsync consumes from the
// authoritative store, and ships three implementations of it:
//
//   - Memory: an in-process, upsert-capable store with change fan-out
//   - Server: an HTTP + websocket binding that exposes any Store
//   - Client: the HTTP + websocket client for Server
//
// Errors returned by every implementation are classified as transient or
// permanent (see Error). Unclassified errors are treated as transient so a
// record is never dropped because its failure was not understood.
package remote
