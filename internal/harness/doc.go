// Package harness runs offline sync scenarios against a real session.
//
// Each scenario gets a fresh in-memory queue store, an in-memory remote
// store, a manual clock and sequential ids, so the recorded trace is the
// same on every run and can be compared against a golden file.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: offline_bid_replay
//	description: "A bid placed offline reaches the remote store on reconnect"
//	online: false
//	seed:
//	  locations:
//	    - { id: l1, name: Dock }
//	flow:
//	  - mutate: { resource: bids, action: create, data: { id: b1, amount: 500 }, expect: queued }
//	  - set_online: true
//	  - await: { pending: 0 }
//	assertions:
//	  - type: trace_contains
//	    event: remote.insert
//	    resource: bids
//	    record_id: b1
//	  - type: remote_state
//	    resource: bids
//	    where: { id: b1 }
//	    expect: { amount: 500 }
//
// Every flow step names exactly one of: mutate, external, set_online, sync,
// watch, fail, heal, advance, await.
//
// # Trace
//
// The trace interleaves three event types, keyed as "<type>.<name>":
//
//   - step.*: the flow step about to run (step.mutate, step.sync, ...)
//   - remote.*: every call that reaches the remote store (remote.insert, ...)
//   - outcome.*: where each mutation ended up (outcome.queued, ...)
//
// A sync step additionally records a report.drain event with the pass
// counters once the drain returns.
//
// # Assertion Types
//
//   - trace_contains: an event with the key (and optional resource/record_id) exists
//   - trace_order: events first appear in the given order
//   - trace_count: an event key appears exactly N times
//   - remote_state: a remote record matching where has the expected fields
//   - remote_count: the remote resource holds exactly N records
//   - pending_count: N mutations are still queued
//   - dead_letter_count: N mutations were dead-lettered
//   - drain_count: the engine ran exactly N drain passes
//   - watch_items: the watch on a resource holds N items (optionally these ids)
package harness
