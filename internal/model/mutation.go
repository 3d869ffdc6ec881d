package model

import (
	"fmt"
	"time"
)

// Mutation is a queued write awaiting replay against the remote store.
//
// Invariant: Resource + Action + Data.ID() is sufficient to replay the
// mutation idempotently against an upsert-capable remote adapter.
type Mutation struct {
	ID         string    `json:"id"`
	Resource   string    `json:"resource"`
	Action     Action    `json:"action"`
	Data       Record    `json:"data"`
	EnqueuedAt time.Time `json:"timestamp"`
	Synced     bool      `json:"synced,omitempty"`

	// Replay bookkeeping, written only by the sync engine.
	Attempts      int       `json:"attempts,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Validate checks the mutation can be replayed.
func (m Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mutation: missing id")
	}
	if m.Resource == "" {
		return fmt.Errorf("mutation %s: missing resource", m.ID)
	}
	if !m.Action.Valid() {
		return fmt.Errorf("mutation %s: invalid action %d", m.ID, int(m.Action))
	}
	if m.Action.RequiresID() && !m.Data.HasID() {
		return fmt.Errorf("mutation %s: %s payload must carry an id", m.ID, m.Action)
	}
	return nil
}

// Ready reports whether the mutation is unsynced and past its backoff.
func (m Mutation) Ready(now time.Time) bool {
	return !m.Synced && !m.NextAttemptAt.After(now)
}

// DeadLetter is a mutation that failed permanently and stopped retrying.
type DeadLetter struct {
	Mutation Mutation  `json:"mutation"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
