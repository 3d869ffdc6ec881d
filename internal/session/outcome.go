package session

import (
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// OutcomeStatus is where a mutation ended up.
type OutcomeStatus int

const (
	// OutcomeApplied means the remote store holds the write.
	OutcomeApplied OutcomeStatus = iota + 1
	// OutcomeQueued means the write is persisted and awaiting a drain.
	OutcomeQueued
	// OutcomeDeadLettered means the write stopped retrying.
	OutcomeDeadLettered
)

// String returns the status name.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeApplied:
		return "applied"
	case OutcomeQueued:
		return "queued"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("OutcomeStatus(%d)", int(s))
	}
}

// Outcome is reported to the listener set with WithOutcomeListener.
type Outcome struct {
	Mutation model.Mutation
	Status   OutcomeStatus
	// Err is the remote error behind a queued or dead-lettered outcome.
	Err error
}
