package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// ErrStopped is returned by Request after Stop.
var ErrStopped = errors.New("engine stopped")

// ReplayError describes one failed mutation replay.
type ReplayError struct {
	MutationID string
	Resource   string
	Action     model.Action
	RecordID   string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s %s/%s (mutation=%s, attempt=%d): %v",
		e.Action, e.Resource, e.RecordID, e.MutationID, e.Attempts, e.Err)
}

// Unwrap returns the remote error.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

func newReplayError(m model.Mutation, err error) *ReplayError {
	return &ReplayError{
		MutationID: m.ID,
		Resource:   m.Resource,
		Action:     m.Action,
		RecordID:   m.Data.ID(),
		Attempts:   m.Attempts,
		Err:        err,
	}
}
