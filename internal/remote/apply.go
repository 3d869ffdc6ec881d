package remote

import (
	"context"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// Apply performs one mutation verb against the store.
//
// Every model.Action is matched explicitly; an unrecognized action is a
// permanent error rather than a silent no-op.
func Apply(ctx context.Context, s Store, resource string, action model.Action, data model.Record) error {
	switch action {
	case model.ActionCreate:
		_, err := s.Insert(ctx, resource, data)
		return err
	case model.ActionUpdate:
		_, err := s.UpdateByID(ctx, resource, data.ID(), data)
		return err
	case model.ActionDelete:
		return s.DeleteByID(ctx, resource, data.ID())
	default:
		return Permanent("apply", resource, fmt.Errorf("unknown action %s", action))
	}
}
