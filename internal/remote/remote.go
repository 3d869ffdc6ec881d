package remote

import (
	"context"

	"github.com/roach88/offsync/internal/model"
)

// Store is the per-resource CRUD and change-feed contract of the remote
// source of truth.
type Store interface {
	// Insert creates the record, replacing any existing record with the same
	// id. Upsert semantics make CREATE replays idempotent.
	Insert(ctx context.Context, resource string, rec model.Record) (model.Record, error)

	// UpdateByID merges partial into the record with the given id.
	UpdateByID(ctx context.Context, resource, id string, partial model.Record) (model.Record, error)

	// DeleteByID removes the record. Deleting a missing id succeeds.
	DeleteByID(ctx context.Context, resource, id string) error

	// SelectAll returns every record of the resource matching filter, in
	// the store's natural order. A nil filter selects everything.
	SelectAll(ctx context.Context, resource string, filter *model.Filter) ([]model.Record, error)

	// Subscribe opens a push feed of changes to the resource.
	Subscribe(ctx context.Context, resource string, filter *model.Filter) (Feed, error)
}

// Feed is a live stream of change events for one resource.
//
// Events arrive in the order the store emits them. The Events channel is
// closed when the feed drops or is closed; Err then reports why (nil after
// an explicit Close).
type Feed interface {
	// Ready is closed once the feed is fully established.
	Ready() <-chan struct{}

	// Events delivers change events.
	Events() <-chan model.ChangeEvent

	// Err reports why Events was closed.
	Err() error

	// Close unsubscribes. Safe to call more than once.
	Close() error
}
