// Package queue decides whether a write goes straight to the remote store or
// is queued for the sync engine.
//
// Every accepted mutation ends in exactly one of three states: applied
// remotely, queued pending, or queued and later resolved by a drain. Remote
// failures never reach the caller; only validation and local storage errors
// do.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// ErrInvalid wraps every validation failure returned by Mutate.
var ErrInvalid = errors.New("invalid mutation")

// DefaultCallTimeout bounds the immediate remote call of an online mutate.
const DefaultCallTimeout = 10 * time.Second

// Status is how a mutate ended.
type Status int

const (
	// StatusApplied means the remote store accepted the write immediately.
	StatusApplied Status = iota + 1
	// StatusQueued means the write was persisted for a later drain.
	StatusQueued
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusQueued:
		return "queued"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Receipt describes one accepted mutate.
type Receipt struct {
	Status   Status
	Mutation model.Mutation
	// Cause is the remote error that forced an online write into the
	// queue, nil otherwise.
	Cause error
	// NeedsSync is set when an online write queued behind pending records
	// of its resource; the caller should request a drain once it has
	// accounted for the write.
	NeedsSync bool
}

// Clock provides the enqueue timestamp.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Queue is the single mutate entry point.
//
// Thread-safety: Mutate is safe for concurrent use. Calls are serialized so
// that the pending check and the write it decides on are not interleaved
// with another caller.
type Queue struct {
	store       *store.Store
	remote      remote.Store
	online      func() bool
	clock       Clock
	ids         model.IDGenerator
	callTimeout time.Duration

	mu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for enqueue timestamps.
func WithClock(c Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithIDGenerator sets the generator for mutation ids and id-less CREATE
// payloads.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// WithCallTimeout bounds the immediate remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.callTimeout = d
		}
	}
}

// New creates a Queue. online reports current connectivity.
func New(st *store.Store, rs remote.Store, online func() bool, opts ...Option) *Queue {
	q := &Queue{
		store:       st,
		remote:      rs,
		online:      online,
		clock:       systemClock{},
		ids:         model.UUIDv7Generator{},
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Mutate validates the write and either applies it remotely or queues it.
//
// While online the write goes straight to the remote store unless the
// resource already has pending records, in which case it queues behind them
// to keep per-resource order. A failed immediate write is queued exactly as
// if the client had been offline.
func (q *Queue) Mutate(ctx context.Context, resource string, action model.Action, data model.Record) (Receipt, error) {
	m, err := q.build(resource, action, data)
	if err != nil {
		return Receipt{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.online() {
		return q.enqueue(ctx, m, nil)
	}

	counts, err := q.store.PendingCounts(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("mutate %s: %w", m.Resource, err)
	}
	if counts[m.Resource] > 0 {
		slog.Debug("queued behind pending records",
			"resource", m.Resource,
			"pending", counts[m.Resource],
		)
		r, err := q.enqueue(ctx, m, nil)
		r.NeedsSync = err == nil
		return r, err
	}

	callCtx, cancel := context.WithTimeout(ctx, q.callTimeout)
	err = remote.Apply(callCtx, q.remote, m.Resource, m.Action, m.Data)
	cancel()
	if err != nil {
		slog.Info("remote write failed, queueing",
			"resource", m.Resource,
			"action", m.Action,
			"record", m.Data.ID(),
			"transient", remote.IsTransient(err),
			"error", err,
		)
		return q.enqueue(context.WithoutCancel(ctx), m, err)
	}

	m.Synced = true
	slog.Debug("applied remotely", "resource", m.Resource, "action", m.Action, "record", m.Data.ID())
	return Receipt{Status: StatusApplied, Mutation: m}, nil
}

// build validates the input and constructs the mutation.
func (q *Queue) build(resource string, action model.Action, data model.Record) (model.Mutation, error) {
	name, err := model.NormalizeResource(resource)
	if err != nil {
		return model.Mutation{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !action.Valid() {
		return model.Mutation{}, fmt.Errorf("%w: unknown action %d", ErrInvalid, int(action))
	}

	payload := data.Clone()
	if payload == nil {
		payload = model.Record{}
	}
	if !payload.HasID() {
		if action.RequiresID() {
			return model.Mutation{}, fmt.Errorf("%w: %s payload must carry an id", ErrInvalid, action)
		}
		payload[model.IDField] = q.ids.Generate()
	}

	m := model.Mutation{
		ID:         q.ids.Generate(),
		Resource:   name,
		Action:     action,
		Data:       payload,
		EnqueuedAt: q.clock.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return model.Mutation{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return m, nil
}

func (q *Queue) enqueue(ctx context.Context, m model.Mutation, cause error) (Receipt, error) {
	if err := q.store.Append(ctx, m.Resource, m); err != nil {
		return Receipt{}, fmt.Errorf("mutate %s: %w", m.Resource, err)
	}
	slog.Debug("mutation queued", "id", m.ID, "resource", m.Resource, "action", m.Action)
	return Receipt{Status: StatusQueued, Mutation: m, Cause: cause}, nil
}
