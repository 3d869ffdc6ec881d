package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/offsync/internal/model"
)

// DefaultFeedBuffer is the per-feed event buffer of Memory.
const DefaultFeedBuffer = 256

// Op names a Store operation, used by fault hooks and error values.
type Op string

const (
	OpInsert    Op = "insert"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpSelect    Op = "select"
	OpSubscribe Op = "subscribe"
)

// FaultFunc is consulted before every Memory operation; a non-nil error is
// returned to the caller instead of performing the operation.
type FaultFunc func(op Op, resource string, rec model.Record) error

type table struct {
	order []string
	rows  map[string]model.Record
}

// Memory is an in-process Store with upsert inserts and change fan-out.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*table
	feeds  map[*memFeed]struct{}
	fault  FaultFunc
	idGen  model.IDGenerator
	buffer int
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithFeedBuffer sets the per-feed event buffer. A feed whose buffer fills
// is dropped with ErrFeedDropped rather than silently losing events.
func WithFeedBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithIDGenerator sets the generator used for id-less inserts.
func WithIDGenerator(g model.IDGenerator) MemoryOption {
	return func(m *Memory) {
		m.idGen = g
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tables: make(map[string]*table),
		feeds:  make(map[*memFeed]struct{}),
		idGen:  model.UUIDv7Generator{},
		buffer: DefaultFeedBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFault installs (or, with nil, removes) a fault hook.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Insert upserts rec. New ids publish INSERT, existing ids publish UPDATE.
func (m *Memory) Insert(ctx context.Context, resource string, rec model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(string(OpInsert), resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFault(OpInsert, resource, rec); err != nil {
		return nil, err
	}

	row := rec.Clone()
	if row == nil {
		row = model.Record{}
	}
	if !row.HasID() {
		row[model.IDField] = m.idGen.Generate()
	}
	id := row.ID()

	t := m.table(resource)
	old, exists := t.rows[id]
	t.rows[id] = row
	if exists {
		m.publish(model.ChangeEvent{Kind: model.EventUpdate, Resource: resource, New: row.Clone(), Old: old.Clone()})
	} else {
		t.order = append(t.order, id)
		m.publish(model.ChangeEvent{Kind: model.EventInsert, Resource: resource, New: row.Clone()})
	}
	return row.Clone(), nil
}

// UpdateByID merges partial into an existing record.
func (m *Memory) UpdateByID(ctx context.Context, resource, id string, partial model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(string(OpUpdate), resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFault(OpUpdate, resource, partial); err != nil {
		return nil, err
	}

	t := m.table(resource)
	old, ok := t.rows[id]
	if !ok {
		return nil, Permanent(string(OpUpdate), resource, fmt.Errorf("id %s: %w", id, ErrNotFound))
	}
	row := old.Merge(partial)
	row[model.IDField] = old[model.IDField]
	t.rows[id] = row
	m.publish(model.ChangeEvent{Kind: model.EventUpdate, Resource: resource, New: row.Clone(), Old: old.Clone()})
	return row.Clone(), nil
}

// DeleteByID removes a record; deleting a missing id is not an error.
func (m *Memory) DeleteByID(ctx context.Context, resource, id string) error {
	if err := ctx.Err(); err != nil {
		return Transient(string(OpDelete), resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFault(OpDelete, resource, model.Record{model.IDField: id}); err != nil {
		return err
	}

	t := m.table(resource)
	old, ok := t.rows[id]
	if !ok {
		return nil
	}
	delete(t.rows, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	m.publish(model.ChangeEvent{Kind: model.EventDelete, Resource: resource, Old: old.Clone()})
	return nil
}

// SelectAll returns matching records in insertion order.
func (m *Memory) SelectAll(ctx context.Context, resource string, filter *model.Filter) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(string(OpSelect), resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFault(OpSelect, resource, nil); err != nil {
		return nil, err
	}

	t := m.table(resource)
	out := make([]model.Record, 0, len(t.order))
	for _, id := range t.order {
		row := t.rows[id]
		if filter.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// Subscribe registers a feed. Memory feeds are established immediately.
func (m *Memory) Subscribe(ctx context.Context, resource string, filter *model.Filter) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(string(OpSubscribe), resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkFault(OpSubscribe, resource, nil); err != nil {
		return nil, err
	}

	f := &memFeed{
		owner:    m,
		resource: resource,
		filter:   filter,
		events:   make(chan model.ChangeEvent, m.buffer),
		ready:    make(chan struct{}),
	}
	close(f.ready)
	m.feeds[f] = struct{}{}
	return f, nil
}

// DropFeeds disconnects every feed on resource (all feeds when resource is
// empty) with ErrFeedDropped, simulating a push channel outage.
func (m *Memory) DropFeeds(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for f := range m.feeds {
		if resource == "" || f.resource == resource {
			m.detach(f, ErrFeedDropped)
			n++
		}
	}
	return n
}

// FeedCount returns the number of open feeds.
func (m *Memory) FeedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// Len returns the number of records in resource.
func (m *Memory) Len(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[resource]; ok {
		return len(t.order)
	}
	return 0
}

// Get returns a copy of one record.
func (m *Memory) Get(resource, id string) (model.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[resource]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[id]
	return row.Clone(), ok
}

// table returns the resource table, creating it. Caller holds m.mu.
func (m *Memory) table(resource string) *table {
	t, ok := m.tables[resource]
	if !ok {
		t = &table{rows: make(map[string]model.Record)}
		m.tables[resource] = t
	}
	return t
}

// checkFault runs the fault hook. Caller holds m.mu.
func (m *Memory) checkFault(op Op, resource string, rec model.Record) error {
	if m.fault == nil {
		return nil
	}
	err := m.fault(op, resource, rec)
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return Transient(string(op), resource, err)
}

// publish fans an event out to matching feeds. Caller holds m.mu.
func (m *Memory) publish(ev model.ChangeEvent) {
	for f := range m.feeds {
		if f.resource != ev.Resource || !f.filter.Matches(ev.Subject()) {
			continue
		}
		select {
		case f.events <- ev:
		default:
			// A slow consumer is dropped so it reconnects and reseeds
			// instead of silently missing an event.
			m.detach(f, fmt.Errorf("%w: buffer full", ErrFeedDropped))
		}
	}
}

// detach removes and closes a feed. Caller holds m.mu.
func (m *Memory) detach(f *memFeed, reason error) {
	if _, ok := m.feeds[f]; !ok {
		return
	}
	delete(m.feeds, f)
	f.err = reason
	close(f.events)
}

type memFeed struct {
	owner    *Memory
	resource string
	filter   *model.Filter
	events   chan model.ChangeEvent
	ready    chan struct{}
	err      error // guarded by owner.mu
}

func (f *memFeed) Ready() <-chan struct{}           { return f.ready }
func (f *memFeed) Events() <-chan model.ChangeEvent { return f.events }

func (f *memFeed) Err() error {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	return f.err
}

func (f *memFeed) Close() error {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	f.owner.detach(f, nil)
	return nil
}
