package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/backoff"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// ErrClosed is returned by Refresh on a closed handle.
var ErrClosed = errors.New("subscription closed")

// DefaultReconnectPolicy paces resubscription after a feed drop.
func DefaultReconnectPolicy() backoff.Policy {
	return backoff.Policy{
		Initial:    250 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Clock provides LastUpdate timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Handle.
type Option func(*Handle)

// WithDedupeInserts makes an INSERT whose id is already present replace
// that item instead of appending a second copy.
func WithDedupeInserts(on bool) Option {
	return func(h *Handle) {
		h.dedupe = on
	}
}

// WithReconnectBackoff sets the delay policy between resubscribe attempts.
func WithReconnectBackoff(p backoff.Policy) Option {
	return func(h *Handle) {
		h.reconnect = p
	}
}

// WithClock sets the clock used for LastUpdate.
func WithClock(c Clock) Option {
	return func(h *Handle) {
		h.clock = c
	}
}

// Snapshot is a consistent view of a handle at one instant.
type Snapshot struct {
	Resource   string         `json:"resource"`
	State      State          `json:"state"`
	Connected  bool           `json:"connected"`
	Items      []model.Record `json:"items"`
	LastUpdate *time.Time     `json:"last_update"`
	Err        string         `json:"error,omitempty"`
}

// Handle is one live subscription to a resource.
//
// Thread-safety: all methods are safe for concurrent use.
type Handle struct {
	rs        remote.Store
	resource  string
	filter    *model.Filter
	dedupe    bool
	reconnect backoff.Policy
	clock     Clock

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	refresh chan refreshRequest
	updates chan struct{}

	mu         sync.Mutex
	state      State
	items      []model.Record
	seeding    bool
	seeded     bool
	connected  bool
	dropped    bool
	lastUpdate time.Time
	err        error
}

// refreshRequest asks the event loop to reseed; the seed error is sent on
// done.
type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Open seeds a handle from an authoritative SelectAll and then opens the
// push feed. Seed and subscribe failures do not fail Open: they are
// reported through State, Err and Connected, and the handle keeps trying
// to establish the feed in the background.
//
// ctx bounds the initial seed and subscribe; the handle lives until Close.
func Open(ctx context.Context, rs remote.Store, resource string, filter *model.Filter, opts ...Option) (*Handle, error) {
	name, err := model.NormalizeResource(resource)
	if err != nil {
		return nil, fmt.Errorf("open subscription: %w", err)
	}

	h := &Handle{
		rs:        rs,
		resource:  name,
		filter:    filter,
		reconnect: DefaultReconnectPolicy(),
		clock:     systemClock{},
		done:      make(chan struct{}),
		refresh:   make(chan refreshRequest),
		updates:   make(chan struct{}, 1),
		state:     StateUninitialized,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))

	h.seed(ctx)

	feed, err := rs.Subscribe(ctx, name, filter)
	if err != nil {
		slog.Warn("subscribe failed, retrying in background",
			"resource", name,
			"filter", filter.String(),
			"error", err,
		)
		feed = nil
	} else {
		select {
		case <-feed.Ready():
			h.setConnected(true)
		default:
		}
	}
	go h.run(feed)
	return h, nil
}

// Resource returns the normalized resource name.
func (h *Handle) Resource() string {
	return h.resource
}

// Items returns a copy of the current items in arrival order.
func (h *Handle) Items() []model.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneItems(h.items)
}

// Connected reports whether the push feed is established.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// LastUpdate returns when the items last changed, and false before the
// first successful seed or event.
func (h *Handle) LastUpdate() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUpdate, !h.lastUpdate.IsZero()
}

// Err returns the last seed error, nil after a successful seed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// State returns the lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns every observable field under one lock.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		Resource:  h.resource,
		State:     h.state,
		Connected: h.connected,
		Items:     cloneItems(h.items),
	}
	if !h.lastUpdate.IsZero() {
		t := h.lastUpdate
		s.LastUpdate = &t
	}
	if h.err != nil {
		s.Err = h.err.Error()
	}
	return s
}

// Updates signals after any change to items, state or connectivity.
// Signals coalesce; read a Snapshot after each one.
func (h *Handle) Updates() <-chan struct{} {
	return h.updates
}

// Refresh reseeds the items and, if the feed is down, retries it now
// instead of waiting out the reconnect backoff. Returns the seed error.
//
// The reseed runs on the event loop, so no event is folded while the
// snapshot is being read; events that arrive meanwhile are applied after it.
func (h *Handle) Refresh(ctx context.Context) error {
	if h.State() == StateClosed {
		return ErrClosed
	}
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case h.refresh <- req:
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-h.done:
		return ErrClosed
	}
}

// Close tears down the feed and waits for the event loop to exit.
// Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.state = StateClosed
	h.connected = false
	h.mu.Unlock()

	h.cancel()
	<-h.done
	h.notify()
	slog.Debug("subscription closed", "resource", h.resource)
	return nil
}

// seed replaces the items with an authoritative snapshot. Only the event
// loop calls it once the handle is running.
func (h *Handle) seed(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.seeding = true
	h.settleLocked()
	h.mu.Unlock()

	rows, err := h.rs.SelectAll(ctx, h.resource, h.filter)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return ErrClosed
	}
	h.seeding = false
	if err != nil {
		h.err = err
		slog.Warn("seed failed", "resource", h.resource, "error", err)
	} else {
		h.items = rows
		h.err = nil
		h.seeded = true
		h.lastUpdate = h.clock.Now()
		slog.Debug("seeded", "resource", h.resource, "items", len(rows))
	}
	h.settleLocked()
	return err
}

// settleLocked derives the state from the seed and feed flags. LIVE needs
// both a good seed and an established feed. Caller holds h.mu.
func (h *Handle) settleLocked() {
	if h.state == StateClosed {
		return
	}
	switch {
	case h.seeding && h.dropped:
		h.state = StateReconnecting
	case h.seeding:
		h.state = StateSeeding
	case h.err != nil:
		h.state = StateSeedFailed
	case h.seeded && h.connected:
		h.state = StateLive
		h.dropped = false
	case h.dropped:
		h.state = StateReconnecting
	default:
		h.state = StateSeeding
	}
	h.notifyLocked()
}

func (h *Handle) setConnected(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return
	}
	h.connected = on
	h.settleLocked()
}

// markDropped records a lost feed. It returns false once the handle is
// closed.
func (h *Handle) markDropped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return false
	}
	h.connected = false
	h.dropped = true
	h.settleLocked()
	return true
}

// answer serves a Refresh on the event loop.
func (h *Handle) answer(req refreshRequest) {
	req.done <- h.seed(req.ctx)
}

// run owns the feed for the lifetime of the handle. A nil feed starts in
// the reconnect loop.
func (h *Handle) run(feed remote.Feed) {
	defer close(h.done)

	for {
		if feed != nil {
			err := h.consume(feed)
			_ = feed.Close()
			if h.ctx.Err() != nil {
				return
			}
			slog.Info("feed dropped, reconnecting", "resource", h.resource, "error", err)
		}

		if !h.markDropped() {
			return
		}

		feed = h.resubscribe()
		if feed == nil {
			return
		}
		// Subscribed before reseeding so no change between the two is lost.
		h.seed(h.ctx)
	}
}

// resubscribe retries Subscribe with backoff until it succeeds or the
// handle closes, in which case it returns nil.
func (h *Handle) resubscribe() remote.Feed {
	for attempt := 1; ; attempt++ {
		wait := time.NewTimer(h.reconnect.Delay(attempt))
		select {
		case <-h.ctx.Done():
			wait.Stop()
			return nil
		case req := <-h.refresh:
			wait.Stop()
			h.answer(req)
		case <-wait.C:
		}

		feed, err := h.rs.Subscribe(h.ctx, h.resource, h.filter)
		if err == nil {
			slog.Debug("resubscribed", "resource", h.resource, "attempt", attempt)
			return feed
		}
		if h.ctx.Err() != nil {
			return nil
		}
		slog.Debug("resubscribe failed", "resource", h.resource, "attempt", attempt, "error", err)
	}
}

// consume folds events until the feed ends or the handle closes.
func (h *Handle) consume(feed remote.Feed) error {
	ready := feed.Ready()
	events := feed.Events()
	for {
		select {
		case <-h.ctx.Done():
			return nil
		case <-ready:
			ready = nil
			h.setConnected(true)
			slog.Debug("feed established", "resource", h.resource)
		case req := <-h.refresh:
			h.answer(req)
		case ev, ok := <-events:
			if !ok {
				if err := feed.Err(); err != nil {
					return err
				}
				return remote.ErrFeedDropped
			}
			h.apply(ev)
		}
	}
}

// apply folds one change event into the items.
func (h *Handle) apply(ev model.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return
	}
	if ev.Resource != "" && ev.Resource != h.resource {
		return
	}
	if !h.filter.Matches(ev.Subject()) {
		return
	}

	id := ev.RecordID()
	idx := h.indexOf(id)

	switch ev.Kind {
	case model.EventInsert:
		if h.dedupe && idx >= 0 {
			h.items[idx] = ev.New.Clone()
		} else {
			h.items = append(h.items, ev.New.Clone())
		}
	case model.EventUpdate:
		if idx < 0 {
			slog.Debug("update for unknown item dropped", "resource", h.resource, "id", id)
			return
		}
		h.items[idx] = ev.New.Clone()
	case model.EventDelete:
		if idx < 0 {
			return
		}
		h.items = append(h.items[:idx], h.items[idx+1:]...)
	default:
		return
	}

	h.lastUpdate = h.clock.Now()
	h.notifyLocked()
}

// indexOf returns the position of the first item with id. Caller holds h.mu.
func (h *Handle) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, item := range h.items {
		if item.ID() == id {
			return i
		}
	}
	return -1
}

func (h *Handle) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifyLocked()
}

func (h *Handle) notifyLocked() {
	select {
	case h.updates <- struct{}{}:
	default:
	}
}

func cloneItems(items []model.Record) []model.Record {
	out := make([]model.Record, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// Items decodes the handle's current items into T.
func Items[T any](h *Handle) ([]T, error) {
	data, err := json.Marshal(h.Items())
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return out, nil
}
