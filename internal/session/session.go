// Package session wires the offline sync components into one object that
// is constructed once, injected where needed, and closed on shutdown.
//
// A Session owns the connectivity monitor, the mutation queue, the sync
// engine and every realtime handle opened through Watch. It does not own
// the local store or the remote adapter it was given.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/backoff"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/realtime"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Clock is the wall clock shared by the queue, engine and handles.
type Clock interface {
	Now() time.Time
}

type options struct {
	clock          Clock
	ids            model.IDGenerator
	online         bool
	prober         connectivity.Prober
	probeInterval  time.Duration
	engineOpts     []engine.Option
	callTimeout    time.Duration
	realtimeOpts   []realtime.Option
	outcomeHandler func(Outcome)
}

// Option configures a Session.
type Option func(*options)

// WithClock sets the clock used for timestamps and backoff deadlines.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDGenerator sets the generator for mutation ids.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithInitialOnline sets the connectivity state before the first probe.
// Default: online.
func WithInitialOnline(online bool) Option {
	return func(o *options) {
		o.online = online
	}
}

// WithProber polls p every interval while the session runs. Without a
// prober, connectivity changes only through SetOnline.
func WithProber(p connectivity.Prober, interval time.Duration) Option {
	return func(o *options) {
		o.prober = p
		o.probeInterval = interval
	}
}

// WithCompaction sets what happens to replayed mutations.
func WithCompaction(c engine.Compaction) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithCompaction(c))
	}
}

// WithBackoff sets the per-mutation retry backoff.
func WithBackoff(p backoff.Policy) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithBackoff(p))
	}
}

// WithMaxAttempts dead-letters a mutation after n transient failures.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithMaxAttempts(n))
	}
}

// WithRetryInterval drains periodically, honoring per-mutation backoff.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithRetryInterval(d))
	}
}

// WithCallTimeout bounds every remote call made for a mutation.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithDedupeInserts applies to every handle opened by Watch.
func WithDedupeInserts(on bool) Option {
	return func(o *options) {
		o.realtimeOpts = append(o.realtimeOpts, realtime.WithDedupeInserts(on))
	}
}

// WithReconnectBackoff paces handle resubscription after a feed drop.
func WithReconnectBackoff(p backoff.Policy) Option {
	return func(o *options) {
		o.realtimeOpts = append(o.realtimeOpts, realtime.WithReconnectBackoff(p))
	}
}

// WithOutcomeListener is notified of every mutation outcome: immediate
// apply, queueing, replay and dead-lettering. It runs synchronously and
// must not block.
func WithOutcomeListener(fn func(Outcome)) Option {
	return func(o *options) {
		o.outcomeHandler = fn
	}
}

// Session is the caller-facing surface of the offline sync subsystem.
//
// Thread-safety: all methods are safe for concurrent use.
type Session struct {
	store   *store.Store
	remote  remote.Store
	monitor *connectivity.Monitor
	queue   *queue.Queue
	engine  *engine.Engine
	opts    options

	pending atomic.Int64
	// counting is held shared by Mutate across a queue write and its count,
	// and exclusively when a drain resets the count from the store.
	counting sync.RWMutex

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	unlisten func()
	handles  map[*realtime.Handle]struct{}
}

// New wires a session over st and rs. Call Start to begin background
// syncing and Close when done.
func New(st *store.Store, rs remote.Store, opts ...Option) *Session {
	o := options{online: true}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		store:   st,
		remote:  rs,
		monitor: connectivity.NewMonitor(o.online),
		opts:    o,
		handles: make(map[*realtime.Handle]struct{}),
	}

	engineOpts := []engine.Option{
		engine.WithOnline(s.monitor.Online),
		engine.WithObserver(s.observeReplay),
		engine.WithReportHook(s.resyncPending),
	}
	var queueOpts []queue.Option
	if o.clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(o.clock))
		queueOpts = append(queueOpts, queue.WithClock(o.clock))
		s.opts.realtimeOpts = append([]realtime.Option{realtime.WithClock(o.clock)}, s.opts.realtimeOpts...)
	}
	if o.ids != nil {
		queueOpts = append(queueOpts, queue.WithIDGenerator(o.ids))
	}
	if o.callTimeout > 0 {
		engineOpts = append(engineOpts, engine.WithCallTimeout(o.callTimeout))
		queueOpts = append(queueOpts, queue.WithCallTimeout(o.callTimeout))
	}

	s.engine = engine.New(st, rs, append(engineOpts, o.engineOpts...)...)
	s.queue = queue.New(st, rs, s.monitor.Online, queueOpts...)
	return s
}

// Start loads the pending count and launches the sync engine and, when
// configured, the reachability prober. If the session starts online with
// pending mutations, one drain is requested.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	n, err := s.store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.pending.Store(int64(n))

	s.unlisten = s.monitor.Subscribe(func(online bool) {
		if online {
			s.requestDrain(engine.TriggerReconnect)
		}
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return ignoreCanceled(s.engine.Run(gctx))
	})
	if s.opts.prober != nil {
		g.Go(func() error {
			return ignoreCanceled(s.monitor.Run(gctx, s.opts.prober, s.opts.probeInterval))
		})
	}
	s.cancel = cancel
	s.group = g
	s.started = true

	if n > 0 && s.monitor.Online() {
		s.requestDrain(engine.TriggerReconnect)
	}
	slog.Debug("session started", "pending", n, "online", s.monitor.Online())
	return nil
}

// Close stops background work and closes every open handle. The store and
// remote adapter are left open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := make([]*realtime.Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = nil
	cancel, group, unlisten := s.cancel, s.group, s.unlisten
	s.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	s.engine.Stop()
	if cancel != nil {
		cancel()
	}

	var errs []error
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsOnline reports the current connectivity state.
func (s *Session) IsOnline() bool {
	return s.monitor.Online()
}

// SetOnline feeds a reachability observation from the platform. Only
// transitions have an effect; going online triggers one drain.
func (s *Session) SetOnline(online bool) {
	s.monitor.Set(online)
}

// PendingSyncCount returns the number of queued, unsynced mutations.
func (s *Session) PendingSyncCount() int {
	return int(s.pending.Load())
}

// Mutate applies a write remotely or queues it. Remote failures are never
// returned; only validation and local storage errors are.
func (s *Session) Mutate(ctx context.Context, resource string, action model.Action, data model.Record) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.counting.RLock()
	r, err := s.queue.Mutate(ctx, resource, action, data)
	if err == nil && r.Status == queue.StatusQueued {
		s.pending.Add(1)
	}
	s.counting.RUnlock()
	if err != nil {
		return err
	}

	switch r.Status {
	case queue.StatusQueued:
		s.emit(Outcome{Mutation: r.Mutation, Status: OutcomeQueued, Err: r.Cause})
		if r.NeedsSync {
			s.requestDrain(engine.TriggerRetry)
		}
	case queue.StatusApplied:
		s.emit(Outcome{Mutation: r.Mutation, Status: OutcomeApplied})
	}
	return nil
}

// ForceSync drains the queue now, even while offline, and waits for the
// pass to finish.
func (s *Session) ForceSync(ctx context.Context) (engine.Report, error) {
	if s.isClosed() {
		return engine.Report{}, ErrClosed
	}
	return s.engine.Drain(ctx, engine.TriggerForce)
}

// Watch opens a realtime handle owned by the session.
func (s *Session) Watch(ctx context.Context, resource string, filter *model.Filter) (*realtime.Handle, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	h, err := realtime.Open(ctx, s.remote, resource, filter, s.opts.realtimeOpts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = h.Close()
		return nil, ErrClosed
	}
	s.handles[h] = struct{}{}
	s.mu.Unlock()
	return h, nil
}

// Unwatch closes a handle opened by Watch.
func (s *Session) Unwatch(h *realtime.Handle) error {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
	return h.Close()
}

// PendingByResource returns unsynced counts per resource.
func (s *Session) PendingByResource(ctx context.Context) (map[string]int, error) {
	return s.store.PendingCounts(ctx)
}

// DeadLetters lists mutations that stopped retrying.
func (s *Session) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx)
}

// RequeueDeadLetter puts a dead letter back at the tail of its queue and
// requests a drain.
func (s *Session) RequeueDeadLetter(ctx context.Context, id string) (model.Mutation, error) {
	m, err := s.store.RequeueDeadLetter(ctx, id)
	if err != nil {
		return model.Mutation{}, err
	}
	s.pending.Add(1)
	s.emit(Outcome{Mutation: m, Status: OutcomeQueued})
	s.requestDrain(engine.TriggerForce)
	return m, nil
}

// PurgeDeadLetters deletes every dead letter.
func (s *Session) PurgeDeadLetters(ctx context.Context) (int64, error) {
	return s.store.PurgeDeadLetters(ctx)
}

// ClearSynced removes mutations kept with synced=true.
func (s *Session) ClearSynced(ctx context.Context) (int, error) {
	return s.store.ClearSynced(ctx)
}

// Drains returns how many drain passes the engine has run.
func (s *Session) Drains() int64 {
	return s.engine.Drains()
}

func (s *Session) requestDrain(t engine.Trigger) {
	if err := s.engine.Request(t); err != nil {
		slog.Debug("drain request ignored", "trigger", t, "error", err)
	}
}

// observeReplay maps engine outcomes onto the outcome listener and the
// pending counter. The listener sees an outcome before the count drops.
func (s *Session) observeReplay(o engine.Outcome) {
	switch o.Status {
	case engine.OutcomeApplied:
		s.emit(Outcome{Mutation: o.Mutation, Status: OutcomeApplied})
		s.decrementPending()
	case engine.OutcomeDeadLettered:
		s.emit(Outcome{Mutation: o.Mutation, Status: OutcomeDeadLettered, Err: o.Err})
		s.decrementPending()
	case engine.OutcomeRetrying:
		s.emit(Outcome{Mutation: o.Mutation, Status: OutcomeQueued, Err: o.Err})
	}
}

// resyncPending resets the counter from the store after a drain. The
// report's own count can miss a write appended while the pass ran.
func (s *Session) resyncPending(r engine.Report) {
	s.counting.Lock()
	defer s.counting.Unlock()
	n, err := s.store.PendingCount(context.Background())
	if err != nil {
		slog.Warn("pending recount failed", "error", err)
		n = r.Pending
	}
	s.pending.Store(int64(n))
}

func (s *Session) decrementPending() {
	for {
		n := s.pending.Load()
		if n <= 0 || s.pending.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (s *Session) emit(o Outcome) {
	if s.opts.outcomeHandler != nil {
		s.opts.outcomeHandler(o)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
