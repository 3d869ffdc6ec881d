package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/offsync/internal/backoff"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// DefaultCallTimeout bounds each remote call made during a drain.
const DefaultCallTimeout = 10 * time.Second

// Compaction decides what happens to a mutation once it replays.
type Compaction int

const (
	// CompactRemove deletes the mutation from its queue.
	CompactRemove Compaction = iota
	// CompactMarkSynced keeps it with synced=true until ClearSynced.
	CompactMarkSynced
)

// ParseCompaction parses "remove" or "mark".
func ParseCompaction(s string) (Compaction, error) {
	switch strings.ToLower(s) {
	case "", "remove":
		return CompactRemove, nil
	case "mark", "mark_synced":
		return CompactMarkSynced, nil
	default:
		return 0, fmt.Errorf("unknown compaction policy %q", s)
	}
}

// OutcomeStatus is the result of one replay.
type OutcomeStatus int

const (
	// OutcomeApplied means the remote store accepted the mutation.
	OutcomeApplied OutcomeStatus = iota + 1
	// OutcomeRetrying means the mutation stays queued for a later drain.
	OutcomeRetrying
	// OutcomeDeadLettered means the mutation stopped retrying.
	OutcomeDeadLettered
)

// String returns the status name.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeApplied:
		return "applied"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("OutcomeStatus(%d)", int(s))
	}
}

// Outcome is reported to the observer after every replay.
type Outcome struct {
	Mutation model.Mutation
	Status   OutcomeStatus
	Err      error
}

// Report summarizes one drain.
type Report struct {
	Trigger      Trigger `json:"trigger"`
	Attempted    int     `json:"attempted"`
	Applied      int     `json:"applied"`
	Failed       int     `json:"failed"`
	DeadLettered int     `json:"dead_lettered"`
	Skipped      int     `json:"skipped"`
	Pending      int     `json:"pending"`
}

// Engine drains offline mutation queues against the remote store.
//
// Thread-safety model:
//   - Drain(): safe from any goroutine; concurrent calls share one pass,
//     except that a forced call always runs a pass of its own
//   - Request(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store       *store.Store
	remote      remote.Store
	clock       Clock
	online      func() bool
	compaction  Compaction
	backoff     backoff.Policy
	maxAttempts int
	callTimeout time.Duration
	retryEvery  time.Duration
	observer    func(Outcome)
	onReport    func(Report)

	group    singleflight.Group
	triggers *triggerQueue
	drains   atomic.Int64
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithClock sets the wall clock used for backoff deadlines.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithOnline sets the connectivity check consulted before non-forced
// drains. Without it the engine assumes it is online.
func WithOnline(online func() bool) Option {
	return func(e *Engine) {
		e.online = online
	}
}

// WithCompaction sets what happens to replayed mutations.
func WithCompaction(c Compaction) Option {
	return func(e *Engine) {
		e.compaction = c
	}
}

// WithBackoff sets the per-record retry backoff.
func WithBackoff(p backoff.Policy) Option {
	return func(e *Engine) {
		e.backoff = p
	}
}

// WithMaxAttempts dead-letters a mutation after n transient failures.
// Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithCallTimeout bounds each remote call during a drain.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithRetryInterval makes Run drain periodically. Zero disables the tick.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.retryEvery = d
	}
}

// WithObserver receives an Outcome after every replay.
func WithObserver(fn func(Outcome)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// WithReportHook receives the Report of every drain pass that ran.
func WithReportHook(fn func(Report)) Option {
	return func(e *Engine) {
		e.onReport = fn
	}
}

// New creates an Engine draining st against rs.
func New(st *store.Store, rs remote.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		remote:      rs,
		clock:       SystemClock{},
		online:      func() bool { return true },
		compaction:  CompactRemove,
		backoff:     backoff.DefaultPolicy(),
		callTimeout: DefaultCallTimeout,
		triggers:    newTriggerQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Drains returns how many drain passes actually ran. Calls that joined an
// in-flight pass or were skipped while offline are not counted.
func (e *Engine) Drains() int64 {
	return e.drains.Load()
}

// Request asks the Run loop to drain. A trigger already waiting is not
// queued twice.
func (e *Engine) Request(t Trigger) error {
	if !e.triggers.Enqueue(t) {
		return ErrStopped
	}
	return nil
}

// Run processes drain requests and retry ticks until ctx is cancelled or
// Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	slog.Debug("sync engine starting", "retry_interval", e.retryEvery)

	var tick <-chan time.Time
	if e.retryEvery > 0 {
		ticker := time.NewTicker(e.retryEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if t, ok := e.triggers.TryDequeue(); ok {
			e.runTrigger(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("sync engine stopping: context cancelled")
			e.triggers.Close()
			return ctx.Err()

		case <-tick:
			e.runTrigger(ctx, TriggerRetry)

		case <-e.triggers.Wait():
			// The signal channel closes when the queue is closed.
			if e.triggers.Closed() && e.triggers.Len() == 0 {
				slog.Debug("sync engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the trigger queue, which causes Run to return.
func (e *Engine) Stop() {
	e.triggers.Close()
}

func (e *Engine) runTrigger(ctx context.Context, t Trigger) {
	if _, err := e.Drain(ctx, t); err != nil {
		slog.Error("drain failed", "trigger", t, "error", err)
	}
}

// Drain replays every pending mutation once. Concurrent callers join the
// pass already in progress and receive its Report.
//
// A forced drain never settles for a pass it did not start: that pass may
// have skipped backing-off records, been gated offline, or read a queue
// before the caller's write landed. It waits the pass out and runs its own.
//
// Non-forced drains are a no-op while offline.
func (e *Engine) Drain(ctx context.Context, t Trigger) (Report, error) {
	for {
		rep, started, err := e.join(ctx, t)
		if started || t != TriggerForce {
			return rep, err
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		slog.Debug("forced drain joined a pass in progress, running another")
	}
}

// join runs a pass under the single-flight guard. started reports whether
// this call ran the pass rather than joining another caller's.
func (e *Engine) join(ctx context.Context, t Trigger) (Report, bool, error) {
	started := false
	v, err, shared := e.group.Do("drain", func() (any, error) {
		started = true
		return e.drain(ctx, t)
	})
	if shared && !started {
		slog.Debug("joined in-flight drain", "trigger", t)
	}
	rep, _ := v.(Report)
	return rep, started, err
}

func (e *Engine) drain(ctx context.Context, t Trigger) (Report, error) {
	rep := Report{Trigger: t}

	if t != TriggerForce && !e.online() {
		pending, err := e.store.PendingCount(ctx)
		if err != nil {
			return rep, fmt.Errorf("drain: %w", err)
		}
		rep.Pending = pending
		slog.Debug("drain skipped: offline", "trigger", t, "pending", pending)
		return rep, nil
	}

	e.drains.Add(1)
	resources, err := e.store.Resources(ctx)
	if err != nil {
		return rep, fmt.Errorf("drain: %w", err)
	}

	for _, resource := range resources {
		if err := e.drainResource(ctx, resource, t, &rep); err != nil {
			return rep, fmt.Errorf("drain %s: %w", resource, err)
		}
	}

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return rep, fmt.Errorf("drain: %w", err)
	}
	rep.Pending = pending

	slog.Info("drain complete",
		"trigger", t,
		"attempted", rep.Attempted,
		"applied", rep.Applied,
		"failed", rep.Failed,
		"dead_lettered", rep.DeadLettered,
		"skipped", rep.Skipped,
		"pending", rep.Pending,
	)
	if e.onReport != nil {
		e.onReport(rep)
	}
	return rep, nil
}

// drainResource replays one resource's queue in FIFO order.
func (e *Engine) drainResource(ctx context.Context, resource string, t Trigger, rep *Report) error {
	records, err := e.store.ReadAll(ctx, resource)
	if err != nil {
		return err
	}

	// Record ids with an earlier mutation still unresolved in this pass.
	blocked := make(map[string]bool)
	block := func(m model.Mutation) {
		if id := m.Data.ID(); id != "" {
			blocked[id] = true
		}
	}

	for _, m := range records {
		if m.Synced {
			continue
		}
		// Cancellation is honored between replays only.
		if err := ctx.Err(); err != nil {
			return err
		}

		if blocked[m.Data.ID()] {
			rep.Skipped++
			continue
		}
		if t.honorsBackoff() && !m.Ready(e.clock.Now()) {
			rep.Skipped++
			block(m)
			continue
		}

		rep.Attempted++
		if err := e.replay(ctx, m); err != nil {
			rep.Failed++
			if e.recordFailure(ctx, m, err) {
				rep.DeadLettered++
			}
			block(m)
			continue
		}

		rep.Applied++
		e.recordSuccess(ctx, m)
	}
	return nil
}

// replay performs one remote call. The call is detached from caller
// cancellation and bounded by the call timeout instead.
func (e *Engine) replay(ctx context.Context, m model.Mutation) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
	defer cancel()

	slog.Debug("replaying mutation",
		"id", m.ID,
		"resource", m.Resource,
		"action", m.Action,
		"record", m.Data.ID(),
	)
	return remote.Apply(callCtx, e.remote, m.Resource, m.Action, m.Data)
}

func (e *Engine) recordSuccess(ctx context.Context, m model.Mutation) {
	ctx = context.WithoutCancel(ctx)
	err := e.store.Update(ctx, m.Resource, func(records []model.Mutation) ([]model.Mutation, error) {
		for i := range records {
			if records[i].ID != m.ID {
				continue
			}
			if e.compaction == CompactRemove {
				return append(records[:i], records[i+1:]...), nil
			}
			records[i].Synced = true
			records[i].LastError = ""
			records[i].NextAttemptAt = time.Time{}
			return records, nil
		}
		return records, nil
	})
	if err != nil {
		// The remote write stands; the entry replays again later and an
		// upsert-capable adapter absorbs the duplicate.
		slog.Error("failed to record replay success", "id", m.ID, "resource", m.Resource, "error", err)
	}

	m.Synced = true
	e.observe(Outcome{Mutation: m, Status: OutcomeApplied})
}

// recordFailure persists retry bookkeeping and dead-letters the mutation
// when the failure is permanent or attempts are exhausted. Returns true when
// the mutation was dead-lettered.
func (e *Engine) recordFailure(ctx context.Context, m model.Mutation, cause error) bool {
	ctx = context.WithoutCancel(ctx)
	now := e.clock.Now()
	m.Attempts++
	m.LastError = cause.Error()
	m.NextAttemptAt = now.Add(e.backoff.Delay(m.Attempts))
	rerr := newReplayError(m, cause)

	err := e.store.Update(ctx, m.Resource, func(records []model.Mutation) ([]model.Mutation, error) {
		for i := range records {
			if records[i].ID == m.ID {
				records[i].Attempts = m.Attempts
				records[i].NextAttemptAt = m.NextAttemptAt
				records[i].LastError = m.LastError
			}
		}
		return records, nil
	})
	if err != nil {
		slog.Error("failed to record replay failure", "id", m.ID, "resource", m.Resource, "error", err)
	}

	permanent := remote.IsPermanent(cause)
	if permanent || (e.maxAttempts > 0 && m.Attempts >= e.maxAttempts) {
		if err := e.store.MoveToDeadLetter(ctx, m.Resource, m.ID, m.LastError, now); err != nil {
			slog.Error("failed to dead-letter mutation", "id", m.ID, "resource", m.Resource, "error", err)
		} else {
			slog.Warn("mutation dead-lettered",
				"id", m.ID,
				"resource", m.Resource,
				"action", m.Action,
				"attempts", m.Attempts,
				"permanent", permanent,
				"error", cause,
			)
			e.observe(Outcome{Mutation: m, Status: OutcomeDeadLettered, Err: rerr})
			return true
		}
	}

	slog.Debug("mutation left queued",
		"id", m.ID,
		"resource", m.Resource,
		"attempts", m.Attempts,
		"next_attempt_at", m.NextAttemptAt,
		"error", cause,
	)
	e.observe(Outcome{Mutation: m, Status: OutcomeRetrying, Err: rerr})
	return false
}

func (e *Engine) observe(o Outcome) {
	if e.observer != nil {
		e.observer(o)
	}
}
