package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/backoff"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/realtime"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// DefaultAwaitTimeout bounds an await step without an explicit timeout.
const DefaultAwaitTimeout = 2 * time.Second

// errInjected is the cause behind every injected remote failure.
var errInjected = errors.New("injected failure")

// Harness is the scenario execution environment.
type Harness struct {
	store     *store.Store
	remote    *remote.Memory
	session   *session.Session
	clock     *testutil.ManualClock
	trace     *recorder
	faults    *faultSet
	watches   map[string]*realtime.Handle
	resources map[string]bool
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database against a fresh
// in-memory remote store. Execution errors (a step that could not run at
// all) are returned; expect and assertion failures are reported in the
// result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:     st,
		remote:    remote.NewMemory(remote.WithIDGenerator(testutil.NewSequentialIDGenerator("r"))),
		clock:     testutil.NewManualClock(time.Time{}),
		trace:     &recorder{},
		faults:    &faultSet{},
		watches:   make(map[string]*realtime.Handle),
		resources: make(map[string]bool),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed remote store: %w", err)
	}
	h.remote.SetFault(h.faults.hook(h.trace))

	sess, err := h.newSession(scenario)
	if err != nil {
		return nil, err
	}
	h.session = sess
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	result.Trace = h.trace.events()
	h.remote.SetFault(nil)

	state, err := h.captureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	result.State = state

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) newSession(scenario *Scenario) (*session.Session, error) {
	compaction, err := engine.ParseCompaction(scenario.Compaction)
	if err != nil {
		return nil, err
	}
	online := true
	if scenario.Online != nil {
		online = *scenario.Online
	}

	return session.New(h.store, h.remote,
		session.WithClock(h.clock),
		session.WithIDGenerator(testutil.NewSequentialIDGenerator("m")),
		session.WithInitialOnline(online),
		session.WithCompaction(compaction),
		session.WithBackoff(backoff.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2}),
		session.WithMaxAttempts(scenario.MaxAttempts),
		session.WithRetryInterval(0),
		session.WithDedupeInserts(scenario.DedupeInserts),
		session.WithReconnectBackoff(backoff.Policy{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}),
		session.WithOutcomeListener(h.recordOutcome),
	), nil
}

// seed loads remote rows in sorted resource order, before tracing starts.
func (h *Harness) seed(ctx context.Context, seed map[string][]map[string]any) error {
	names := make([]string, 0, len(seed))
	for name := range seed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		resource, err := model.NormalizeResource(name)
		if err != nil {
			return err
		}
		h.resources[resource] = true
		for _, row := range seed[name] {
			if _, err := h.remote.Insert(ctx, resource, model.Record(row)); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeFlow runs every step in order.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, step := range flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Mutate != nil:
		return h.mutate(ctx, i, step.Mutate, result)

	case step.External != nil:
		w := step.External
		action, resource, err := h.prepareWrite(w)
		if err != nil {
			return err
		}
		h.trace.add(TraceEvent{
			Type: EventStep, Name: "external", Resource: resource,
			RecordID: model.Record(w.Data).ID(), Args: map[string]any{"action": action.String()},
		})
		if err := remote.Apply(ctx, h.remote, resource, action, model.Record(w.Data).Clone()); err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: external %s %s failed: %v", i, action, resource, err))
		}

	case step.SetOnline != nil:
		h.trace.add(TraceEvent{Type: EventStep, Name: "set_online", Args: map[string]any{"online": *step.SetOnline}})
		h.session.SetOnline(*step.SetOnline)

	case step.Sync:
		h.trace.add(TraceEvent{Type: EventStep, Name: "sync"})
		rep, err := h.session.ForceSync(ctx)
		if err != nil {
			return err
		}
		h.trace.add(TraceEvent{Type: EventReport, Name: "drain", Args: map[string]any{
			"attempted":     rep.Attempted,
			"applied":       rep.Applied,
			"failed":        rep.Failed,
			"dead_lettered": rep.DeadLettered,
			"skipped":       rep.Skipped,
			"pending":       rep.Pending,
		}})

	case step.Watch != nil:
		return h.watch(ctx, step.Watch)

	case step.Fail != nil:
		f := *step.Fail
		if f.Kind == "" {
			f.Kind = remote.KindTransient.String()
		}
		h.trace.add(TraceEvent{Type: EventStep, Name: "fail", Resource: f.Resource, Args: map[string]any{
			"op": f.Op, "kind": f.Kind, "times": f.Times,
		}})
		h.faults.add(f)

	case step.Heal:
		h.trace.add(TraceEvent{Type: EventStep, Name: "heal"})
		h.faults.clear()

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.trace.add(TraceEvent{Type: EventStep, Name: "advance", Args: map[string]any{"by": step.Advance}})
		h.clock.Advance(d)

	case step.Await != nil:
		if err := h.await(step.Await); err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: %v", i, err))
		}
	}
	return nil
}

// mutate writes through the session and checks where the write ended up.
func (h *Harness) mutate(ctx context.Context, i int, w *WriteStep, result *Result) error {
	action, resource, err := h.prepareWrite(w)
	if err != nil {
		return err
	}
	data := model.Record(w.Data).Clone()
	start := h.trace.add(TraceEvent{
		Type: EventStep, Name: "mutate", Resource: resource,
		RecordID: data.ID(), Args: map[string]any{"action": action.String()},
	})

	if err := h.session.Mutate(ctx, resource, action, data); err != nil {
		return err
	}
	if w.Expect == "" {
		return nil
	}

	got := ""
	for _, ev := range h.trace.since(start) {
		if ev.Type != EventOutcome || ev.Resource != resource {
			continue
		}
		if data.HasID() && ev.RecordID != data.ID() {
			continue
		}
		got = ev.Name
		break
	}
	if got != w.Expect {
		result.AddError(fmt.Sprintf("flow[%d]: mutate %s %s: expected %s, got %q", i, action, resource, w.Expect, got))
	}
	return nil
}

func (h *Harness) prepareWrite(w *WriteStep) (model.Action, string, error) {
	action, err := model.ParseAction(w.Action)
	if err != nil {
		return 0, "", err
	}
	resource, err := model.NormalizeResource(w.Resource)
	if err != nil {
		return 0, "", err
	}
	h.resources[resource] = true
	return action, resource, nil
}

func (h *Harness) watch(ctx context.Context, w *WatchStep) error {
	resource, err := model.NormalizeResource(w.Resource)
	if err != nil {
		return err
	}
	h.resources[resource] = true

	var filter *model.Filter
	args := map[string]any(nil)
	if w.Column != "" {
		filter = &model.Filter{Column: w.Column, Value: w.Value}
		args = map[string]any{"column": w.Column, "value": w.Value}
	}
	h.trace.add(TraceEvent{Type: EventStep, Name: "watch", Resource: resource, Args: args})

	handle, err := h.session.Watch(ctx, resource, filter)
	if err != nil {
		return err
	}
	if old, ok := h.watches[resource]; ok {
		_ = h.session.Unwatch(old)
	}
	h.watches[resource] = handle
	return nil
}

// await polls until every condition set on a holds.
func (h *Harness) await(a *AwaitStep) error {
	timeout := DefaultAwaitTimeout
	if a.Timeout != "" {
		d, err := time.ParseDuration(a.Timeout)
		if err != nil {
			return err
		}
		timeout = d
	}

	deadline := time.Now().Add(timeout)
	for {
		pending, drains, items, ok := h.conditions(a)
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("await timed out after %s (pending=%d drains=%d items=%d)", timeout, pending, drains, items)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *Harness) conditions(a *AwaitStep) (pending int, drains int64, items int, ok bool) {
	pending = h.session.PendingSyncCount()
	drains = h.session.Drains()
	items = -1
	ok = true

	if a.Pending != nil && pending != *a.Pending {
		ok = false
	}
	if a.Drains != nil && drains != *a.Drains {
		ok = false
	}
	if a.Watch != "" {
		if handle, found := h.watches[a.Watch]; found {
			items = len(handle.Items())
		}
		if items != *a.Items {
			ok = false
		}
	}
	return pending, drains, items, ok
}

func (h *Harness) captureState(ctx context.Context) (FinalState, error) {
	state := FinalState{
		Online:  h.session.IsOnline(),
		Pending: h.session.PendingSyncCount(),
		Drains:  h.session.Drains(),
		Remote:  make(map[string][]model.Record, len(h.resources)),
	}

	dead, err := h.session.DeadLetters(ctx)
	if err != nil {
		return state, err
	}
	for _, dl := range dead {
		state.DeadLetters = append(state.DeadLetters, dl.Mutation.Resource+"/"+dl.Mutation.Data.ID())
	}

	for resource := range h.resources {
		rows, err := h.remote.SelectAll(ctx, resource, nil)
		if err != nil {
			return state, err
		}
		state.Remote[resource] = rows
	}

	if len(h.watches) > 0 {
		state.Watches = make(map[string][]model.Record, len(h.watches))
		for resource, handle := range h.watches {
			state.Watches[resource] = handle.Items()
		}
	}
	return state, nil
}

func (h *Harness) recordOutcome(o session.Outcome) {
	ev := TraceEvent{
		Type:     EventOutcome,
		Name:     o.Status.String(),
		Resource: o.Mutation.Resource,
		RecordID: o.Mutation.Data.ID(),
		Mutation: o.Mutation.ID,
	}
	if o.Err != nil {
		ev.Error = failureKind(o.Err)
	}
	h.trace.add(ev)
	h.logger.Debug("outcome", "status", ev.Name, "resource", ev.Resource, "record_id", ev.RecordID)
}

func failureKind(err error) string {
	if remote.IsPermanent(err) {
		return remote.KindPermanent.String()
	}
	return remote.KindTransient.String()
}

// recorder collects trace events from the flow, the remote store and the
// sync engine goroutine.
type recorder struct {
	mu   sync.Mutex
	seq  int64
	list []TraceEvent
}

// add appends ev and returns its sequence number.
func (r *recorder) add(ev TraceEvent) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	r.list = append(r.list, ev)
	return r.seq
}

// since returns the events recorded after seq.
func (r *recorder) since(seq int64) []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TraceEvent
	for _, ev := range r.list {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.list))
	copy(out, r.list)
	return out
}

type fault struct {
	step      FaultStep
	remaining int // negative fails forever
}

// faultSet holds injected remote failures.
type faultSet struct {
	mu   sync.Mutex
	list []*fault
}

func (f *faultSet) add(step FaultStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := step.Times
	if remaining == 0 {
		remaining = -1
	}
	f.list = append(f.list, &fault{step: step, remaining: remaining})
}

func (f *faultSet) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = nil
}

// take consumes the first fault matching the call, if any.
func (f *faultSet) take(op remote.Op, resource string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ft := range f.list {
		if ft.step.Op != "" && ft.step.Op != string(op) {
			continue
		}
		if ft.step.Resource != "" && ft.step.Resource != resource {
			continue
		}
		if ft.remaining > 0 {
			ft.remaining--
			if ft.remaining == 0 {
				f.list = append(f.list[:i], f.list[i+1:]...)
			}
		}
		if ft.step.Kind == remote.KindPermanent.String() {
			return remote.Permanent(string(op), resource, errInjected)
		}
		return remote.Transient(string(op), resource, errInjected)
	}
	return nil
}

// hook traces every remote call and applies injected faults.
func (f *faultSet) hook(trace *recorder) remote.FaultFunc {
	return func(op remote.Op, resource string, rec model.Record) error {
		ev := TraceEvent{Type: EventRemote, Name: string(op), Resource: resource, RecordID: rec.ID()}
		err := f.take(op, resource)
		if err != nil {
			ev.Error = failureKind(err)
		}
		trace.add(ev)
		return err
	}
}
