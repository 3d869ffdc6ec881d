package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/backoff"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func startSession(t *testing.T, st *store.Store, rs remote.Store, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithClock(testutil.NewManualClock(time.Time{})),
		WithIDGenerator(testutil.NewSequentialIDGenerator("m")),
		WithBackoff(backoff.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2}),
	}
	s := New(st, rs, append(base, opts...)...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_OfflineMutatesCountPending(t *testing.T) {
	mem := remote.NewMemory()
	s := startSession(t, openStore(t), mem, WithInitialOnline(false))
	ctx := context.Background()

	for _, n := range []int{1, 2, 3, 4, 5} {
		require.NoError(t, s.Mutate(ctx, "bids", model.ActionCreate, model.Record{"amount": n}))
		assert.Equal(t, n, s.PendingSyncCount())
	}
	assert.Equal(t, 0, mem.Len("bids"))
	assert.False(t, s.IsOnline())
}

// Scenario A: a bid made offline reaches the remote store once the client
// comes back online.
func TestSession_OfflineBidSyncsOnReconnect(t *testing.T) {
	mem := remote.NewMemory()
	s := startSession(t, openStore(t), mem, WithInitialOnline(false))
	ctx := context.Background()

	require.NoError(t, s.Mutate(ctx, "bids", model.ActionCreate, model.Record{"id": "b1", "amount": 500}))
	assert.Equal(t, 1, s.PendingSyncCount())

	s.SetOnline(true)
	require.Eventually(t, func() bool { return s.PendingSyncCount() == 0 }, waitFor, tick)

	bid, ok := mem.Get("bids", "b1")
	require.True(t, ok)
	assert.EqualValues(t, 500, bid["amount"])
}

func TestSession_OnlineTransitionDrainsExactlyOnce(t *testing.T) {
	mem := remote.NewMemory()
	s := startSession(t, openStore(t), mem, WithInitialOnline(false))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Mutate(ctx, "todos", model.ActionCreate, model.Record{"id": id}))
	}

	s.SetOnline(true)
	s.SetOnline(true)
	s.SetOnline(true)

	require.Eventually(t, func() bool { return s.PendingSyncCount() == 0 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), s.Drains())
	assert.Equal(t, 3, mem.Len("todos"))
}

func TestSession_StartDrainsLeftoverQueue(t *testing.T) {
	st := openStore(t)
	mem := remote.NewMemory()

	offline := New(st, mem, WithInitialOnline(false))
	require.NoError(t, offline.Mutate(context.Background(), "todos", model.ActionCreate, model.Record{"id": "a"}))
	require.NoError(t, offline.Close())

	// A new session over the same store picks up where the last one stopped.
	s := startSession(t, st, mem)
	require.Eventually(t, func() bool { return mem.Len("todos") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return s.PendingSyncCount() == 0 }, waitFor, tick)
}

func TestSession_OnlineMutateAppliesImmediately(t *testing.T) {
	mem := remote.NewMemory()
	var mu sync.Mutex
	var outcomes []Outcome
	s := startSession(t, openStore(t), mem, WithOutcomeListener(func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}))

	require.NoError(t, s.Mutate(context.Background(), "todos", model.ActionCreate, model.Record{"id": "a"}))
	assert.Equal(t, 1, mem.Len("todos"))
	assert.Equal(t, 0, s.PendingSyncCount())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeApplied, outcomes[0].Status)
}

func TestSession_ForceSyncReportsAndDeadLetters(t *testing.T) {
	mem := remote.NewMemory()
	s := startSession(t, openStore(t), mem, WithInitialOnline(false))
	ctx := context.Background()

	require.NoError(t, s.Mutate(ctx, "todos", model.ActionCreate, model.Record{"id": "a"}))
	require.NoError(t, s.Mutate(ctx, "todos", model.ActionUpdate, model.Record{"id": "ghost"}))

	// Forced drains run even while offline.
	rep, err := s.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Equal(t, 0, s.PendingSyncCount())

	dead, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "ghost", dead[0].Mutation.Data.ID())

	// Create the record, then requeue the update; it now applies.
	_, err = mem.Insert(ctx, "todos", model.Record{"id": "ghost"})
	require.NoError(t, err)
	_, err = s.RequeueDeadLetter(ctx, dead[0].Mutation.ID)
	require.NoError(t, err)

	rep, err = s.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Pending)

	n, err := s.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSession_TransientFailureStaysPending(t *testing.T) {
	mem := remote.NewMemory()
	mem.SetFault(func(op remote.Op, resource string, rec model.Record) error {
		return errors.New("gateway timeout")
	})
	var mu sync.Mutex
	var statuses []OutcomeStatus
	s := startSession(t, openStore(t), mem, WithOutcomeListener(func(o Outcome) {
		mu.Lock()
		statuses = append(statuses, o.Status)
		mu.Unlock()
	}))
	ctx := context.Background()

	// Online but failing: the write is queued, not returned as an error.
	require.NoError(t, s.Mutate(ctx, "todos", model.ActionCreate, model.Record{"id": "a"}))
	assert.Equal(t, 1, s.PendingSyncCount())

	rep, err := s.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, s.PendingSyncCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []OutcomeStatus{OutcomeQueued, OutcomeQueued}, statuses)
}

func TestSession_CompactMarkAndClearSynced(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, remote.NewMemory(), WithInitialOnline(false), WithCompaction(engine.CompactMarkSynced))
	ctx := context.Background()

	require.NoError(t, s.Mutate(ctx, "todos", model.ActionCreate, model.Record{"id": "a"}))
	_, err := s.ForceSync(ctx)
	require.NoError(t, err)

	records, err := st.ReadAll(ctx, "todos")
	require.NoError(t, err)
	require.Len(t, records, 1)

	n, err := s.ClearSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Scenario B: a watched resource shrinks when the remote deletes a record.
func TestSession_WatchFoldsDelete(t *testing.T) {
	mem := remote.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"l1", "l2", "l3"} {
		_, err := mem.Insert(ctx, "locations", model.Record{"id": id})
		require.NoError(t, err)
	}
	s := startSession(t, openStore(t), mem)

	h, err := s.Watch(ctx, "locations", nil)
	require.NoError(t, err)
	require.Len(t, h.Items(), 3)
	require.Eventually(t, h.Connected, waitFor, tick)

	require.NoError(t, mem.DeleteByID(ctx, "locations", "l2"))
	require.Eventually(t, func() bool { return len(h.Items()) == 2 }, waitFor, tick)
	for _, item := range h.Items() {
		assert.NotEqual(t, "l2", item.ID())
	}
}

func TestSession_CloseClosesHandles(t *testing.T) {
	mem := remote.NewMemory()
	s := New(openStore(t), mem)
	require.NoError(t, s.Start(context.Background()))

	h, err := s.Watch(context.Background(), "todos", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, mem.FeedCount())
	assert.False(t, h.Connected())

	assert.ErrorIs(t, s.Mutate(context.Background(), "todos", model.ActionCreate, nil), ErrClosed)
	_, err = s.Watch(context.Background(), "todos", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestSession_ProberDrivesConnectivity(t *testing.T) {
	mem := remote.NewMemory()
	var mu sync.Mutex
	up := false
	prober := connectivity.ProberFunc(func(ctx context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return up
	})
	s := startSession(t, openStore(t), mem,
		WithInitialOnline(false),
		WithProber(prober, 10*time.Millisecond),
	)

	require.NoError(t, s.Mutate(context.Background(), "todos", model.ActionCreate, model.Record{"id": "a"}))

	mu.Lock()
	up = true
	mu.Unlock()

	require.Eventually(t, s.IsOnline, waitFor, tick)
	require.Eventually(t, func() bool { return mem.Len("todos") == 1 }, waitFor, tick)
}

func TestSession_PendingCountMatchesStoreUnderConcurrentDrains(t *testing.T) {
	st := openStore(t)
	mem := remote.NewMemory()
	s := startSession(t, st, mem, WithInitialOnline(false))
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.ForceSync(ctx)
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Mutate(ctx, "bids", model.ActionCreate, model.Record{"amount": i}))
	}
	close(stop)
	wg.Wait()

	n, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, s.PendingSyncCount())
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSession_ConnectivityChangeLoggedOnce(t *testing.T) {
	var logs syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s := startSession(t, openStore(t), remote.NewMemory(), WithInitialOnline(false))
	s.SetOnline(true)

	assert.Equal(t, 1, strings.Count(logs.String(), "connectivity changed"))
}
