package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func recvEvent(t *testing.T, f Feed) model.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-f.Events():
		require.True(t, ok, "feed closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return model.ChangeEvent{}
	}
}

func TestMemory_InsertIsUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Insert(ctx, "bids", model.Record{"id": "b1", "amount": 500})
	require.NoError(t, err)
	_, err = m.Insert(ctx, "bids", model.Record{"id": "b1", "amount": 500})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Len("bids"), "replayed CREATE must not create a second record")
}

func TestMemory_InsertGeneratesMissingID(t *testing.T) {
	m := NewMemory()

	row, err := m.Insert(context.Background(), "bids", model.Record{"amount": 1})
	require.NoError(t, err)
	assert.True(t, row.HasID())
}

func TestMemory_UpdateMissingIsPermanentNotFound(t *testing.T) {
	m := NewMemory()

	_, err := m.UpdateByID(context.Background(), "bids", "nope", model.Record{"amount": 1})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_UpdateMergesAndKeepsID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Insert(ctx, "bids", model.Record{"id": "b1", "amount": 500, "status": "open"})
	require.NoError(t, err)

	row, err := m.UpdateByID(ctx, "bids", "b1", model.Record{"id": "other", "amount": 650})
	require.NoError(t, err)
	assert.Equal(t, "b1", row.ID())
	assert.Equal(t, 650, row["amount"])
	assert.Equal(t, "open", row["status"])
}

func TestMemory_DeleteIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Insert(ctx, "bids", model.Record{"id": "b1"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteByID(ctx, "bids", "b1"))
	require.NoError(t, m.DeleteByID(ctx, "bids", "b1"))
	assert.Equal(t, 0, m.Len("bids"))
}

func TestMemory_SelectAllOrderAndFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, rec := range []model.Record{
		{"id": "l1", "site": "a"},
		{"id": "l2", "site": "b"},
		{"id": "l3", "site": "a"},
	} {
		_, err := m.Insert(ctx, "locations", rec)
		require.NoError(t, err)
	}

	all, err := m.SelectAll(ctx, "locations", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"l1", "l2", "l3"}, ids(all))

	siteA, err := m.SelectAll(ctx, "locations", &model.Filter{Column: "site", Value: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l3"}, ids(siteA))
}

func TestMemory_FeedDeliversInOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	feed, err := m.Subscribe(ctx, "bids", nil)
	require.NoError(t, err)
	defer feed.Close()

	select {
	case <-feed.Ready():
	default:
		t.Fatal("memory feed should be ready immediately")
	}

	_, _ = m.Insert(ctx, "bids", model.Record{"id": "b1"})
	_, _ = m.UpdateByID(ctx, "bids", "b1", model.Record{"amount": 2})
	_ = m.DeleteByID(ctx, "bids", "b1")
	_, _ = m.Insert(ctx, "other", model.Record{"id": "x"})

	assert.Equal(t, model.EventInsert, recvEvent(t, feed).Kind)
	assert.Equal(t, model.EventUpdate, recvEvent(t, feed).Kind)
	del := recvEvent(t, feed)
	assert.Equal(t, model.EventDelete, del.Kind)
	assert.Equal(t, "b1", del.RecordID())

	select {
	case ev := <-feed.Events():
		t.Fatalf("unexpected event for another resource: %+v", ev)
	default:
	}
}

func TestMemory_FeedFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	feed, err := m.Subscribe(ctx, "locations", &model.Filter{Column: "site", Value: "a"})
	require.NoError(t, err)
	defer feed.Close()

	_, _ = m.Insert(ctx, "locations", model.Record{"id": "l1", "site": "b"})
	_, _ = m.Insert(ctx, "locations", model.Record{"id": "l2", "site": "a"})

	assert.Equal(t, "l2", recvEvent(t, feed).RecordID())
}

func TestMemory_DropFeeds(t *testing.T) {
	m := NewMemory()

	feed, err := m.Subscribe(context.Background(), "bids", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.DropFeeds("bids"))
	_, ok := <-feed.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, feed.Err(), ErrFeedDropped)
	assert.Equal(t, 0, m.FeedCount())
}

func TestMemory_SlowConsumerIsDropped(t *testing.T) {
	m := NewMemory(WithFeedBuffer(1))
	ctx := context.Background()

	feed, err := m.Subscribe(ctx, "bids", nil)
	require.NoError(t, err)

	_, _ = m.Insert(ctx, "bids", model.Record{"id": "b1"})
	_, _ = m.Insert(ctx, "bids", model.Record{"id": "b2"})

	<-feed.Events()
	_, ok := <-feed.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, feed.Err(), ErrFeedDropped)
}

func TestMemory_CloseFeed(t *testing.T) {
	m := NewMemory()

	feed, err := m.Subscribe(context.Background(), "bids", nil)
	require.NoError(t, err)
	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())

	assert.NoError(t, feed.Err())
	assert.Equal(t, 0, m.FeedCount())
}

func TestMemory_Fault(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SetFault(func(op Op, resource string, rec model.Record) error {
		if op == OpInsert {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := m.Insert(ctx, "bids", model.Record{"id": "b1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err), "unclassified faults are transient")

	m.SetFault(func(op Op, resource string, rec model.Record) error {
		return Permanent(string(op), resource, errors.New("violates check constraint"))
	})
	_, err = m.Insert(ctx, "bids", model.Record{"id": "b1"})
	assert.True(t, IsPermanent(err))

	m.SetFault(nil)
	_, err = m.Insert(ctx, "bids", model.Record{"id": "b1"})
	assert.NoError(t, err)
}

func ids(rows []model.Record) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID()
	}
	return out
}
