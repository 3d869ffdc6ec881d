package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerQueue_FIFO(t *testing.T) {
	q := newTriggerQueue()

	q.Enqueue(TriggerReconnect)
	q.Enqueue(TriggerRetry)
	q.Enqueue(TriggerForce)

	for _, want := range []Trigger{TriggerReconnect, TriggerRetry, TriggerForce} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestTriggerQueue_CoalescesWaitingDuplicates(t *testing.T) {
	q := newTriggerQueue()

	assert.True(t, q.Enqueue(TriggerReconnect))
	assert.True(t, q.Enqueue(TriggerReconnect))
	assert.Equal(t, 1, q.Len())

	_, _ = q.TryDequeue()
	assert.True(t, q.Enqueue(TriggerReconnect), "a dequeued trigger may be requested again")
	assert.Equal(t, 1, q.Len())
}

func TestTriggerQueue_SignalsWaiter(t *testing.T) {
	q := newTriggerQueue()

	q.Enqueue(TriggerForce)
	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no signal after enqueue")
	}
}

func TestTriggerQueue_Close(t *testing.T) {
	q := newTriggerQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(TriggerForce), "enqueue after close should return false")
	assert.True(t, q.Closed())

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("close did not wake waiter")
	}
}

func TestTrigger_HonorsBackoff(t *testing.T) {
	assert.True(t, TriggerRetry.honorsBackoff())
	assert.False(t, TriggerReconnect.honorsBackoff())
	assert.False(t, TriggerForce.honorsBackoff())
	assert.Equal(t, "reconnect", TriggerReconnect.String())
}
