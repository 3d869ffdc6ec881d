package engine

import (
	"fmt"
	"sync"
)

// Trigger identifies why a drain runs.
type Trigger int

const (
	// TriggerReconnect runs after connectivity is regained.
	TriggerReconnect Trigger = iota + 1
	// TriggerForce runs on an explicit caller request.
	TriggerForce
	// TriggerRetry runs on the periodic retry tick.
	TriggerRetry
)

// String returns the trigger name used in logs.
func (t Trigger) String() string {
	switch t {
	case TriggerReconnect:
		return "reconnect"
	case TriggerForce:
		return "force"
	case TriggerRetry:
		return "retry"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Trigger) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// honorsBackoff reports whether the trigger skips mutations still backing
// off. Reconnects and explicit forces are new information and retry
// everything.
func (t Trigger) honorsBackoff() bool {
	return t == TriggerRetry
}

// triggerQueue is a thread-safe FIFO of pending drain requests.
//
// A trigger already waiting in the queue is not enqueued again: one
// pending drain covers every mutation queued before it runs.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type triggerQueue struct {
	mu       sync.Mutex
	triggers []Trigger
	closed   bool
	signal   chan struct{} // Signals availability (buffered, size 1)
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a trigger unless an identical one is already waiting.
// Returns false if the queue is closed.
func (q *triggerQueue) Enqueue(t Trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	for _, pending := range q.triggers {
		if pending == t {
			return true
		}
	}
	q.triggers = append(q.triggers, t)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front trigger without blocking.
func (q *triggerQueue) TryDequeue() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.triggers) == 0 {
		return 0, false
	}
	t := q.triggers[0]
	q.triggers = q.triggers[1:]
	if len(q.triggers) == 0 {
		q.triggers = nil
	}
	return t, true
}

// Wait returns a channel that signals when triggers may be available.
// The channel is closed when the queue is closed.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of waiting triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.triggers)
}

// Close stops accepting triggers and wakes any waiter.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *triggerQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
