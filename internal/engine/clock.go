package engine

import "time"

// Clock supplies wall-clock time for enqueue stamps and backoff deadlines.
// Ordering never depends on it: queues are FIFO by position.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}
