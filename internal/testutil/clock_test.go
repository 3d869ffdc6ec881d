package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestManualClock_ZeroStartUsesEpoch(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, DefaultEpoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.Equal(t, start.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, start.Add(time.Second), clock.Now())

	// Never goes backwards
	clock.Advance(-time.Hour)
	assert.Equal(t, start.Add(time.Second), clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(time.Time{})
	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(target)
	assert.Equal(t, target, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(time.Time{})
	const numGoroutines = 50

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultEpoch.Add(numGoroutines*time.Millisecond), clock.Now())
}

func TestSequentialIDGenerator(t *testing.T) {
	var gen model.IDGenerator = NewSequentialIDGenerator("m")

	assert.Equal(t, "m-0001", gen.Generate())
	assert.Equal(t, "m-0002", gen.Generate())
}

func TestSequentialIDGenerator_DefaultPrefixAndReset(t *testing.T) {
	gen := NewSequentialIDGenerator("")
	require.Equal(t, "id-0001", gen.Generate())

	gen.Reset()
	assert.Equal(t, "id-0001", gen.Generate())
}

func TestSequentialIDGenerator_ThreadSafeUnique(t *testing.T) {
	gen := NewSequentialIDGenerator("x")
	const n = 100

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}
