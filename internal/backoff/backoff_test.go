package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_BaseGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0}

	assert.Equal(t, 100*time.Millisecond, p.Base(1))
	assert.Equal(t, 200*time.Millisecond, p.Base(2))
	assert.Equal(t, 400*time.Millisecond, p.Base(3))
	assert.Equal(t, time.Second, p.Base(10))
	assert.Equal(t, time.Second, p.Base(5000), "huge attempts must not overflow")
	assert.Equal(t, 100*time.Millisecond, p.Base(0))
}

func TestPolicy_DelayWithinJitterBounds(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 200; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestPolicy_ZeroValueUsesDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultPolicy().Initial, p.Base(1))
	assert.LessOrEqual(t, p.Delay(100), DefaultPolicy().Max)
}
