// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures exponential backoff.
type Policy struct {
	// Initial is the delay before the first retry. Default: 500ms
	Initial time.Duration

	// Max caps the delay between retries. Default: 1m
	Max time.Duration

	// Multiplier grows the delay after each attempt. Default: 2.0
	Multiplier float64

	// Jitter spreads delays by ±Jitter fraction, between 0 and 1.
	// Default: 0.2
	Jitter float64
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    500 * time.Millisecond,
		Max:        time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// normalized fills zero or out-of-range fields with defaults.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

// Base returns the un-jittered delay after the given number of failed
// attempts (attempt 1 is the first failure).
func (p Policy) Base(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) || math.IsInf(d, 0) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay returns Base(attempt) with jitter applied, never above Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	base := p.Base(attempt)
	if p.Jitter == 0 {
		return base
	}
	spread := float64(base) * p.Jitter
	d := time.Duration(float64(base) - spread + rand.Float64()*2*spread)
	if d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
