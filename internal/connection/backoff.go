package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff produces reconnect delays: base, 2*base, 4*base, ... capped at max.
// Jitter stretches each delay by up to jitter*delay but never past the next
// nominal step or max, so successive delays stay non-decreasing.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
	rnd     func() float64
}

// NewBackoff returns a Backoff. jitter is clamped to [0, 1].
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{base: base, max: max, jitter: jitter, rnd: rand.Float64}
}

// Nominal is the un-jittered delay for the next attempt.
func (b *Backoff) Nominal() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Nominal()
	b.attempt++
	if b.jitter > 0 {
		d += time.Duration(float64(d) * b.jitter * b.rnd())
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset returns the sequence to base.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }
