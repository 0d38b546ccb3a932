// Package poll repeatedly fetches job status with adaptive backoff until
// a terminal state is reached or polling is torn down.
package poll

import "time"

// Backoff produces the delay sequence between status fetches: starts at
// a base interval and grows geometrically up to a cap while nothing
// changes, resetting to base when the observed state moves.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

// NewBackoff creates a backoff sequence. Nonsense inputs fall back to
// the documented defaults (1s base, 1.15 factor, 7s cap).
func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 7 * time.Second
		if max < base {
			max = base
		}
	}
	if factor <= 1 {
		factor = 1.15
	}
	return &Backoff{base: base, max: max, factor: factor, current: base}
}

// Next returns the delay to use now and advances the sequence.
// Successive values are non-decreasing and never exceed the cap.
func (b *Backoff) Next() time.Duration {
	d := b.current
	grown := time.Duration(float64(b.current) * b.factor)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown
	return d
}

// Reset returns the sequence to the base interval. Called when the
// observed (status, stage) signature changes so a job that just moved is
// watched closely again.
func (b *Backoff) Reset() {
	b.current = b.base
}

// Current reports the next delay without advancing.
func (b *Backoff) Current() time.Duration {
	return b.current
}
