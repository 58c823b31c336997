package internal

import "time"

// Backoff tracks an exponentially growing wait that doubles on every
// Miss up to a maximum and returns to its start value on Hit.
// It does not sleep: callers arm their own timers with [Backoff.Wait].
type Backoff struct {
	wait    time.Duration
	start   time.Duration
	maxWait time.Duration
}

// NewBackoff returns a Backoff starting at start and capped at maxWait.
func NewBackoff(start, maxWait time.Duration) Backoff {
	if start <= 0 || maxWait < start {
		panic("invalid backoff bounds")
	}
	return Backoff{wait: start, start: start, maxWait: maxWait}
}

// Wait returns the current wait.
func (eb *Backoff) Wait() time.Duration { return eb.wait }

// AtMax reports whether the wait has reached its cap.
func (eb *Backoff) AtMax() bool { return eb.wait >= eb.maxWait }

// Hit sets the wait back to the start value.
func (eb *Backoff) Hit() {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	eb.wait = eb.start
}

// Miss doubles the wait, saturating at the maximum.
func (eb *Backoff) Miss() {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	eb.wait *= 2
	if eb.wait > eb.maxWait {
		eb.wait = eb.maxWait
	}
}
