package internal

import "time"

// Clock is the time source of the engine. Timer callbacks run on their own
// goroutine and must not assume any lock is held.
type Clock interface {
	Now() time.Time
	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a one-shot timer created by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call
	// stops the timer, false if the timer has already fired or been stopped.
	Stop() bool
}

// RealClock is a [Clock] backed by the time package.
type RealClock struct{}

var _ Clock = RealClock{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
