// Package clock lets timing-sensitive components (registry TTL, rate-limit
// windows, heartbeats, the simulator) run against either wall time or a
// manually advanced fake.
package clock

import "time"

// Clock is the subset of the time package used by turnhub components.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously from
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer cancels a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop reports whether the call was prevented.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C; slow readers drop ticks.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
