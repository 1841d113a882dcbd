// Package clock abstracts time so schedulers and watchdogs can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by scriptd.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped a pending timer.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C until stopped. C has capacity 1; ticks are
// dropped when the reader falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
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
