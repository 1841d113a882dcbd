package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Time stands still until
// Advance is called; timers and tickers whose deadline falls inside the
// advanced window fire in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance, so a callback
// must not call Advance itself.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	interval time.Duration  // >0 for tickers
	ch       chan time.Time // tickers
	fn       func()         // AfterFunc
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock set to initial.
func NewFake(initial time.Time) *Fake {
	f := &Fake{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t without firing anything.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), fn: fn}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	f.mu.Unlock()

	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), interval: d, ch: ch}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	f.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		w.stopped = true
		f.mu.Unlock()
	}}
}

// Advance moves the clock forward by d and fires everything that came due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (f *Fake) collect(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w)
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	f.waiters = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// Pending returns the number of live timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// It closes the race between a goroutine registering a ticker and the
// test advancing the clock.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}
