package schedule

import (
	"sync"
	"time"

	"scriptd/internal/clock"
)

// Tag returns the opaque identifier an alarm for automation id carries.
func Tag(id string) string {
	return "automation://" + id
}

// Alarms holds at most one exact-time wake-up per key.
type Alarms struct {
	clock    clock.Clock
	dispatch func(id, tag string)

	mu     sync.Mutex
	armed  map[string]*alarm
	nextID uint64
}

type alarm struct {
	seq   uint64
	at    time.Time
	tag   string
	timer *clock.Timer
}

// NewAlarms returns an alarm table that calls dispatch when an alarm fires.
func NewAlarms(c clock.Clock, dispatch func(id, tag string)) *Alarms {
	return &Alarms{
		clock:    c,
		dispatch: dispatch,
		armed:    make(map[string]*alarm),
	}
}

// Arm schedules a wake-up for id at the given time, replacing any armed one.
func (a *Alarms) Arm(id string, at time.Time, tag string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.armed[id]; ok {
		old.timer.Stop()
	}
	a.nextID++
	al := &alarm{seq: a.nextID, at: at, tag: tag}
	d := at.Sub(a.clock.Now())
	if d < 0 {
		d = 0
	}
	al.timer = a.clock.AfterFunc(d, func() { a.fire(id, al.seq) })
	a.armed[id] = al
}

func (a *Alarms) fire(id string, seq uint64) {
	a.mu.Lock()
	al, ok := a.armed[id]
	if !ok || al.seq != seq {
		a.mu.Unlock()
		return
	}
	delete(a.armed, id)
	a.mu.Unlock()

	a.dispatch(id, al.tag)
}

// Disarm removes the alarm for id. It reports whether one was armed.
func (a *Alarms) Disarm(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	al, ok := a.armed[id]
	if !ok {
		return false
	}
	al.timer.Stop()
	delete(a.armed, id)
	return true
}

// Armed returns the fire time of the alarm for id.
func (a *Alarms) Armed(id string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if al, ok := a.armed[id]; ok {
		return al.at, true
	}
	return time.Time{}, false
}

// Len returns the number of armed alarms.
func (a *Alarms) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.armed)
}

// Stop disarms everything.
func (a *Alarms) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, al := range a.armed {
		al.timer.Stop()
		delete(a.armed, id)
	}
}
