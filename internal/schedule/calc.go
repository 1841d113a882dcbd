// Package schedule computes and arms automation occurrences.
package schedule

import (
	"math"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"scriptd/internal/store"
)

// MinInterval replaces non-positive periodic intervals.
const MinInterval = time.Minute

// weeklySearchDays bounds the weekly search window.
const weeklySearchDays = 8

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// Spec is the recurrence part of an automation.
type Spec struct {
	Kind     store.Kind
	Anchor   time.Time
	Interval time.Duration
	Weekdays []int // 1..7, Sunday = 1
	CronExpr string
	TZ       string
}

// SpecOf extracts the recurrence rule of a.
func SpecOf(a *store.Automation) Spec {
	return Spec{
		Kind:     a.Kind,
		Anchor:   a.ScheduledAt,
		Interval: a.Interval,
		Weekdays: a.Weekdays,
		CronExpr: a.CronExpr,
		TZ:       a.TZ,
	}
}

// NextRun returns the first occurrence at or after from. The bool is false
// when the rule has no further occurrence or cannot be evaluated.
func NextRun(spec Spec, from time.Time) (time.Time, bool) {
	switch spec.Kind {
	case store.KindOneTime:
		if spec.Anchor.Before(from) {
			return time.Time{}, false
		}
		return spec.Anchor, true

	case store.KindPeriodic:
		interval := spec.Interval
		if interval <= 0 {
			interval = MinInterval
		}
		if !from.After(spec.Anchor) {
			return spec.Anchor, true
		}
		return nextPeriodic(spec.Anchor, interval, from), true

	case store.KindWeekly:
		return nextWeekly(spec, from)

	case store.KindCron:
		return nextCron(spec, from)
	}
	return time.Time{}, false
}

// nextPeriodic returns the minimal anchor+k*interval at or after from.
// Spans too long for a time.Duration are stepped in unix milliseconds.
func nextPeriodic(anchor time.Time, interval time.Duration, from time.Time) time.Time {
	if elapsed := from.Sub(anchor); elapsed < time.Duration(math.MaxInt64)-interval {
		steps := (elapsed + interval - 1) / interval
		return anchor.Add(steps * interval)
	}

	everyMs := interval.Milliseconds()
	if everyMs < 1 {
		everyMs = 1
	}
	a := anchor.UnixMilli()
	steps := (from.UnixMilli() - a + everyMs - 1) / everyMs
	subMs := time.Duration(anchor.Nanosecond() % int(time.Millisecond))
	next := time.UnixMilli(a + steps*everyMs).Add(subMs).In(anchor.Location())
	for next.Before(from) {
		next = next.Add(interval)
	}
	return next
}

// NextRuns lists up to n upcoming occurrences for display.
func NextRuns(spec Spec, from time.Time, n int) []time.Time {
	var out []time.Time
	for i := 0; i < n; i++ {
		t, ok := NextRun(spec, from)
		if !ok {
			break
		}
		out = append(out, t)
		from = t.Add(time.Millisecond)
	}
	return out
}

func nextWeekly(spec Spec, from time.Time) (time.Time, bool) {
	days := make(map[time.Weekday]bool, 7)
	for _, d := range spec.Weekdays {
		if d >= 1 && d <= 7 {
			days[time.Weekday(d-1)] = true
		}
	}
	if len(days) == 0 {
		return time.Time{}, false
	}

	loc := spec.Anchor.Location()
	h, m, s := spec.Anchor.Clock()
	ns := spec.Anchor.Nanosecond()
	f := from.In(loc)

	for i := 0; i < weeklySearchDays; i++ {
		c := time.Date(f.Year(), f.Month(), f.Day()+i, h, m, s, ns, loc)
		if days[c.Weekday()] && !c.Before(from) {
			return c, true
		}
	}
	return time.Time{}, false
}

func nextCron(spec Spec, from time.Time) (time.Time, bool) {
	expr := strings.TrimSpace(spec.CronExpr)
	if expr == "" {
		return time.Time{}, false
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	loc := from.Location()
	if tz := strings.TrimSpace(spec.TZ); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, false
		}
		loc = l
	}

	// Next is strictly after its argument; step back so a slot equal to
	// from still counts.
	f := from.In(loc)
	next := sched.Next(f.Add(-time.Second))
	if next.Before(f) {
		next = sched.Next(f)
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// ValidCron reports a parse error for expr, or nil.
func ValidCron(expr string) error {
	_, err := cronParser.Parse(strings.TrimSpace(expr))
	return err
}
