package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scriptd/internal/clock"
	"scriptd/internal/store"
)

// Executor launches the script behind an automation. It must not block
// on the script finishing.
type Executor interface {
	RunAutomation(ctx context.Context, a *store.Automation) error
}

// Gate decides whether a due automation may run now. The reason is
// logged when it may not.
type Gate interface {
	Allow(ctx context.Context, a *store.Automation) (bool, string)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithGate installs a device-condition gate.
func WithGate(g Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

// Scheduler arms one alarm per enabled automation and re-arms it after
// every fire.
type Scheduler struct {
	store  store.Store
	exec   Executor
	gate   Gate
	clock  clock.Clock
	alarms *Alarms
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serialises generation checks with the persist+arm that follows.
	mu  sync.Mutex
	gen map[string]uint64
}

// New creates a scheduler. Call Restore to arm stored automations.
func New(st store.Store, exec Executor, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  st,
		exec:   exec,
		clock:  clock.Real(),
		logger: logger.With("component", "scheduler"),
		gen:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.alarms = NewAlarms(s.clock, s.onAlarm)
	return s
}

// Restore passes every enabled automation through Schedule. Armed alarms
// do not survive a restart, so this runs at boot.
func (s *Scheduler) Restore(ctx context.Context) error {
	autos, err := s.store.ListEnabledAutomations()
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	var errs []error
	for _, a := range autos {
		if err := s.Schedule(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("schedules restored", "automations", len(autos), "armed", s.alarms.Len())
	return errors.Join(errs...)
}

// Schedule arms a for its next occurrence, replacing any earlier plan.
// A missed occurrence fires at once when RunIfMissed is set and is skipped
// forward otherwise.
func (s *Scheduler) Schedule(ctx context.Context, a *store.Automation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.Enabled {
		s.Cancel(a.ID)
		return nil
	}
	g := s.bump(a.ID)
	now := s.clock.Now()

	var target time.Time
	switch {
	case a.NextRunAt != nil:
		target = *a.NextRunAt
	case !a.ScheduledAt.IsZero():
		target = a.ScheduledAt
	}

	if target.IsZero() || target.Before(now) {
		if !target.IsZero() && a.RunIfMissed {
			s.logger.Info("catching up missed run", "automation", a.ID, "missed", target)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.fire(a.ID, g)
			}()
			return nil
		}
		next, ok := NextRun(SpecOf(a), now)
		if !ok {
			return s.clear(a.ID, g, false)
		}
		target = next
	}
	return s.arm(a.ID, g, target)
}

// Cancel disarms the automation. A fire already in progress will not
// re-arm it afterwards. Calling Cancel for an unknown id is a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[id]++
	if s.alarms.Disarm(id) {
		s.logger.Debug("alarm cancelled", "automation", id)
	}
}

// NextAlarm returns when the automation's alarm is armed for.
func (s *Scheduler) NextAlarm(id string) (time.Time, bool) {
	return s.alarms.Armed(id)
}

// Stop disarms everything and waits for in-flight catch-up runs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.alarms.Stop()
	s.wg.Wait()
}

func (s *Scheduler) bump(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[id]++
	return s.gen[id]
}

func (s *Scheduler) current(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[id]
}

// arm persists target as the next run and arms the alarm, unless the
// automation was re-planned or cancelled since generation g.
func (s *Scheduler) arm(id string, g uint64, target time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[id] != g {
		return nil
	}
	err := s.store.UpdateAutomation(id, func(a *store.Automation) error {
		a.NextRunAt = &target
		return nil
	})
	if err != nil {
		return fmt.Errorf("arm automation %s: %w", id, err)
	}
	s.alarms.Arm(id, target, Tag(id))
	s.logger.Debug("alarm armed", "automation", id, "at", target)
	return nil
}

// clear drops the next run. Terminal clears also disable the automation.
func (s *Scheduler) clear(id string, g uint64, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[id] != g {
		return nil
	}
	s.alarms.Disarm(id)
	err := s.store.UpdateAutomation(id, func(a *store.Automation) error {
		a.NextRunAt = nil
		if terminal {
			a.Enabled = false
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear automation %s: %w", id, err)
	}
	return nil
}

func (s *Scheduler) onAlarm(id, tag string) {
	if tag != Tag(id) {
		s.logger.Warn("alarm tag mismatch", "automation", id, "tag", tag)
		return
	}
	s.fire(id, s.current(id))
}

// fire runs the automation once and plans the following occurrence.
func (s *Scheduler) fire(id string, g uint64) {
	ctx := s.ctx
	a, err := s.store.GetAutomation(id)
	if err != nil {
		s.logger.Warn("fire: load automation", "automation", id, "err", err)
		return
	}
	if !a.Enabled {
		return
	}

	if ok, reason := s.allow(ctx, a); !ok {
		s.logger.Info("automation skipped", "automation", id, "reason", reason)
	} else if err := s.exec.RunAutomation(ctx, a); err != nil {
		s.logger.Error("run automation", "automation", id, "err", err)
	}

	if a.Kind == store.KindOneTime {
		if err := s.clear(id, g, true); err != nil {
			s.logger.Error("finish one-time automation", "automation", id, "err", err)
		}
		return
	}

	next, ok := NextRun(SpecOf(a), s.clock.Now().Add(time.Millisecond))
	if !ok {
		err = s.clear(id, g, false)
	} else {
		err = s.arm(id, g, next)
	}
	if err != nil {
		s.logger.Error("re-arm automation", "automation", id, "err", err)
	}
}

func (s *Scheduler) allow(ctx context.Context, a *store.Automation) (bool, string) {
	if s.gate == nil {
		return true, ""
	}
	return s.gate.Allow(ctx, a)
}
