// Package automation ties stored scripts to the command builder, the
// runner, the scheduler and the heartbeat supervisor.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"scriptd/internal/clock"
	"scriptd/internal/command"
	"scriptd/internal/events"
	"scriptd/internal/gate"
	"scriptd/internal/heartbeat"
	"scriptd/internal/notify"
	"scriptd/internal/result"
	"scriptd/internal/runner"
	"scriptd/internal/schedule"
	"scriptd/internal/store"
)

// ErrInvalid marks a rejected script or automation.
var ErrInvalid = errors.New("invalid")

// Remover deletes a script's staged bridge file.
type Remover interface {
	Remove(scriptID string) error
}

// Deps are the engine's collaborators. Gate, Bridge, Notifier and Bus may
// be nil.
type Deps struct {
	Store     store.Store
	Runner    runner.Runner
	Builder   *command.Builder
	Processor *result.Processor
	Notifier  notify.Notifier
	Gate      schedule.Gate
	Bridge    Remover
	Bus       *events.Bus
}

// Config holds engine settings.
type Config struct {
	Shell          string        // absolute path handed to the runner
	HeartbeatCheck time.Duration // 0 means heartbeat.DefaultCheckInterval
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock for the engine, its scheduler and its
// supervisor.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// RunInfo is the payload of run_started events.
type RunInfo struct {
	ScriptID     string    `json:"script_id"`
	ScriptName   string    `json:"script_name"`
	AutomationID string    `json:"automation_id,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Time         time.Time `json:"time"`
}

// Engine launches scripts and owns the scheduler and supervisor.
type Engine struct {
	deps   Deps
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	scheduler  *schedule.Scheduler
	supervisor *heartbeat.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an engine. Call Start to arm stored automations.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		deps:   deps,
		cfg:    cfg,
		clock:  clock.Real(),
		logger: logger.With("component", "automation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	schedOpts := []schedule.Option{schedule.WithClock(e.clock)}
	if deps.Gate != nil {
		schedOpts = append(schedOpts, schedule.WithGate(deps.Gate))
	}
	e.scheduler = schedule.New(deps.Store, e, logger, schedOpts...)
	e.supervisor = heartbeat.NewSupervisor(logger,
		heartbeat.WithClock(e.clock),
		heartbeat.WithListener(e.onHeartbeat),
	)
	return e
}

// Start restores every enabled automation's alarm.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.scheduler.Restore(ctx); err != nil {
		return err
	}
	e.logger.Info("automation engine started")
	return nil
}

// Stop disarms alarms and ends heartbeat supervision.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.supervisor.Shutdown()
	e.cancel()
	e.logger.Info("automation engine stopped")
}

// Run launches a script. automationID is empty for manual runs. Runner
// errors are returned; for automation runs they are also recorded.
func (e *Engine) Run(ctx context.Context, scriptID string, o store.RuntimeOverrides, automationID string) error {
	s, err := e.deps.Store.GetScript(scriptID)
	if err != nil {
		err = fmt.Errorf("get script %s: %w", scriptID, err)
		if automationID != "" {
			e.recordFailure(ctx, scriptID, scriptID, automationID, err)
		}
		return err
	}

	if err := e.execute(ctx, s, o, automationID, 0); err != nil {
		return err
	}
	if s.UseHeartbeat && e.deps.Builder.Signaler != nil {
		e.watch(s, o, automationID)
	}
	return nil
}

// RunAutomation launches the automation's script with its stored
// overrides.
func (e *Engine) RunAutomation(ctx context.Context, a *store.Automation) error {
	return e.Run(ctx, a.ScriptID, a.Overrides, a.ID)
}

// RunAutomationNow triggers an automation outside its schedule. Gates are
// not evaluated and the schedule is left alone.
func (e *Engine) RunAutomationNow(ctx context.Context, id string) error {
	a, err := e.deps.Store.GetAutomation(id)
	if err != nil {
		return fmt.Errorf("get automation %s: %w", id, err)
	}
	return e.RunAutomation(ctx, a)
}

// execute builds and hands over one invocation.
func (e *Engine) execute(ctx context.Context, s *store.Script, o store.RuntimeOverrides, automationID string, attempt int) error {
	built := e.deps.Builder.Build(s, o)

	req := runner.NewRequest(e.cfg.Shell, built.Text)
	req.ScriptID = s.ID
	req.AutomationID = automationID
	req.Background = s.RunInBackground
	if s.OpenSession || s.KeepSessionOpen {
		req.SessionAction = runner.SessionOpen
	}
	req.Reply = s.NotifyOnResult || automationID != ""

	if err := e.deps.Runner.Execute(ctx, req); err != nil {
		err = fmt.Errorf("run script %s: %w", s.ID, err)
		e.logger.Warn("runner rejected command", "script", s.ID, "automation", automationID, "err", err)
		if automationID != "" {
			e.recordFailure(ctx, s.ID, s.Name, automationID, err)
		}
		return err
	}

	e.logger.Info("script launched", "script", s.ID, "automation", automationID,
		"bridge", built.UsesBridgeFile, "attempt", attempt)
	e.deps.Bus.Emit(events.RunStarted, RunInfo{
		ScriptID:     s.ID,
		ScriptName:   s.Name,
		AutomationID: automationID,
		Attempt:      attempt,
		Time:         e.clock.Now(),
	})
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, scriptID, name, automationID string, err error) {
	perr := e.deps.Processor.Execute(ctx, result.Outcome{
		AutomationID:  automationID,
		ScriptID:      scriptID,
		ScriptName:    name,
		ExitCode:      -1,
		InternalError: err.Error(),
	})
	if perr != nil {
		e.logger.Error("record failure", "automation", automationID, "err", perr)
	}
}

// watch starts heartbeat supervision. Restarts rebuild the command from
// the current stored script.
func (e *Engine) watch(s *store.Script, o store.RuntimeOverrides, automationID string) {
	timeout, _ := command.HeartbeatTiming(s)
	e.supervisor.Watch(heartbeat.Config{
		ScriptID:      s.ID,
		ScriptName:    s.Name,
		Timeout:       timeout,
		CheckInterval: e.cfg.HeartbeatCheck,
	}, func(ctx context.Context, attempt int) error {
		cur, err := e.deps.Store.GetScript(s.ID)
		if err != nil {
			return fmt.Errorf("reload script: %w", err)
		}
		return e.execute(ctx, cur, o, automationID, attempt)
	})
}

func (e *Engine) onHeartbeat(st heartbeat.Status) {
	e.deps.Bus.Emit(events.HeartbeatState, st)
	if st.State != heartbeat.Failed || e.deps.Notifier == nil {
		return
	}
	n := notify.Notification{
		Level:    notify.LevelError,
		Title:    orID(st.ScriptName, st.ScriptID) + " stopped responding",
		Message:  fmt.Sprintf("no heartbeat within %s after %d restarts", st.Timeout, st.Restarts),
		ScriptID: st.ScriptID,
		Time:     e.clock.Now(),
	}
	if err := e.deps.Notifier.Notify(e.ctx, n); err != nil {
		e.logger.Warn("notify heartbeat failure", "script", st.ScriptID, "err", err)
	}
}

// HandleResult consumes a runner callback.
func (e *Engine) HandleResult(res runner.Result) {
	e.supervisor.Finish(res.ScriptID, res.ExitCode)

	name := res.ScriptID
	if s, err := e.deps.Store.GetScript(res.ScriptID); err == nil {
		name = s.Name
	}
	err := e.deps.Processor.Execute(e.ctx, result.Outcome{
		AutomationID:  res.AutomationID,
		ScriptID:      res.ScriptID,
		ScriptName:    name,
		ExitCode:      res.ExitCode,
		InternalError: res.Error,
		Output:        res.Output,
	})
	if err != nil {
		e.logger.Error("process result", "script", res.ScriptID, "err", err)
	}
}

// Pulse forwards a liveness pulse. It reports whether a session took it.
func (e *Engine) Pulse(scriptID string) bool {
	return e.supervisor.Pulse(scriptID)
}

// Finished forwards a heartbeat wrapper's exit report.
func (e *Engine) Finished(scriptID string, code int) bool {
	return e.supervisor.Finish(scriptID, code)
}

// StopScript ends supervision of a script without notifying.
func (e *Engine) StopScript(scriptID string) bool {
	return e.supervisor.Stop(scriptID)
}

// Sessions lists live heartbeat sessions.
func (e *Engine) Sessions() []heartbeat.Status {
	return e.supervisor.List()
}

// Session returns the live heartbeat session for a script.
func (e *Engine) Session(scriptID string) (heartbeat.Status, bool) {
	return e.supervisor.Status(scriptID)
}

// BuildCommand returns the invocation a run would hand to the runner.
func (e *Engine) BuildCommand(scriptID string, o store.RuntimeOverrides) (command.Result, error) {
	s, err := e.deps.Store.GetScript(scriptID)
	if err != nil {
		return command.Result{}, fmt.Errorf("get script %s: %w", scriptID, err)
	}
	return e.deps.Builder.Build(s, o), nil
}

// SaveScript validates and stores s.
func (e *Engine) SaveScript(s *store.Script) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if s.HeartbeatTimeout < 0 || s.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: heartbeat durations must not be negative", ErrInvalid)
	}
	if err := e.deps.Store.SaveScript(s); err != nil {
		return fmt.Errorf("save script: %w", err)
	}
	return nil
}

// DeleteScript removes a script, its automations and its bridge file, and
// stops its supervision.
func (e *Engine) DeleteScript(id string) error {
	if _, err := e.deps.Store.GetScript(id); err != nil {
		return fmt.Errorf("get script %s: %w", id, err)
	}
	autos, err := e.deps.Store.ListAutomationsForScript(id)
	if err != nil {
		return fmt.Errorf("list automations: %w", err)
	}
	for _, a := range autos {
		if err := e.DeleteAutomation(a.ID); err != nil {
			return err
		}
	}
	e.supervisor.Stop(id)
	if e.deps.Bridge != nil {
		if err := e.deps.Bridge.Remove(id); err != nil {
			e.logger.Warn("remove bridge file", "script", id, "err", err)
		}
	}
	if err := e.deps.Store.DeleteScript(id); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// SaveAutomation validates a, recomputes its next run from now, stores it
// and re-plans its alarm.
func (e *Engine) SaveAutomation(ctx context.Context, a *store.Automation) error {
	if err := e.validateAutomation(a); err != nil {
		return err
	}

	a.NextRunAt = nil
	if next, ok := schedule.NextRun(schedule.SpecOf(a), e.clock.Now()); ok {
		a.NextRunAt = &next
	}
	if err := e.deps.Store.SaveAutomation(a); err != nil {
		return fmt.Errorf("save automation: %w", err)
	}
	if err := e.scheduler.Schedule(ctx, a); err != nil {
		return fmt.Errorf("schedule automation: %w", err)
	}
	return nil
}

// SetAutomationEnabled toggles an automation and re-plans it.
func (e *Engine) SetAutomationEnabled(ctx context.Context, id string, enabled bool) (*store.Automation, error) {
	a, err := e.deps.Store.GetAutomation(id)
	if err != nil {
		return nil, fmt.Errorf("get automation %s: %w", id, err)
	}
	a.Enabled = enabled
	if err := e.SaveAutomation(ctx, a); err != nil {
		return nil, err
	}
	return e.deps.Store.GetAutomation(id)
}

// DeleteAutomation disarms and removes an automation with its run log.
func (e *Engine) DeleteAutomation(id string) error {
	e.scheduler.Cancel(id)
	if err := e.deps.Store.DeleteAutomation(id); err != nil {
		return fmt.Errorf("delete automation: %w", err)
	}
	return nil
}

// PreviewRuns lists the next n occurrences of an automation from now.
func (e *Engine) PreviewRuns(id string, n int) ([]time.Time, error) {
	a, err := e.deps.Store.GetAutomation(id)
	if err != nil {
		return nil, fmt.Errorf("get automation %s: %w", id, err)
	}
	return schedule.NextRuns(schedule.SpecOf(a), e.clock.Now(), n), nil
}

// NextAlarm returns when an automation's alarm is armed for.
func (e *Engine) NextAlarm(id string) (time.Time, bool) {
	return e.scheduler.NextAlarm(id)
}

// anchorInRange reports whether at is within a time.Duration of now.
func (e *Engine) anchorInRange(at time.Time) bool {
	d := at.Sub(e.clock.Now())
	return d > math.MinInt64 && d < math.MaxInt64
}

func (e *Engine) validateAutomation(a *store.Automation) error {
	if a.ScriptID == "" {
		return fmt.Errorf("%w: script_id is required", ErrInvalid)
	}
	if _, err := e.deps.Store.GetScript(a.ScriptID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: script %s does not exist", ErrInvalid, a.ScriptID)
		}
		return fmt.Errorf("get script %s: %w", a.ScriptID, err)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, a.Kind)
	}

	switch a.Kind {
	case store.KindOneTime, store.KindPeriodic:
		if a.ScheduledAt.IsZero() {
			return fmt.Errorf("%w: scheduled_at is required for %s", ErrInvalid, a.Kind)
		}
		if !e.anchorInRange(a.ScheduledAt) {
			return fmt.Errorf("%w: scheduled_at %s is too far from now", ErrInvalid, a.ScheduledAt.Format(time.RFC3339))
		}
	case store.KindWeekly:
		if a.ScheduledAt.IsZero() {
			return fmt.Errorf("%w: scheduled_at is required for %s", ErrInvalid, a.Kind)
		}
		if !e.anchorInRange(a.ScheduledAt) {
			return fmt.Errorf("%w: scheduled_at %s is too far from now", ErrInvalid, a.ScheduledAt.Format(time.RFC3339))
		}
		valid := 0
		for _, d := range a.Weekdays {
			if d >= 1 && d <= 7 {
				valid++
			}
		}
		if valid == 0 {
			return fmt.Errorf("%w: weekly automation needs at least one weekday in 1..7", ErrInvalid)
		}
	case store.KindCron:
		if err := schedule.ValidCron(a.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if a.TZ != "" {
			if _, err := time.LoadLocation(a.TZ); err != nil {
				return fmt.Errorf("%w: tz: %v", ErrInvalid, err)
			}
		}
	}

	if a.MinBatteryPercent < 0 || a.MinBatteryPercent > 100 {
		return fmt.Errorf("%w: min_battery_percent must be 0-100", ErrInvalid)
	}
	if a.Condition != "" {
		if err := gate.ValidateCondition(a.Condition); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

func orID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
