package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scriptd/internal/clock"
	"scriptd/internal/command"
	"scriptd/internal/events"
	"scriptd/internal/heartbeat"
	"scriptd/internal/notify"
	"scriptd/internal/result"
	"scriptd/internal/runner"
	"scriptd/internal/store"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeRunner struct {
	err  error
	reqs chan runner.Request
}

func (f *fakeRunner) Execute(_ context.Context, req runner.Request) error {
	if f.err != nil {
		return f.err
	}
	f.reqs <- req
	return nil
}

type notifyRecorder struct {
	ch chan notify.Notification
}

func (r *notifyRecorder) Notify(_ context.Context, n notify.Notification) error {
	r.ch <- n
	return nil
}

type harness struct {
	engine *Engine
	store  *store.BoltStore
	runner *fakeRunner
	notes  *notifyRecorder
	clock  *clock.Fake
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"), store.WithEvents(bus))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  st,
		runner: &fakeRunner{reqs: make(chan runner.Request, 16)},
		notes:  &notifyRecorder{ch: make(chan notify.Notification, 16)},
		clock:  clock.NewFake(t0),
		bus:    bus,
	}
	proc := result.NewProcessor(st, h.notes, logger, result.WithClock(h.clock))
	h.engine = NewEngine(Deps{
		Store:     st,
		Runner:    h.runner,
		Builder:   &command.Builder{Signaler: command.HTTPSignaler{BaseURL: "http://127.0.0.1:8080"}},
		Processor: proc,
		Notifier:  h.notes,
		Bus:       bus,
	}, Config{Shell: "/bin/bash", HeartbeatCheck: 11 * time.Second}, logger, WithClock(h.clock))
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) script(t *testing.T, s *store.Script) *store.Script {
	t.Helper()
	if s.Name == "" {
		s.Name = "test"
	}
	if err := h.engine.SaveScript(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) nextRequest(t *testing.T) runner.Request {
	t.Helper()
	select {
	case req := <-h.runner.reqs:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner request")
	}
	return runner.Request{}
}

func (h *harness) nextNotification(t *testing.T) notify.Notification {
	t.Helper()
	select {
	case n := <-h.notes.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return notify.Notification{}
}

func TestRunBuildsRequest(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "echo hello", RunInBackground: true, KeepSessionOpen: true})

	var started []RunInfo
	h.bus.On(events.RunStarted, func(ev events.Event) { started = append(started, ev.Data.(RunInfo)) })

	if err := h.engine.Run(context.Background(), s.ID, store.RuntimeOverrides{}, ""); err != nil {
		t.Fatal(err)
	}
	req := h.nextRequest(t)
	if req.Path != "/bin/bash" || len(req.Args) != 2 || req.Args[0] != "-c" {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Args[1], "base64 -d") {
		t.Errorf("command = %q, want inline payload", req.Args[1])
	}
	if !req.Background || req.SessionAction != runner.SessionOpen || req.Reply {
		t.Errorf("flags = bg %v session %q reply %v", req.Background, req.SessionAction, req.Reply)
	}
	if len(started) != 1 || started[0].ScriptID != s.ID {
		t.Errorf("run_started events = %+v", started)
	}
}

func TestRunReplyFlag(t *testing.T) {
	h := newHarness(t)
	notifying := h.script(t, &store.Script{Code: "true", NotifyOnResult: true})
	quiet := h.script(t, &store.Script{Code: "true"})

	tests := []struct {
		name         string
		scriptID     string
		automationID string
		want         bool
	}{
		{"notify on result", notifying.ID, "", true},
		{"silent manual", quiet.ID, "", false},
		{"automation", quiet.ID, "auto-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.engine.Run(context.Background(), tt.scriptID, store.RuntimeOverrides{}, tt.automationID); err != nil {
				t.Fatal(err)
			}
			if req := h.nextRequest(t); req.Reply != tt.want {
				t.Errorf("Reply = %v, want %v", req.Reply, tt.want)
			}
		})
	}
}

func TestRunnerErrorRecordedForAutomation(t *testing.T) {
	h := newHarness(t)
	h.runner.err = fmt.Errorf("/bin/bash: %w", runner.ErrRunnerMissing)
	s := h.script(t, &store.Script{Name: "Backup", Code: "true"})
	a := &store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, ScheduledAt: t0.Add(time.Hour), Interval: time.Hour}
	if err := h.engine.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	err := h.engine.RunAutomationNow(context.Background(), a.ID)
	if !errors.Is(err, runner.ErrRunnerMissing) {
		t.Fatalf("err = %v, want ErrRunnerMissing", err)
	}

	logs, _ := h.store.ListLogs(a.ID, 0)
	if len(logs) != 1 || logs[0].ExitCode != -1 || !strings.Contains(logs[0].Message, "runner not installed") {
		t.Errorf("logs = %+v", logs)
	}
	if n := h.nextNotification(t); n.Level != notify.LevelError || n.Title != "Backup could not run" {
		t.Errorf("notification = %+v", n)
	}
}

func TestRunnerErrorManualOnlyReturned(t *testing.T) {
	h := newHarness(t)
	h.runner.err = runner.ErrBackgroundRestricted
	s := h.script(t, &store.Script{Code: "true"})

	if err := h.engine.Run(context.Background(), s.ID, store.RuntimeOverrides{}, ""); !errors.Is(err, runner.ErrBackgroundRestricted) {
		t.Errorf("err = %v", err)
	}
	select {
	case n := <-h.notes.ch:
		t.Errorf("unexpected notification %+v", n)
	default:
	}
}

func TestRunUnknownScript(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Run(context.Background(), "missing", store.RuntimeOverrides{}, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHandleResultRecords(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Name: "Sync", Code: "true"})
	a := &store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, ScheduledAt: t0.Add(time.Hour), Interval: time.Hour, Enabled: true}
	if err := h.engine.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	h.engine.HandleResult(runner.Result{ScriptID: s.ID, AutomationID: a.ID, ExitCode: 4, Output: "boom\n"})

	got, _ := h.store.GetAutomation(a.ID)
	if got.LastExitCode == nil || *got.LastExitCode != 4 {
		t.Errorf("last exit code = %v, want 4", got.LastExitCode)
	}
	if n := h.nextNotification(t); n.Title != "Sync failed" {
		t.Errorf("notification = %+v", n)
	}
}

func TestSaveAutomationValidation(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "true"})

	tests := []struct {
		name string
		a    store.Automation
	}{
		{"no script", store.Automation{Kind: store.KindOneTime, ScheduledAt: t0}},
		{"unknown script", store.Automation{ScriptID: "nope", Kind: store.KindOneTime, ScheduledAt: t0}},
		{"unknown kind", store.Automation{ScriptID: s.ID, Kind: "hourly", ScheduledAt: t0}},
		{"no anchor", store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, Interval: time.Hour}},
		{"ancient anchor", store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, ScheduledAt: time.Date(1700, 1, 1, 0, 0, 0, 0, time.UTC), Interval: time.Hour}},
		{"no weekdays", store.Automation{ScriptID: s.ID, Kind: store.KindWeekly, ScheduledAt: t0, Weekdays: []int{0, 8}}},
		{"bad cron", store.Automation{ScriptID: s.ID, Kind: store.KindCron, CronExpr: "every day"}},
		{"bad tz", store.Automation{ScriptID: s.ID, Kind: store.KindCron, CronExpr: "0 6 * * *", TZ: "Mars/Olympus"}},
		{"bad battery", store.Automation{ScriptID: s.ID, Kind: store.KindOneTime, ScheduledAt: t0, MinBatteryPercent: 120}},
		{"bad condition", store.Automation{ScriptID: s.ID, Kind: store.KindOneTime, ScheduledAt: t0, Condition: "device.battery >"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.engine.SaveAutomation(context.Background(), &tt.a)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestSaveAutomationArmsAndFires(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "true"})
	a := &store.Automation{
		ScriptID:    s.ID,
		Kind:        store.KindPeriodic,
		ScheduledAt: t0.Add(-90 * time.Minute),
		Interval:    time.Hour,
		Enabled:     true,
		Overrides:   store.RuntimeOverrides{Args: "--quick"},
	}
	if err := h.engine.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	want := t0.Add(30 * time.Minute)
	if a.NextRunAt == nil || !a.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", a.NextRunAt, want)
	}
	if at, ok := h.engine.NextAlarm(a.ID); !ok || !at.Equal(want) {
		t.Fatalf("alarm = %v %v, want %v", at, ok, want)
	}

	h.clock.Advance(30 * time.Minute)
	req := h.nextRequest(t)
	if req.AutomationID != a.ID || !strings.Contains(req.Args[1], "--quick") {
		t.Errorf("request = %+v", req)
	}
	if at, _ := h.engine.NextAlarm(a.ID); !at.Equal(want.Add(time.Hour)) {
		t.Errorf("re-armed at %v, want %v", at, want.Add(time.Hour))
	}
}

func TestSetAutomationEnabled(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "true"})
	a := &store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, ScheduledAt: t0.Add(time.Hour), Interval: time.Hour, Enabled: true}
	if err := h.engine.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	got, err := h.engine.SetAutomationEnabled(context.Background(), a.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("still enabled")
	}
	if _, ok := h.engine.NextAlarm(a.ID); ok {
		t.Error("alarm still armed after disable")
	}

	if _, err := h.engine.SetAutomationEnabled(context.Background(), a.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.engine.NextAlarm(a.ID); !ok {
		t.Error("alarm not armed after enable")
	}
}

func TestDeleteScriptCascades(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "true"})
	a := &store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, ScheduledAt: t0.Add(time.Hour), Interval: time.Hour, Enabled: true}
	if err := h.engine.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.DeleteScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.GetAutomation(a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("automation err = %v, want ErrNotFound", err)
	}
	if _, ok := h.engine.NextAlarm(a.ID); ok {
		t.Error("alarm survived script deletion")
	}
	if err := h.engine.DeleteScript(s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestPreviewRuns(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "true"})
	a := &store.Automation{ScriptID: s.ID, Kind: store.KindPeriodic, ScheduledAt: t0, Interval: 15 * time.Minute}
	if err := h.engine.SaveAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	runs, err := h.engine.PreviewRuns(a.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{t0, t0.Add(15 * time.Minute), t0.Add(30 * time.Minute)}
	if len(runs) != len(want) {
		t.Fatalf("runs = %v, want %v", runs, want)
	}
	for i := range want {
		if !runs[i].Equal(want[i]) {
			t.Errorf("runs[%d] = %v, want %v", i, runs[i], want[i])
		}
	}
}

func TestBuildCommand(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "echo hi", UseHeartbeat: true})

	res, err := h.engine.BuildCommand(s.ID, store.RuntimeOverrides{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "/api/heartbeat/"+s.ID+"/pulse") {
		t.Errorf("command lacks pulse: %q", res.Text)
	}
	if _, err := h.engine.BuildCommand("missing", store.RuntimeOverrides{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHeartbeatRestartsThenFails(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Name: "Miner", Code: "sleep 1000", UseHeartbeat: true, HeartbeatTimeout: 10 * time.Second})

	var states []heartbeat.State
	stateCh := make(chan heartbeat.State, 32)
	h.bus.On(events.HeartbeatState, func(ev events.Event) { stateCh <- ev.Data.(heartbeat.Status).State })

	if err := h.engine.Run(context.Background(), s.ID, store.RuntimeOverrides{}, ""); err != nil {
		t.Fatal(err)
	}
	h.nextRequest(t)
	if _, ok := h.engine.Session(s.ID); !ok {
		t.Fatal("no heartbeat session after run")
	}

	for attempt := 1; attempt <= heartbeat.MaxRestarts; attempt++ {
		h.clock.Advance(11 * time.Second)
		h.nextRequest(t)
	}
	h.clock.Advance(11 * time.Second)

	n := h.nextNotification(t)
	if n.Title != "Miner stopped responding" || n.Level != notify.LevelError {
		t.Errorf("notification = %+v", n)
	}

	for len(states) == 0 || states[len(states)-1] != heartbeat.Failed {
		select {
		case st := <-stateCh:
			states = append(states, st)
		case <-time.After(5 * time.Second):
			t.Fatalf("states = %v, never failed", states)
		}
	}
}

func TestHeartbeatFinishedEndsSession(t *testing.T) {
	h := newHarness(t)
	s := h.script(t, &store.Script{Code: "true", UseHeartbeat: true})

	if err := h.engine.Run(context.Background(), s.ID, store.RuntimeOverrides{}, ""); err != nil {
		t.Fatal(err)
	}
	h.nextRequest(t)

	if !h.engine.Pulse(s.ID) {
		t.Error("pulse not accepted")
	}
	if !h.engine.Finished(s.ID, 0) {
		t.Error("finished not accepted")
	}
	if h.engine.Finished(s.ID, 0) {
		t.Error("second finished accepted")
	}
	if h.engine.Pulse("unknown") {
		t.Error("pulse for unknown script accepted")
	}
}
