package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scriptd/internal/automation"
	"scriptd/internal/clock"
	"scriptd/internal/command"
	"scriptd/internal/events"
	"scriptd/internal/gate"
	"scriptd/internal/heartbeat"
	"scriptd/internal/notify"
	"scriptd/internal/result"
	"scriptd/internal/runner"
	"scriptd/internal/store"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

// stubRunner accepts every request unless err is set.
type stubRunner struct {
	err  error
	reqs chan runner.Request
}

func (s *stubRunner) Execute(_ context.Context, req runner.Request) error {
	if s.err != nil {
		return s.err
	}
	select {
	case s.reqs <- req:
	default:
	}
	return nil
}

type stubProbe struct {
	state gate.DeviceState
	err   error
}

func (p stubProbe) State(context.Context) (gate.DeviceState, error) { return p.state, p.err }

type testEnv struct {
	srv    *Server
	db     *store.BoltStore
	runner *stubRunner
	clock  *clock.Fake
	bus    *events.Bus
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath, store.WithEvents(bus))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:     db,
		runner: &stubRunner{reqs: make(chan runner.Request, 16)},
		clock:  clock.NewFake(t0),
		bus:    bus,
	}
	sink := notify.EventSink{Bus: bus}
	proc := result.NewProcessor(db, sink, logger, result.WithClock(env.clock), result.WithEvents(bus))
	engine := automation.NewEngine(automation.Deps{
		Store:     db,
		Runner:    env.runner,
		Builder:   &command.Builder{Signaler: command.HTTPSignaler{BaseURL: "http://127.0.0.1:8080"}},
		Processor: proc,
		Notifier:  sink,
		Bus:       bus,
	}, automation.Config{Shell: "/bin/bash"}, logger, automation.WithClock(env.clock))
	t.Cleanup(engine.Stop)

	env.srv = NewServer(engine, db, logger, append([]ServerOption{WithEvents(bus)}, opts...)...)
	t.Cleanup(env.srv.Stop)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (env *testEnv) seedScript(t *testing.T, s *store.Script) *store.Script {
	t.Helper()
	if s.Name == "" {
		s.Name = "backup"
	}
	if s.Code == "" {
		s.Code = "echo hi"
	}
	if err := env.db.SaveScript(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAPIKeyRequired(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"))

	w := env.do(t, "GET", "/api/scripts", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	w = env.do(t, "GET", "/api/scripts", nil, "X-API-Key", "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	w = env.do(t, "GET", "/api/scripts", nil, "X-API-Key", "secret")
	if w.Code != http.StatusOK {
		t.Errorf("right key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t, WithVersion("1.2.3"))
	w := env.do(t, "GET", "/api/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[map[string]string](t, w)
	if got["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", got["version"])
	}
}

func TestAPIDeviceState(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do(t, "GET", "/api/device", nil); w.Code != http.StatusNotFound {
		t.Errorf("without probe: status = %d, want 404", w.Code)
	}

	env = setupTestServer(t, WithDeviceProbe(stubProbe{state: gate.DeviceState{Battery: 42, Charging: true}}))
	w := env.do(t, "GET", "/api/device", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st := decode[gate.DeviceState](t, w)
	if st.Battery != 42 || !st.Charging {
		t.Errorf("state = %+v", st)
	}

	env = setupTestServer(t, WithDeviceProbe(stubProbe{err: errors.New("no sysfs")}))
	if w := env.do(t, "GET", "/api/device", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("probe error: status = %d, want 503", w.Code)
	}
}

func TestAPIScriptCRUD(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/api/scripts", map[string]any{"id": "ignored", "name": "  backup  ", "code": "tar czf /tmp/x.tgz ."})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", w.Code, w.Body)
	}
	created := decode[store.Script](t, w)
	if created.ID == "" || created.ID == "ignored" {
		t.Errorf("id = %q, want generated", created.ID)
	}
	if created.Name != "backup" {
		t.Errorf("name = %q, want trimmed", created.Name)
	}

	w = env.do(t, "GET", "/api/scripts/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/scripts/"+created.ID, map[string]any{"name": "backup2", "code": "true"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", w.Code, w.Body)
	}
	updated := decode[store.Script](t, w)
	if updated.ID != created.ID || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("update changed identity: %+v", updated)
	}

	w = env.do(t, "GET", "/api/scripts", nil)
	list := decode[[]store.Script](t, w)
	if len(list) != 1 || list[0].Name != "backup2" {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, "DELETE", "/api/scripts/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/scripts/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete: status = %d, want 404", w.Code)
	}
}

func TestAPIScriptErrors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing name", "POST", "/api/scripts", map[string]any{"code": "true"}, http.StatusBadRequest},
		{"negative heartbeat", "POST", "/api/scripts", map[string]any{"name": "x", "heartbeat_timeout": -1}, http.StatusBadRequest},
		{"bad json", "POST", "/api/scripts", "{", http.StatusBadRequest},
		{"get unknown", "GET", "/api/scripts/nope", nil, http.StatusNotFound},
		{"update unknown", "PUT", "/api/scripts/nope", map[string]any{"name": "x"}, http.StatusNotFound},
		{"delete unknown", "DELETE", "/api/scripts/nope", nil, http.StatusNotFound},
		{"run unknown", "POST", "/api/scripts/nope/run", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestAPIRunScript(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{Code: "echo $1", ArgPresets: []string{"--fast", "--slow"}})

	w := env.do(t, "POST", "/api/scripts/"+s.ID+"/run", map[string]any{"arg_preset": 1})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	select {
	case req := <-env.runner.reqs:
		if req.ScriptID != s.ID || req.AutomationID != "" {
			t.Errorf("request ids = %q/%q", req.ScriptID, req.AutomationID)
		}
		if !strings.Contains(req.Args[1], "--slow") {
			t.Errorf("command = %q, want preset args", req.Args[1])
		}
	default:
		t.Fatal("runner received no request")
	}

	// Empty body runs with stored settings.
	if w := env.do(t, "POST", "/api/scripts/"+s.ID+"/run", nil); w.Code != http.StatusAccepted {
		t.Errorf("empty body: status = %d", w.Code)
	}
}

func TestAPIRunnerErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{runner.ErrRunnerMissing, http.StatusServiceUnavailable},
		{runner.ErrPermissionDenied, http.StatusForbidden},
		{runner.ErrBackgroundRestricted, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			env := setupTestServer(t)
			s := env.seedScript(t, &store.Script{})
			env.runner.err = fmt.Errorf("local: %w", tt.err)

			w := env.do(t, "POST", "/api/scripts/"+s.ID+"/run", nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIScriptCommand(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{Code: "echo hi", CommandPrefix: "nice"})

	w := env.do(t, "POST", "/api/scripts/"+s.ID+"/command", map[string]any{"args": "-v"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	res := decode[command.Result](t, w)
	want := "nice bash ~/.scriptd/script_" + s.ID + ".sh -v"
	if !strings.Contains(res.Text, want) {
		t.Errorf("text = %q, want it to contain %q", res.Text, want)
	}
	select {
	case req := <-env.runner.reqs:
		t.Errorf("command preview reached runner: %+v", req)
	default:
	}
}

func TestAPIAutomationLifecycle(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{})

	w := env.do(t, "POST", "/api/automations", map[string]any{
		"script_id":    s.ID,
		"kind":         "periodic",
		"scheduled_at": t0.Add(30 * time.Minute),
		"interval":     int64(time.Hour),
		"enabled":      true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", w.Code, w.Body)
	}
	a := decode[store.Automation](t, w)
	if a.NextRunAt == nil || !a.NextRunAt.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("next_run_at = %v, want %v", a.NextRunAt, t0.Add(30*time.Minute))
	}

	w = env.do(t, "GET", "/api/automations/"+a.ID+"/next?count=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("next: status = %d", w.Code)
	}
	runs := decode[[]time.Time](t, w)
	if len(runs) != 3 || !runs[2].Equal(t0.Add(150*time.Minute)) {
		t.Errorf("next runs = %v", runs)
	}
	if w := env.do(t, "GET", "/api/automations/"+a.ID+"/next?count=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("count=0: status = %d, want 400", w.Code)
	}

	w = env.do(t, "GET", "/api/automations?script="+s.ID, nil)
	if list := decode[[]store.Automation](t, w); len(list) != 1 {
		t.Errorf("list for script = %d, want 1", len(list))
	}
	w = env.do(t, "GET", "/api/automations?script=other", nil)
	if list := decode[[]store.Automation](t, w); len(list) != 0 {
		t.Errorf("list for other = %d, want 0", len(list))
	}

	w = env.do(t, "POST", "/api/automations/"+a.ID+"/toggle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d", w.Code)
	}
	if toggled := decode[store.Automation](t, w); toggled.Enabled {
		t.Error("toggle left automation enabled")
	}

	w = env.do(t, "POST", "/api/automations/"+a.ID+"/run", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("run: status = %d", w.Code)
	}
	select {
	case req := <-env.runner.reqs:
		if req.AutomationID != a.ID || !req.Reply {
			t.Errorf("request = %+v, want automation reply", req)
		}
	default:
		t.Fatal("runner received no request")
	}

	w = env.do(t, "POST", "/api/runner/result", runner.Result{ScriptID: s.ID, AutomationID: a.ID, ExitCode: 3})
	if w.Code != http.StatusOK {
		t.Fatalf("result: status = %d", w.Code)
	}
	w = env.do(t, "GET", "/api/automations/"+a.ID+"/logs", nil)
	logs := decode[[]store.AutomationLog](t, w)
	if len(logs) != 1 || logs[0].ExitCode != 3 {
		t.Errorf("logs = %+v, want one entry with exit 3", logs)
	}

	w = env.do(t, "DELETE", "/api/automations/"+a.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/automations/"+a.ID+"/logs", nil); w.Code != http.StatusNotFound {
		t.Errorf("logs after delete: status = %d, want 404", w.Code)
	}
}

func TestAPIAutomationUpdateKeepsHistory(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{})
	code := 0
	last := t0.Add(-time.Hour)
	a := &store.Automation{
		ScriptID: s.ID, Kind: store.KindCron, CronExpr: "0 * * * *",
		LastRunAt: &last, LastExitCode: &code,
	}
	if err := env.db.SaveAutomation(a); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "PUT", "/api/automations/"+a.ID, map[string]any{
		"script_id": s.ID, "kind": "cron", "cron_expr": "30 9 * * *", "enabled": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	got := decode[store.Automation](t, w)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) || got.LastExitCode == nil {
		t.Errorf("history lost: %+v", got)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("next_run_at = %v", got.NextRunAt)
	}
}

func TestAPIAutomationValidation(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{})

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"unknown script", map[string]any{"script_id": "nope", "kind": "cron", "cron_expr": "* * * * *"}, http.StatusBadRequest},
		{"bad kind", map[string]any{"script_id": s.ID, "kind": "hourly"}, http.StatusBadRequest},
		{"bad cron", map[string]any{"script_id": s.ID, "kind": "cron", "cron_expr": "61 * * * *"}, http.StatusBadRequest},
		{"weekly without days", map[string]any{"script_id": s.ID, "kind": "weekly", "scheduled_at": t0}, http.StatusBadRequest},
		{"bad condition", map[string]any{"script_id": s.ID, "kind": "cron", "cron_expr": "* * * * *", "condition": "device.battery >"}, http.StatusBadRequest},
		{"valid", map[string]any{"script_id": s.ID, "kind": "cron", "cron_expr": "*/5 * * * *"}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/automations", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	if w := env.do(t, "POST", "/api/automations/nope/run", nil); w.Code != http.StatusNotFound {
		t.Errorf("run unknown: status = %d, want 404", w.Code)
	}
	if w := env.do(t, "POST", "/api/automations/nope/toggle", nil); w.Code != http.StatusNotFound {
		t.Errorf("toggle unknown: status = %d, want 404", w.Code)
	}
}

func TestAPIHeartbeat(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{UseHeartbeat: true, HeartbeatTimeout: time.Minute})

	// No session yet.
	w := env.do(t, "POST", "/api/heartbeat/"+s.ID+"/pulse", nil)
	if got := decode[map[string]bool](t, w); got["accepted"] {
		t.Error("pulse without session accepted")
	}

	if w := env.do(t, "POST", "/api/scripts/"+s.ID+"/run", nil); w.Code != http.StatusAccepted {
		t.Fatalf("run: status = %d", w.Code)
	}
	req := <-env.runner.reqs
	if !strings.Contains(req.Args[1], "/api/heartbeat/"+s.ID+"/pulse") {
		t.Errorf("command = %q, want pulse callback", req.Args[1])
	}

	w = env.do(t, "GET", "/api/sessions", nil)
	sessions := decode[[]heartbeat.Status](t, w)
	if len(sessions) != 1 || sessions[0].ScriptID != s.ID || sessions[0].State != heartbeat.Watching {
		t.Errorf("sessions = %+v", sessions)
	}

	w = env.do(t, "POST", "/api/heartbeat/"+s.ID+"/pulse", nil)
	if got := decode[map[string]bool](t, w); !got["accepted"] {
		t.Error("pulse not accepted")
	}

	if w := env.do(t, "POST", "/api/heartbeat/"+s.ID+"/finished?code=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad code: status = %d, want 400", w.Code)
	}
	w = env.do(t, "POST", "/api/heartbeat/"+s.ID+"/finished?code=0", nil)
	if got := decode[map[string]bool](t, w); !got["accepted"] {
		t.Error("finished not accepted")
	}
}

func TestAPIStopScript(t *testing.T) {
	env := setupTestServer(t)
	s := env.seedScript(t, &store.Script{UseHeartbeat: true})

	w := env.do(t, "POST", "/api/scripts/"+s.ID+"/stop", nil)
	if got := decode[map[string]bool](t, w); got["stopped"] {
		t.Error("stop without session reported stopped")
	}
	env.do(t, "POST", "/api/scripts/"+s.ID+"/run", nil)
	<-env.runner.reqs
	w = env.do(t, "POST", "/api/scripts/"+s.ID+"/stop", nil)
	if got := decode[map[string]bool](t, w); !got["stopped"] {
		t.Error("stop with session not reported")
	}
}

func TestAPIRunnerResultValidation(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do(t, "POST", "/api/runner/result", map[string]any{"exit_code": 1}); w.Code != http.StatusBadRequest {
		t.Errorf("missing script_id: status = %d, want 400", w.Code)
	}
	if w := env.do(t, "POST", "/api/runner/result", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", w.Code)
	}
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://ui.local"}))

	w := env.do(t, "OPTIONS", "/api/scripts", nil, "Origin", "http://ui.local")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight allowed: status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Errorf("allow origin = %q", got)
	}

	w = env.do(t, "OPTIONS", "/api/scripts", nil, "Origin", "http://evil.local")
	if w.Code != http.StatusForbidden {
		t.Errorf("preflight denied: status = %d, want 403", w.Code)
	}

	w = env.do(t, "POST", "/api/scripts", map[string]any{"name": "x"}, "Origin", "http://evil.local")
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-origin post: status = %d, want 403", w.Code)
	}

	w = env.do(t, "GET", "/api/scripts", nil, "Origin", "http://evil.local")
	if w.Code != http.StatusOK {
		t.Errorf("cross-origin get: status = %d, want 200", w.Code)
	}
}
