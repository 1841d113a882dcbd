// Package web serves the scriptd HTTP API and the websocket event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"scriptd/internal/automation"
	"scriptd/internal/events"
	"scriptd/internal/gate"
	"scriptd/internal/runner"
	"scriptd/internal/store"
)

// DeviceProbe reports the device state used by automation gates.
type DeviceProbe interface {
	State(ctx context.Context) (gate.DeviceState, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithEvents streams bus events to websocket clients.
func WithEvents(bus *events.Bus) ServerOption {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithDeviceProbe exposes device state on /api/device.
func WithDeviceProbe(p DeviceProbe) ServerOption {
	return func(s *Server) {
		s.probe = p
	}
}

// Server is the HTTP API.
type Server struct {
	engine         *automation.Engine
	store          store.Store
	bus            *events.Bus
	probe          DeviceProbe
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server.
func NewServer(engine *automation.Engine, st store.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		store:  st,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if s.bus != nil {
		s.unsubEvents = s.bus.OnAll(func(event events.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/device", s.handleAPIDeviceState)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/command", s.handleAPIScriptCommand)
	s.mux.HandleFunc("POST /api/scripts/{id}/stop", s.handleAPIStopScript)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)
	s.mux.HandleFunc("GET /api/automations/{id}/next", s.handleAPINextRuns)
	s.mux.HandleFunc("GET /api/automations/{id}/logs", s.handleAPIAutomationLogs)

	// Runner callbacks
	s.mux.HandleFunc("POST /api/heartbeat/{id}/pulse", s.handleAPIPulse)
	s.mux.HandleFunc("POST /api/heartbeat/{id}/finished", s.handleAPIFinished)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("POST /api/runner/result", s.handleAPIRunnerResult)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The websocket upgrade cannot carry custom headers from a browser.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIDeviceState(w http.ResponseWriter, r *http.Request) {
	if s.probe == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device probe not configured"})
		return
	}
	st, err := s.probe.State(r.Context())
	if err != nil {
		s.logger.Warn("device state", "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// writeError maps engine and store errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, automation.ErrInvalid):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, runner.ErrRunnerMissing):
		status, msg = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, runner.ErrPermissionDenied):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, runner.ErrBackgroundRestricted):
		status, msg = http.StatusConflict, err.Error()
	default:
		s.logger.Error(op, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
