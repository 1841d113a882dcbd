package web

import (
	"net/http"
	"strconv"
	"time"

	"scriptd/internal/store"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 50
	defaultLogLimit     = 100
)

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	var (
		autos []*store.Automation
		err   error
	)
	if scriptID := r.URL.Query().Get("script"); scriptID != "" {
		autos, err = s.store.ListAutomationsForScript(scriptID)
	} else {
		autos, err = s.store.ListAutomations()
	}
	if err != nil {
		s.writeError(w, "list automations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, autos)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAutomation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get automation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a store.Automation
	if err := decodeBody(w, r, &a, false); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	a.ID = ""
	a.CreatedAt = time.Time{}
	a.LastRunAt, a.LastExitCode = nil, nil

	if err := s.engine.SaveAutomation(r.Context(), &a); err != nil {
		s.writeError(w, "create automation", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &a)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetAutomation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get automation", err)
		return
	}

	var a store.Automation
	if err := decodeBody(w, r, &a, false); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	a.ID = existing.ID
	a.CreatedAt = existing.CreatedAt
	a.LastRunAt = existing.LastRunAt
	a.LastExitCode = existing.LastExitCode

	if err := s.engine.SaveAutomation(r.Context(), &a); err != nil {
		s.writeError(w, "update automation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &a)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAutomation(r.PathValue("id")); err != nil {
		s.writeError(w, "delete automation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.store.GetAutomation(id)
	if err != nil {
		s.writeError(w, "get automation", err)
		return
	}
	saved, err := s.engine.SetAutomationEnabled(r.Context(), id, !a.Enabled)
	if err != nil {
		s.writeError(w, "toggle automation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RunAutomationNow(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, "run automation", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleAPINextRuns(w http.ResponseWriter, r *http.Request) {
	count, ok := queryInt(r, "count", defaultPreviewCount)
	if !ok || count < 1 || count > maxPreviewCount {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be 1-50"})
		return
	}
	runs, err := s.engine.PreviewRuns(r.PathValue("id"), count)
	if err != nil {
		s.writeError(w, "preview runs", err)
		return
	}
	if runs == nil {
		runs = []time.Time{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIAutomationLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetAutomation(id); err != nil {
		s.writeError(w, "get automation", err)
		return
	}
	limit, ok := queryInt(r, "limit", defaultLogLimit)
	if !ok || limit < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	logs, err := s.store.ListLogs(id, limit)
	if err != nil {
		s.writeError(w, "list logs", err)
		return
	}
	if logs == nil {
		logs = []*store.AutomationLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
