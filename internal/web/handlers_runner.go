package web

import (
	"net/http"
	"strconv"

	"scriptd/internal/heartbeat"
	"scriptd/internal/runner"
)

// Heartbeat endpoints answer 200 even when no session takes the signal;
// the wrapper script has no use for an error.
func (s *Server) handleAPIPulse(w http.ResponseWriter, r *http.Request) {
	ok := s.engine.Pulse(r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

func (s *Server) handleAPIFinished(w http.ResponseWriter, r *http.Request) {
	code := -1
	if v := r.URL.Query().Get("code"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid code"})
			return
		}
		code = n
	}
	ok := s.engine.Finished(r.PathValue("id"), code)
	s.writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.Sessions()
	if sessions == nil {
		sessions = []heartbeat.Status{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleAPIRunnerResult(w http.ResponseWriter, r *http.Request) {
	var res runner.Result
	if err := decodeBody(w, r, &res, false); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if res.ScriptID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "script_id is required"})
		return
	}
	s.engine.HandleResult(res)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
