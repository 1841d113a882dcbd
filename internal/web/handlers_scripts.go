package web

import (
	"net/http"
	"time"

	"scriptd/internal/store"
)

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts()
	if err != nil {
		s.writeError(w, "list scripts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScript(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleAPICreateScript(w http.ResponseWriter, r *http.Request) {
	var sc store.Script
	if err := decodeBody(w, r, &sc, false); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sc.ID = ""
	sc.CreatedAt = time.Time{}

	if err := s.engine.SaveScript(&sc); err != nil {
		s.writeError(w, "create script", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleAPIUpdateScript(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetScript(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get script", err)
		return
	}

	var sc store.Script
	if err := decodeBody(w, r, &sc, false); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sc.ID = existing.ID
	sc.CreatedAt = existing.CreatedAt

	if err := s.engine.SaveScript(&sc); err != nil {
		s.writeError(w, "update script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteScript(r.PathValue("id")); err != nil {
		s.writeError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runRequest carries runtime overrides. Preset indexes select from the
// script's stored presets; explicit fields win over them.
type runRequest struct {
	store.RuntimeOverrides
	ArgPreset    *int `json:"arg_preset,omitempty"`
	PrefixPreset *int `json:"prefix_preset,omitempty"`
}

func (req runRequest) overrides(sc *store.Script) store.RuntimeOverrides {
	if req.ArgPreset == nil && req.PrefixPreset == nil {
		return req.RuntimeOverrides
	}
	argIdx, prefixIdx := -1, -1
	if req.ArgPreset != nil {
		argIdx = *req.ArgPreset
	}
	if req.PrefixPreset != nil {
		prefixIdx = *req.PrefixPreset
	}
	o := store.OverridesFromPresets(sc, argIdx, prefixIdx)
	if req.Args != "" {
		o.Args = req.Args
	}
	if req.Prefix != "" {
		o.Prefix = req.Prefix
		o.ReplacePrefix = req.ReplacePrefix
	}
	for k, v := range req.Env {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[k] = v
	}
	return o
}

// readOverrides decodes an optional runRequest body for the script in the
// path.
func (s *Server) readOverrides(w http.ResponseWriter, r *http.Request) (*store.Script, store.RuntimeOverrides, bool) {
	sc, err := s.store.GetScript(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get script", err)
		return nil, store.RuntimeOverrides{}, false
	}
	var req runRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, store.RuntimeOverrides{}, false
	}
	return sc, req.overrides(sc), true
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	sc, o, ok := s.readOverrides(w, r)
	if !ok {
		return
	}
	if err := s.engine.Run(r.Context(), sc.ID, o, ""); err != nil {
		s.writeError(w, "run script", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleAPIScriptCommand(w http.ResponseWriter, r *http.Request) {
	sc, o, ok := s.readOverrides(w, r)
	if !ok {
		return
	}
	res, err := s.engine.BuildCommand(sc.ID, o)
	if err != nil {
		s.writeError(w, "build command", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIStopScript(w http.ResponseWriter, r *http.Request) {
	stopped := s.engine.StopScript(r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}
