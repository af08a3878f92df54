package web

import (
	"net/http"
	"strings"

	"clocklink/internal/automation"
)

// scriptView adds the engine's running state to a stored script.
type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) view(sc *automation.Script) scriptView {
	return scriptView{Script: sc, Running: s.autoEngine != nil && s.autoEngine.Running(sc.ID)}
}

func (s *Server) automationsDisabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return true
	}
	return false
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []scriptView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeError(w, "list scripts", err)
		return
	}
	views := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, s.view(sc))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automationsDisabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(sc))
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automationsDisabled(w) {
		return
	}
	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeError(w, "create script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusCreated, s.view(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automationsDisabled(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "update script", err)
		return
	}
	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		existing.Meta.Name = name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeError(w, "update script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, s.view(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automationsDisabled(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if s.automationsDisabled(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "toggle script", err)
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.writeError(w, "toggle script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, s.view(saved))
}

// handleAPIRunAutomation dry-runs a stored script, or the lua_code in the
// body when the id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automation engine not available"})
		return
	}
	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeJSON(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	if _, err := s.scriptMgr.Get(id); err != nil {
		s.writeError(w, "run script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}

// syncEngine loads an enabled script into the engine or stops a disabled one.
func (s *Server) syncEngine(sc *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if !sc.Meta.Enabled {
		s.autoEngine.StopScript(sc.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Error("reload script", "id", sc.ID, "err", err)
	}
}
