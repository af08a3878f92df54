package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"clocklink/internal/protocol"
	"clocklink/internal/session"
)

func (s *Server) handleAPIGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, "load config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleAPIPutConfig merges the body over the stored config and saves it
// without touching the device.
func (s *Server) handleAPIPutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, "load config", err)
		return
	}
	if !s.decodeJSON(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, "save config", err)
		return
	}
	if err := s.store.SaveConfig(cfg); err != nil {
		s.writeError(w, "save config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleAPIApplyConfig pushes the stored config, optionally overlaid with
// the request body, to the clock and saves it once every command went out.
// An empty body, sized or chunked, means no overlay.
func (s *Server) handleAPIApplyConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, "load config", err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.apply(w, r, cfg)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, cfg protocol.ClockConfig) {
	if err := cfg.Validate(); err != nil {
		s.writeError(w, "apply config", err)
		return
	}
	cmds := protocol.BuildFullConfig(cfg)
	if err := s.sess.SendSequence(r.Context(), cmds, 0); err != nil {
		s.writeError(w, "apply config", err)
		return
	}
	if err := s.store.SaveConfig(cfg); err != nil {
		s.logger.Error("save applied config", "err", err)
	}
	s.emit(session.EventConfigApplied, len(cmds))
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(cmds), "config": cfg})
}

type profileRequest struct {
	Name   string           `json:"name"`
	Config *json.RawMessage `json:"config"`
}

// profileConfig overlays the request config, if any, on base.
func (req profileRequest) profileConfig(base protocol.ClockConfig) (protocol.ClockConfig, error) {
	if req.Config == nil {
		return base, nil
	}
	if err := json.Unmarshal(*req.Config, &base); err != nil {
		return base, err
	}
	return base, nil
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles()
	if err != nil {
		s.writeError(w, "list profiles", err)
		return
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

// handleAPICreateProfile saves a named profile. Without a config in the
// body the current stored config is captured.
func (s *Server) handleAPICreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	current, err := s.store.LoadConfig()
	if err != nil {
		s.writeError(w, "load config", err)
		return
	}
	cfg, err := req.profileConfig(current)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config"})
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, "create profile", err)
		return
	}
	p, err := s.store.SaveProfile(req.Name, cfg)
	if err != nil {
		s.writeError(w, "create profile", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAPIGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProfile(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get profile", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetProfile(id)
	if err != nil {
		s.writeError(w, "update profile", err)
		return
	}
	var req profileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = existing.Name
	}
	cfg, err := req.profileConfig(existing.Config)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config"})
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, "update profile", err)
		return
	}
	p, err := s.store.UpdateProfile(id, name, cfg)
	if err != nil {
		s.writeError(w, "update profile", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProfile(r.PathValue("id")); err != nil {
		s.writeError(w, "delete profile", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIApplyProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProfile(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "apply profile", err)
		return
	}
	s.apply(w, r, p.Config)
}

func (s *Server) handleAPIExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Export()
	if err != nil {
		s.writeError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="clocklink-backup.json"`)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write export", "err", err)
	}
}

func (s *Server) handleAPIImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.store.Import(data); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
		)
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid backup file"})
			return
		}
		s.writeError(w, "import", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIClearData wipes config, profiles and the remembered device.
func (s *Server) handleAPIClearData(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(); err != nil {
		s.writeError(w, "clear data", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
