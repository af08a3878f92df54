package web

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"clocklink/internal/link"
	"clocklink/internal/protocol"
	"clocklink/internal/provision"
	"clocklink/internal/store"
)

const maxBatchCommands = 32

func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	targets, err := s.sess.ScanDevices(r.Context())
	if err != nil {
		s.writeError(w, "scan", err)
		return
	}
	if targets == nil {
		targets = []link.Target{}
	}
	s.writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	var target link.Target
	if !s.decodeJSON(w, r, &target) {
		return
	}
	if target.Address == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address is required"})
		return
	}
	s.connect(w, r, target)
}

func (s *Server) handleAPIReconnect(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.LoadLastDevice()
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no previously connected device"})
		return
	}
	if err != nil {
		s.writeError(w, "load last device", err)
		return
	}
	s.connect(w, r, *target)
}

// connect dials target and remembers it for reconnect on success.
func (s *Server) connect(w http.ResponseWriter, r *http.Request, target link.Target) {
	st, err := s.sess.Connect(r.Context(), target)
	if err != nil {
		s.writeError(w, "connect", err)
		return
	}
	if err := s.store.SaveLastDevice(target); err != nil {
		s.logger.Warn("save last device", "err", err)
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sess.Disconnect()
	s.writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sess.Status())
}

type commandRequest struct {
	Line string `json:"line"`
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	cmd, err := protocol.ParseCommand(req.Line)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.sess.Send(r.Context(), cmd); err != nil {
		s.writeError(w, "send", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "sent": cmd.Redacted()})
}

type commandsRequest struct {
	Lines   []string `json:"lines"`
	DelayMS int      `json:"delay_ms"`
}

// handleAPICommands validates the whole batch before sending any of it.
func (s *Server) handleAPICommands(w http.ResponseWriter, r *http.Request) {
	var req commandsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Lines) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must not be empty"})
		return
	}
	if len(req.Lines) > maxBatchCommands {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("lines limited to %d", maxBatchCommands)})
		return
	}
	if req.DelayMS < 0 || req.DelayMS > 10_000 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delay_ms must be between 0 and 10000"})
		return
	}

	cmds := make([]protocol.Command, 0, len(req.Lines))
	for i, line := range req.Lines {
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("line %d: %v", i+1, err)})
			return
		}
		cmds = append(cmds, cmd)
	}

	if err := s.sess.SendSequence(r.Context(), cmds, time.Duration(req.DelayMS)*time.Millisecond); err != nil {
		s.writeError(w, "send sequence", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(cmds)})
}

type wifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// handleAPIWiFi provisions credentials and stores them once the clock
// confirms it joined. Failure and timeout are outcomes, not HTTP errors.
func (s *Server) handleAPIWiFi(w http.ResponseWriter, r *http.Request) {
	var req wifiRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := errors.Join(protocol.ValidateSSID(req.SSID), protocol.ValidatePassword(req.Password)); err != nil {
		s.writeError(w, "wifi", err)
		return
	}

	// A store that cannot be read aborts before anything reaches the clock.
	if _, err := s.store.LoadConfig(); err != nil {
		s.writeError(w, "load config", err)
		return
	}

	out, err := s.prov.Provision(r.Context(), req.SSID, req.Password)
	if err != nil {
		s.writeError(w, "provision", err)
		return
	}
	if out.Kind == provision.Success {
		cfg, err := s.store.LoadConfig()
		if err != nil {
			s.writeError(w, "load config", err)
			return
		}
		cfg.WiFiSSID = req.SSID
		cfg.WiFiPassword = req.Password
		if err := s.store.SaveConfig(cfg); err != nil {
			s.logger.Error("save wifi config", "err", err)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
