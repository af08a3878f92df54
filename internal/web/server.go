// Package web serves the JSON API and the live event websocket.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"clocklink/internal/automation"
	"clocklink/internal/link"
	"clocklink/internal/protocol"
	"clocklink/internal/provision"
	"clocklink/internal/session"
	"clocklink/internal/store"
)

const maxBodyBytes = 1 << 20

// Link is the part of session.Session the API drives.
type Link interface {
	ScanDevices(ctx context.Context) ([]link.Target, error)
	Connect(ctx context.Context, target link.Target) (session.ConnectionState, error)
	Disconnect()
	Status() session.ConnectionState
	Send(ctx context.Context, cmd protocol.Command) error
	SendSequence(ctx context.Context, cmds []protocol.Command, delay time.Duration) error
}

// Provisioner pushes WiFi credentials and waits for the verdict.
type Provisioner interface {
	Provision(ctx context.Context, ssid, password string) (provision.Outcome, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins allowed for cross-origin writes and
// websocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the /api/automations endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end of the controller.
type Server struct {
	sess           Link
	prov           Provisioner
	store          store.Store
	events         *session.EventBus
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts its websocket hub. Call Stop to
// release it.
func NewServer(l Link, prov Provisioner, st store.Store, events *session.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		sess:   l,
		prov:   prov,
		store:  st,
		events: events,
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

	s.unsubEvents = events.OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the websocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Link
	s.mux.HandleFunc("GET /api/devices", s.handleAPIScan)
	s.mux.HandleFunc("POST /api/connect", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/reconnect", s.handleAPIReconnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleAPIDisconnect)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/command", s.handleAPICommand)
	s.mux.HandleFunc("POST /api/commands", s.handleAPICommands)
	s.mux.HandleFunc("POST /api/wifi", s.handleAPIWiFi)

	// Config and profiles
	s.mux.HandleFunc("GET /api/config", s.handleAPIGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handleAPIPutConfig)
	s.mux.HandleFunc("POST /api/config/apply", s.handleAPIApplyConfig)
	s.mux.HandleFunc("GET /api/profiles", s.handleAPIListProfiles)
	s.mux.HandleFunc("POST /api/profiles", s.handleAPICreateProfile)
	s.mux.HandleFunc("GET /api/profiles/{id}", s.handleAPIGetProfile)
	s.mux.HandleFunc("PUT /api/profiles/{id}", s.handleAPIUpdateProfile)
	s.mux.HandleFunc("DELETE /api/profiles/{id}", s.handleAPIDeleteProfile)
	s.mux.HandleFunc("POST /api/profiles/{id}/apply", s.handleAPIApplyProfile)
	s.mux.HandleFunc("GET /api/export", s.handleAPIExport)
	s.mux.HandleFunc("POST /api/import", s.handleAPIImport)
	s.mux.HandleFunc("DELETE /api/data", s.handleAPIClearData)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin check and API key before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
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

	// Browsers cannot set headers on a websocket upgrade, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// decodeJSON reads a size-limited JSON body into v. It writes the 400
// response itself and returns false on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps err to a status code. Only sanitised text reaches the body.
// A partially applied sequence also reports how far it got.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	var (
		verr *protocol.ValidationError
		serr *session.Error
	)
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, provision.ErrInProgress):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": provision.ErrInProgress.Error()})
	case errors.As(err, &serr):
		s.logger.Warn(op+" failed", "kind", serr.Kind, "err", err)
		s.writeJSON(w, sessionStatus(serr.Kind), withProgress(err, map[string]any{
			"error": session.SanitizeMessage(err),
			"kind":  serr.Kind.String(),
		}))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusGatewayTimeout, withProgress(err, map[string]any{"error": "Request timed out"}))
	default:
		s.logger.Error(op+" failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func withProgress(err error, body map[string]any) map[string]any {
	var seqErr *session.SequenceError
	if errors.As(err, &seqErr) {
		body["applied"] = seqErr.Applied
		body["total"] = seqErr.Total
	}
	return body
}

func sessionStatus(k session.ErrorKind) int {
	switch k {
	case session.KindNotConnected:
		return http.StatusConflict
	case session.KindPermissionDenied:
		return http.StatusForbidden
	case session.KindTimeout:
		return http.StatusGatewayTimeout
	case session.KindProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) emit(typ string, data any) {
	s.events.Emit(session.Event{Type: typ, Data: data})
}
