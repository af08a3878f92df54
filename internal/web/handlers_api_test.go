package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clocklink/internal/automation"
	"clocklink/internal/link"
	"clocklink/internal/protocol"
	"clocklink/internal/provision"
	"clocklink/internal/session"
	"clocklink/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLink records what the API asks of the session.
type fakeLink struct {
	mu         sync.Mutex
	targets    []link.Target
	scanErr    error
	connectErr error
	sendErr    error
	status     session.ConnectionState
	connected  []link.Target
	sent       []protocol.Command
	delays     []time.Duration
}

func (f *fakeLink) ScanDevices(context.Context) ([]link.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets, f.scanErr
}

func (f *fakeLink) Connect(_ context.Context, target link.Target) (session.ConnectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return session.ConnectionState{Kind: session.Failed, Reason: f.connectErr.Error()}, f.connectErr
	}
	t := target
	f.connected = append(f.connected, target)
	f.status = session.ConnectionState{Kind: session.Connected, Target: &t, Handle: uint64(len(f.connected))}
	return f.status, nil
}

func (f *fakeLink) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = session.ConnectionState{Kind: session.Disconnected}
}

func (f *fakeLink) Status() session.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLink) IsConnected() bool {
	return f.Status().Kind == session.Connected
}

func (f *fakeLink) Send(_ context.Context, cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeLink) SendSequence(_ context.Context, cmds []protocol.Command, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmds...)
	f.delays = append(f.delays, delay)
	return nil
}

func (f *fakeLink) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, c := range f.sent {
		out[i] = c.String()
	}
	return out
}

type fakeProvisioner struct {
	outcome provision.Outcome
	err     error
	calls   []string
	during  func() // runs while the attempt is in flight
}

func (f *fakeProvisioner) Provision(_ context.Context, ssid, _ string) (provision.Outcome, error) {
	f.calls = append(f.calls, ssid)
	if f.during != nil {
		f.during()
	}
	return f.outcome, f.err
}

type testEnv struct {
	link   *fakeLink
	prov   *fakeProvisioner
	store  *store.BoltStore
	events *session.EventBus
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *testEnv) {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		link:   &fakeLink{status: session.ConnectionState{Kind: session.Disconnected}},
		prov:   &fakeProvisioner{},
		store:  db,
		events: session.NewEventBus(logger),
	}

	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(env.link, env.events, mgr, logger, automation.SystemConfig{})
	engine.Start()
	t.Cleanup(engine.Stop)

	opts = append([]ServerOption{WithAutomation(engine, mgr), WithVersion("test")}, opts...)
	srv := NewServer(env.link, env.prov, db, env.events, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, env
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
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

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status = %d, want %d; body %s", w.Code, code, w.Body.String())
	}
}

func TestAPIScanEmpty(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/devices", nil)
	wantStatus(t, w, http.StatusOK)
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestAPIScanListsTargets(t *testing.T) {
	srv, env := setupTestServer(t)
	rssi := -60
	env.link.targets = []link.Target{{ID: "a", Name: "Clock", Address: "/dev/ttyUSB0", RSSI: &rssi}}

	w := do(t, srv, "GET", "/api/devices", nil)
	wantStatus(t, w, http.StatusOK)
	got := decode[[]link.Target](t, w)
	if len(got) != 1 || got[0].Address != "/dev/ttyUSB0" || got[0].RSSI == nil || *got[0].RSSI != -60 {
		t.Errorf("targets = %+v", got)
	}
}

func TestAPIConnectRemembersDevice(t *testing.T) {
	srv, env := setupTestServer(t)
	target := link.Target{ID: "clock-1", Name: "Clock", Address: "/dev/ttyUSB0"}

	w := do(t, srv, "POST", "/api/connect", target)
	wantStatus(t, w, http.StatusOK)
	st := decode[map[string]any](t, w)
	if st["state"] != "connected" {
		t.Errorf("state = %v, want connected", st["state"])
	}

	last, err := env.store.LoadLastDevice()
	if err != nil {
		t.Fatal(err)
	}
	if last.Address != target.Address {
		t.Errorf("last device = %+v", last)
	}

	do(t, srv, "POST", "/api/disconnect", nil)
	w = do(t, srv, "POST", "/api/reconnect", nil)
	wantStatus(t, w, http.StatusOK)
	if n := len(env.link.connected); n != 2 || env.link.connected[1].Address != target.Address {
		t.Errorf("connects = %+v", env.link.connected)
	}
}

func TestAPIConnectFailureNotRemembered(t *testing.T) {
	srv, env := setupTestServer(t)
	env.link.connectErr = &session.Error{Kind: session.KindConnectFailed, Reason: "Device not found"}

	w := do(t, srv, "POST", "/api/connect", link.Target{Address: "/dev/ttyUSB9"})
	wantStatus(t, w, http.StatusBadGateway)
	body := decode[map[string]string](t, w)
	if body["kind"] != "connect_failed" {
		t.Errorf("kind = %q", body["kind"])
	}
	if _, err := env.store.LoadLastDevice(); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadLastDevice err = %v, want ErrNotFound", err)
	}
}

func TestAPIConnectValidation(t *testing.T) {
	srv, _ := setupTestServer(t)

	wantStatus(t, do(t, srv, "POST", "/api/connect", map[string]string{"name": "x"}), http.StatusBadRequest)
	wantStatus(t, do(t, srv, "POST", "/api/connect", "{not json"), http.StatusBadRequest)
}

func TestAPIReconnectWithoutDevice(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "POST", "/api/reconnect", nil)
	wantStatus(t, w, http.StatusNotFound)
}

func TestAPISessionErrorStatus(t *testing.T) {
	tests := []struct {
		kind session.ErrorKind
		code int
	}{
		{session.KindNotConnected, http.StatusConflict},
		{session.KindPermissionDenied, http.StatusForbidden},
		{session.KindTimeout, http.StatusGatewayTimeout},
		{session.KindProtocol, http.StatusBadRequest},
		{session.KindTransmitFailed, http.StatusBadGateway},
		{session.KindScanFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			srv, env := setupTestServer(t)
			env.link.sendErr = &session.Error{Kind: tt.kind}

			w := do(t, srv, "POST", "/api/command", map[string]string{"line": "BRIGHTNESS:3"})
			wantStatus(t, w, tt.code)
			body := decode[map[string]string](t, w)
			if body["kind"] != tt.kind.String() {
				t.Errorf("kind = %q, want %q", body["kind"], tt.kind)
			}
			if body["error"] == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestAPICommand(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "POST", "/api/command", map[string]string{"line": "WIFI:home:secret123"})
	wantStatus(t, w, http.StatusOK)
	body := decode[map[string]string](t, w)
	if body["sent"] != "WIFI:home:********" {
		t.Errorf("sent = %q, want redacted", body["sent"])
	}
	if got := env.link.lines(); len(got) != 1 || got[0] != "WIFI:home:secret123" {
		t.Errorf("sent lines = %v", got)
	}
}

func TestAPICommandMalformed(t *testing.T) {
	srv, env := setupTestServer(t)

	for _, line := range []string{"", "HELLO", "NOPE:1", "OFFSET:abc"} {
		w := do(t, srv, "POST", "/api/command", map[string]string{"line": line})
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", line, w.Code)
		}
	}
	if got := env.link.lines(); len(got) != 0 {
		t.Errorf("sent %v, want nothing", got)
	}
}

func TestAPICommandsBatch(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "POST", "/api/commands", map[string]any{
		"lines":    []string{"OFFSET:-5", "DST:ON", "BRIGHTNESS:2"},
		"delay_ms": 250,
	})
	wantStatus(t, w, http.StatusOK)
	if got := env.link.lines(); strings.Join(got, ",") != "OFFSET:-5,DST:ON,BRIGHTNESS:2" {
		t.Errorf("sent = %v", got)
	}
	if len(env.link.delays) != 1 || env.link.delays[0] != 250*time.Millisecond {
		t.Errorf("delays = %v", env.link.delays)
	}
}

func TestAPICommandsRejected(t *testing.T) {
	many := make([]string, maxBatchCommands+1)
	for i := range many {
		many[i] = "DST:ON"
	}
	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty", map[string]any{"lines": []string{}}},
		{"too many", map[string]any{"lines": many}},
		{"negative delay", map[string]any{"lines": []string{"DST:ON"}, "delay_ms": -1}},
		{"long delay", map[string]any{"lines": []string{"DST:ON"}, "delay_ms": 10_001}},
		{"bad line", map[string]any{"lines": []string{"DST:ON", "BOGUS"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, env := setupTestServer(t)
			w := do(t, srv, "POST", "/api/commands", tt.body)
			wantStatus(t, w, http.StatusBadRequest)
			if got := env.link.lines(); len(got) != 0 {
				t.Errorf("sent %v, want nothing", got)
			}
		})
	}
}

func TestAPIWiFiSuccessPersists(t *testing.T) {
	srv, env := setupTestServer(t)
	env.prov.outcome = provision.Outcome{Kind: provision.Success, SSID: "home"}

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "secret123"})
	wantStatus(t, w, http.StatusOK)
	if body := decode[map[string]string](t, w); body["result"] != "success" {
		t.Errorf("result = %q", body["result"])
	}

	cfg, err := env.store.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WiFiSSID != "home" || cfg.WiFiPassword != "secret123" {
		t.Errorf("config wifi = %q/%q", cfg.WiFiSSID, cfg.WiFiPassword)
	}
}

func TestAPIWiFiFailureNotPersisted(t *testing.T) {
	srv, env := setupTestServer(t)
	env.prov.outcome = provision.Outcome{Kind: provision.Failure, Message: "Wrong password"}

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "secret123"})
	wantStatus(t, w, http.StatusOK)
	if body := decode[map[string]string](t, w); body["result"] != "failure" || body["message"] != "Wrong password" {
		t.Errorf("body = %v", body)
	}
	cfg, _ := env.store.LoadConfig()
	if cfg.WiFiSSID != "" {
		t.Errorf("ssid persisted after failure: %q", cfg.WiFiSSID)
	}
}

func TestAPIWiFiValidation(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "short"})
	wantStatus(t, w, http.StatusBadRequest)
	if body := decode[map[string]string](t, w); body["field"] != "wifi_password" {
		t.Errorf("field = %q", body["field"])
	}
	if len(env.prov.calls) != 0 {
		t.Error("provisioner called for invalid credentials")
	}
}

func TestAPIWiFiNotConnected(t *testing.T) {
	srv, env := setupTestServer(t)
	env.prov.err = session.ErrNotConnected

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "secret123"})
	wantStatus(t, w, http.StatusConflict)
}

func TestAPIWiFiAlreadyInProgress(t *testing.T) {
	srv, env := setupTestServer(t)
	env.prov.err = provision.ErrInProgress

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "secret123"})
	wantStatus(t, w, http.StatusConflict)
	if body := decode[map[string]string](t, w); body["error"] != provision.ErrInProgress.Error() {
		t.Errorf("error = %q", body["error"])
	}
	cfg, _ := env.store.LoadConfig()
	if cfg.WiFiSSID != "" {
		t.Errorf("ssid persisted for rejected attempt: %q", cfg.WiFiSSID)
	}
}

func TestAPIWiFiUnreadableStore(t *testing.T) {
	srv, env := setupTestServer(t)
	env.prov.outcome = provision.Outcome{Kind: provision.Success, SSID: "home"}
	if err := env.store.Close(); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "secret123"})
	wantStatus(t, w, http.StatusInternalServerError)
	if len(env.prov.calls) != 0 {
		t.Errorf("provisioner called %v with an unreadable store", env.prov.calls)
	}
}

func TestAPIWiFiKeepsConcurrentConfigEdits(t *testing.T) {
	srv, env := setupTestServer(t)
	env.prov.outcome = provision.Outcome{Kind: provision.Success, SSID: "home"}
	env.prov.during = func() {
		cfg, err := env.store.LoadConfig()
		if err != nil {
			t.Error(err)
			return
		}
		cfg.Brightness = 2
		if err := env.store.SaveConfig(cfg); err != nil {
			t.Error(err)
		}
	}

	w := do(t, srv, "POST", "/api/wifi", map[string]string{"ssid": "home", "password": "secret123"})
	wantStatus(t, w, http.StatusOK)

	cfg, err := env.store.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Brightness != 2 || cfg.WiFiSSID != "home" {
		t.Errorf("config = %+v, want brightness 2 and ssid home", cfg)
	}
}

func TestAPIConfigPut(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "PUT", "/api/config", map[string]any{"brightness": 2, "alarm_time": "06:30"})
	wantStatus(t, w, http.StatusOK)

	cfg, err := env.store.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	def := protocol.DefaultConfig()
	if cfg.Brightness != 2 || cfg.AlarmTime != "06:30" || cfg.TimeOffset != def.TimeOffset {
		t.Errorf("config = %+v", cfg)
	}
	if got := env.link.lines(); len(got) != 0 {
		t.Errorf("PUT sent %v", got)
	}
}

func TestAPIConfigPutInvalid(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "PUT", "/api/config", map[string]any{"brightness": 99})
	wantStatus(t, w, http.StatusBadRequest)
	if body := decode[map[string]string](t, w); body["field"] != "brightness" {
		t.Errorf("field = %q", body["field"])
	}
	cfg, _ := env.store.LoadConfig()
	if cfg.Brightness != protocol.DefaultConfig().Brightness {
		t.Errorf("invalid config saved: %+v", cfg)
	}
}

func TestAPIConfigApply(t *testing.T) {
	srv, env := setupTestServer(t)

	var applied []any
	env.events.On(session.EventConfigApplied, func(ev session.Event) {
		applied = append(applied, ev.Data)
	})

	w := do(t, srv, "POST", "/api/config/apply", map[string]any{"time_offset": 2, "dst_enabled": true})
	wantStatus(t, w, http.StatusOK)

	want := "OFFSET:2,DST:ON,ALARM:07:00,ALARM:OFF,BRIGHTNESS:5"
	if got := strings.Join(env.link.lines(), ","); got != want {
		t.Errorf("sent = %s, want %s", got, want)
	}
	if len(env.link.delays) != 1 || env.link.delays[0] != 0 {
		t.Errorf("delays = %v, want default", env.link.delays)
	}
	if len(applied) != 1 || applied[0] != 5 {
		t.Errorf("config_applied events = %v", applied)
	}
	cfg, _ := env.store.LoadConfig()
	if cfg.TimeOffset != 2 || !cfg.DSTEnabled {
		t.Errorf("applied config not saved: %+v", cfg)
	}
}

func TestAPIConfigApplyNotConnected(t *testing.T) {
	srv, env := setupTestServer(t)
	env.link.sendErr = session.ErrNotConnected

	w := do(t, srv, "POST", "/api/config/apply", map[string]any{"brightness": 1})
	wantStatus(t, w, http.StatusConflict)
	cfg, _ := env.store.LoadConfig()
	if cfg.Brightness == 1 {
		t.Error("config saved although apply failed")
	}
}

func TestAPIConfigApplyPartial(t *testing.T) {
	srv, env := setupTestServer(t)
	env.link.sendErr = &session.SequenceError{
		Applied: 2,
		Total:   5,
		Err:     &session.Error{Kind: session.KindTransmitFailed, Reason: "Connection failed"},
	}

	w := do(t, srv, "POST", "/api/config/apply", map[string]any{"brightness": 1})
	wantStatus(t, w, http.StatusBadGateway)
	body := decode[map[string]any](t, w)
	if body["applied"] != float64(2) || body["total"] != float64(5) {
		t.Errorf("progress = %v/%v, want 2/5", body["applied"], body["total"])
	}
	if body["kind"] != session.KindTransmitFailed.String() {
		t.Errorf("kind = %v", body["kind"])
	}
	cfg, _ := env.store.LoadConfig()
	if cfg.Brightness == 1 {
		t.Error("config saved although apply was partial")
	}
}

func TestAPICommandsPartial(t *testing.T) {
	srv, env := setupTestServer(t)
	env.link.sendErr = &session.SequenceError{
		Applied: 1,
		Total:   3,
		Err:     &session.Error{Kind: session.KindTransmitFailed, Reason: "Connection failed"},
	}

	w := do(t, srv, "POST", "/api/commands", map[string]any{
		"lines": []string{"OFFSET:-5", "DST:ON", "BRIGHTNESS:2"},
	})
	wantStatus(t, w, http.StatusBadGateway)
	body := decode[map[string]any](t, w)
	if body["applied"] != float64(1) || body["total"] != float64(3) {
		t.Errorf("progress = %v/%v, want 1/3", body["applied"], body["total"])
	}
}

func TestAPIConfigApplyChunkedEmptyBody(t *testing.T) {
	srv, env := setupTestServer(t)

	req := httptest.NewRequest("POST", "/api/config/apply", nil)
	req.Body = io.NopCloser(strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	wantStatus(t, w, http.StatusOK)
	want := "OFFSET:-4,DST:OFF,ALARM:07:00,ALARM:OFF,BRIGHTNESS:5"
	if got := strings.Join(env.link.lines(), ","); got != want {
		t.Errorf("sent = %s, want %s", got, want)
	}
}

func TestAPIProfiles(t *testing.T) {
	srv, env := setupTestServer(t)

	wantStatus(t, do(t, srv, "POST", "/api/profiles", map[string]any{"name": "  "}), http.StatusBadRequest)
	wantStatus(t, do(t, srv, "POST", "/api/profiles", map[string]any{
		"name":   "bad",
		"config": map[string]any{"time_offset": 40},
	}), http.StatusBadRequest)

	w := do(t, srv, "POST", "/api/profiles", map[string]any{
		"name":   "Weekend",
		"config": map[string]any{"alarm_time": "09:15", "alarm_enabled": true},
	})
	wantStatus(t, w, http.StatusCreated)
	created := decode[store.Profile](t, w)
	if created.ID == "" || created.Config.AlarmTime != "09:15" || created.Config.Brightness != 5 {
		t.Fatalf("created = %+v", created)
	}

	w = do(t, srv, "PUT", "/api/profiles/"+created.ID, map[string]any{"name": "Sunday"})
	wantStatus(t, w, http.StatusOK)
	if p := decode[store.Profile](t, w); p.Name != "Sunday" || p.Config.AlarmTime != "09:15" {
		t.Errorf("updated = %+v", p)
	}

	w = do(t, srv, "GET", "/api/profiles", nil)
	wantStatus(t, w, http.StatusOK)
	if list := decode[[]store.Profile](t, w); len(list) != 1 {
		t.Errorf("profiles = %+v", list)
	}

	w = do(t, srv, "POST", "/api/profiles/"+created.ID+"/apply", nil)
	wantStatus(t, w, http.StatusOK)
	if got := strings.Join(env.link.lines(), ","); !strings.Contains(got, "ALARM:09:15,ALARM:ON") {
		t.Errorf("apply sent %s", got)
	}

	wantStatus(t, do(t, srv, "DELETE", "/api/profiles/"+created.ID, nil), http.StatusOK)
	wantStatus(t, do(t, srv, "GET", "/api/profiles/"+created.ID, nil), http.StatusNotFound)
	wantStatus(t, do(t, srv, "POST", "/api/profiles/"+created.ID+"/apply", nil), http.StatusNotFound)
}

func TestAPIExportImport(t *testing.T) {
	src, srcEnv := setupTestServer(t)
	wantStatus(t, do(t, src, "PUT", "/api/config", map[string]any{"brightness": 7}), http.StatusOK)
	wantStatus(t, do(t, src, "POST", "/api/profiles", map[string]any{"name": "Night"}), http.StatusCreated)
	if err := srcEnv.store.SaveLastDevice(link.Target{Address: "/dev/ttyACM0"}); err != nil {
		t.Fatal(err)
	}

	w := do(t, src, "GET", "/api/export", nil)
	wantStatus(t, w, http.StatusOK)
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	backup := w.Body.String()

	dst, dstEnv := setupTestServer(t)
	wantStatus(t, do(t, dst, "POST", "/api/import", backup), http.StatusOK)

	cfg, _ := dstEnv.store.LoadConfig()
	if cfg.Brightness != 7 {
		t.Errorf("imported brightness = %d", cfg.Brightness)
	}
	profiles, _ := dstEnv.store.ListProfiles()
	if len(profiles) != 1 || profiles[0].Name != "Night" {
		t.Errorf("imported profiles = %+v", profiles)
	}
	if last, err := dstEnv.store.LoadLastDevice(); err != nil || last.Address != "/dev/ttyACM0" {
		t.Errorf("imported last device = %+v, %v", last, err)
	}
}

func TestAPIImportRejectsBadDocuments(t *testing.T) {
	srv, _ := setupTestServer(t)

	wantStatus(t, do(t, srv, "POST", "/api/import", "not json"), http.StatusBadRequest)

	w := do(t, srv, "POST", "/api/import", `{"config":{"brightness":9}}`)
	wantStatus(t, w, http.StatusBadRequest)
	if body := decode[map[string]string](t, w); body["field"] != "brightness" {
		t.Errorf("field = %q", body["field"])
	}
}

func TestAPIClearData(t *testing.T) {
	srv, env := setupTestServer(t)
	wantStatus(t, do(t, srv, "POST", "/api/profiles", map[string]any{"name": "A"}), http.StatusCreated)

	wantStatus(t, do(t, srv, "DELETE", "/api/data", nil), http.StatusOK)
	if profiles, _ := env.store.ListProfiles(); len(profiles) != 0 {
		t.Errorf("profiles after clear = %+v", profiles)
	}
}

func TestAPIKey(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("s3cret"))

	tests := []struct {
		name    string
		headers []string
		code    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"valid", []string{"X-API-Key", "s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "GET", "/api/status", nil, tt.headers...)
			wantStatus(t, w, tt.code)
		})
	}
}

func TestAPIOriginCheck(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://clock.local"}))

	w := do(t, srv, "POST", "/api/disconnect", nil, "Origin", "http://evil.example")
	wantStatus(t, w, http.StatusForbidden)

	w = do(t, srv, "POST", "/api/disconnect", nil, "Origin", "http://clock.local")
	wantStatus(t, w, http.StatusOK)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://clock.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	w = do(t, srv, "OPTIONS", "/api/disconnect", nil, "Origin", "http://clock.local")
	wantStatus(t, w, http.StatusNoContent)

	// Reads are not origin checked.
	wantStatus(t, do(t, srv, "GET", "/api/status", nil, "Origin", "http://evil.example"), http.StatusOK)
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/version", nil)
	wantStatus(t, w, http.StatusOK)
	if body := decode[map[string]string](t, w); body["version"] != "test" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestAPIAutomations(t *testing.T) {
	srv, _ := setupTestServer(t)

	wantStatus(t, do(t, srv, "POST", "/api/automations", map[string]any{"name": ""}), http.StatusBadRequest)

	w := do(t, srv, "POST", "/api/automations", map[string]any{
		"name":     "Dim at night",
		"lua_code": `clock.on("status_changed", function(e) clock.set_brightness(1) end)`,
		"enabled":  true,
	})
	wantStatus(t, w, http.StatusCreated)
	created := decode[map[string]any](t, w)
	id, _ := created["id"].(string)
	if id != "dim_at_night" || created["running"] != true {
		t.Fatalf("created = %v", created)
	}

	w = do(t, srv, "GET", "/api/automations", nil)
	wantStatus(t, w, http.StatusOK)
	if list := decode[[]map[string]any](t, w); len(list) != 1 || list[0]["id"] != id {
		t.Errorf("list = %v", list)
	}

	w = do(t, srv, "POST", "/api/automations/"+id+"/toggle", nil)
	wantStatus(t, w, http.StatusOK)
	if toggled := decode[map[string]any](t, w); toggled["running"] != false {
		t.Errorf("toggled = %v", toggled)
	}

	w = do(t, srv, "POST", "/api/automations/_inline/run", map[string]string{"lua_code": `clock.log("hello")`})
	wantStatus(t, w, http.StatusOK)
	res := decode[automation.RunResult](t, w)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "hello" {
		t.Errorf("run = %+v", res)
	}

	wantStatus(t, do(t, srv, "POST", "/api/automations/missing/run", nil), http.StatusNotFound)
	wantStatus(t, do(t, srv, "DELETE", "/api/automations/"+id, nil), http.StatusOK)
	wantStatus(t, do(t, srv, "GET", "/api/automations/"+id, nil), http.StatusNotFound)
	wantStatus(t, do(t, srv, "DELETE", "/api/automations/"+id, nil), http.StatusNotFound)
}
