//go:build !no_automation

// Package automation runs user Lua scripts that react to link and
// provisioning events and drive the clock through the session.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"clocklink/internal/protocol"
	"clocklink/internal/session"
)

const (
	runTimeout            = 5 * time.Second
	sendTimeout           = 10 * time.Second
	commandQueueSize      = 64
	maxHandlersPerScript  = 100
	contextDeadlineMarker = "context deadline exceeded"
)

// Controller is the part of session.Session scripts may drive.
type Controller interface {
	IsConnected() bool
	Status() session.ConnectionState
	Send(ctx context.Context, cmd protocol.Command) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with clock.on. Every filter key
// must match the event; "contains" matches a substring of the event value.
type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM owns one Lua state. All Lua calls after loading go through
// commands so the state is only touched by one goroutine.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	logSink  func(string) // set for one-shot runs to capture log output

	mu       sync.Mutex // protects handlers
	handlers []luaEventHandler
}

func (vm *scriptVM) capture(line string) {
	if vm.logSink != nil {
		vm.logSink(line)
	}
}

// Engine manages Lua VMs and dispatches bus events to scripts.
type Engine struct {
	ctrl    Controller
	events  *session.EventBus
	manager *Manager
	logger  *slog.Logger
	sysCfg  SystemConfig
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine. Call Start to load scripts.
func NewEngine(ctrl Controller, events *session.EventBus, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		ctrl:    ctrl,
		events:  events,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		sysCfg:  sysCfg,
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the running VM for id, if any, and starts it again
// when the script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a VM is loaded for id.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Logs: []string{}, Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway sandboxed VM. Top-level code runs
// first; every handler it registers is then called once with a synthetic
// event built from its filter, so a dry run exercises the actions too.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()
	L := vm.state

	var (
		logMu sync.Mutex
		logs  = []string{}
	)
	vm.logSink = func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		e.logger.Warn("dry run failed", "err", err)
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for i, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		ev.RawSetString("value", lua.LTrue)
		for k, v := range h.filter {
			if k == "contains" {
				ev.RawSetString("value", lua.LString(v))
				continue
			}
			ev.RawSetString(k, lua.LString(v))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			e.logger.Warn("dry run handler failed", "index", i, "event", h.eventType, "err", err)
			return result(err)
		}
	}

	r := result(nil)
	e.logger.Debug("dry run complete", "handlers", len(handlers), "logs", len(r.Logs), "duration", r.Duration)
	return r
}

func runError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, contextDeadlineMarker) {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return msg
}

// newVM builds a sandboxed state with the clock and system modules loaded.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerClockModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their VMs. It never blocks the
// bus: a full queue drops the event for that VM.
func (e *Engine) dispatchEvent(event session.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := eventFields(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if vm.ctx.Err() != nil {
				break
			}
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, fields) }:
			default:
				e.logger.Warn("script queue full, dropping event", "event", event.Type)
			}
		}
	}
}

// eventFields flattens an event into the table handed to Lua. Struct
// payloads keep their JSON field names; scalar payloads go under "value".
func eventFields(event session.Event) map[string]any {
	fields := map[string]any{}
	if event.Data != nil {
		var decoded any
		if data, err := json.Marshal(event.Data); err == nil && json.Unmarshal(data, &decoded) == nil {
			if m, ok := decoded.(map[string]any); ok {
				fields = m
			} else {
				fields["value"] = decoded
			}
		}
	}
	fields["type"] = event.Type
	return fields
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType && h.eventType != "*" {
		return false
	}
	for k, want := range h.filter {
		if k == "contains" {
			v, ok := fields["value"]
			if !ok || !strings.Contains(fmt.Sprint(v), want) {
				return false
			}
			continue
		}
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, goToLua(L, fields)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// goToLua converts a decoded JSON value or Go scalar to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
