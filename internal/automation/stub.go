//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clocklink/internal/protocol"
	"clocklink/internal/session"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	errDisabled       = errors.New("automation disabled")
)

// Controller is the part of session.Session scripts may drive.
type Controller interface {
	IsConnected() bool
	Status() session.ConnectionState
	Send(ctx context.Context, cmd protocol.Command) error
}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, ErrScriptNotFound }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error           { return ErrScriptNotFound }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(_ Controller, _ *session.EventBus, _ *Manager, _ *slog.Logger, _ SystemConfig) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}
func (e *Engine) Running(_ string) bool       { return false }

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error(), Logs: []string{}}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error(), Logs: []string{}}
}
