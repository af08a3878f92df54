//go:build !no_automation

package main

import (
	"log/slog"

	"clocklink/internal/automation"
	"clocklink/internal/session"
	"clocklink/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(sess *session.Session, events *session.EventBus, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(sess, events, scriptMgr, logger, automation.SystemConfig{
		ExecAllowlist: cfg.Exec.Allowlist,
		ExecTimeout:   durationOr(logger, "exec.timeout", cfg.Exec.Timeout, 0),
	})
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
