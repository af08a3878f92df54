//go:build no_automation

package main

import (
	"log/slog"

	"clocklink/internal/session"
	"clocklink/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *session.Session, _ *session.EventBus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
