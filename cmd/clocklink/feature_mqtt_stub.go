//go:build no_mqtt

package main

import (
	"log/slog"

	"clocklink/internal/provision"
	"clocklink/internal/session"
	"clocklink/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *session.Session, _ *provision.Coordinator, _ store.Store, _ *session.EventBus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
