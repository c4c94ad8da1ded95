//go:build no_mqtt

package main

import (
	"log/slog"

	"hostscript/internal/automation"
	"hostscript/internal/events"
	"hostscript/internal/trigger"
)

type mqttStopper struct{}

func (m *mqttStopper) Start(_ *events.Bus, _ *trigger.MessageDispatcher) {}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *Config, _ *slog.Logger) (*mqttStopper, automation.Sender) {
	return &mqttStopper{}, nil
}
