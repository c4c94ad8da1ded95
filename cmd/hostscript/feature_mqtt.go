//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "hostscript/internal/mqtt"

	"hostscript/internal/automation"
	"hostscript/internal/events"
	"hostscript/internal/trigger"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Start(bus *events.Bus, messages *trigger.MessageDispatcher) {
	if m.bridge == nil {
		return
	}
	m.bridge.SetHandler(messages)
	m.bridge.Start(bus)
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// initMQTT connects the bridge when enabled. The returned sender is nil
// when MQTT is off, leaving the engine to drop outbound messages.
func initMQTT(cfg *Config, logger *slog.Logger) (*mqttStopper, automation.Sender) {
	if !cfg.MQTT.Enabled {
		logger.Warn("mqtt disabled, outbound messages will be dropped")
		return &mqttStopper{}, nil
	}
	bridge, err := mqttbridge.NewBridge(mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
	}, nil, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}, nil
	}
	return &mqttStopper{bridge: bridge}, bridge
}
