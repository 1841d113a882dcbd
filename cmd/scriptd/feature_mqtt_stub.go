//go:build no_mqtt

package main

import (
	"fmt"
	"log/slog"

	"scriptd/internal/automation"
	"scriptd/internal/events"
	"scriptd/internal/runner"
)

type mqttFeature struct{}

func (m *mqttFeature) Stop() {}

func (m *mqttFeature) Available() bool { return false }

func (m *mqttFeature) Runner() runner.Runner { return nil }

func (m *mqttFeature) Bind(*automation.Engine) {}

func initMQTT(_ *events.Bus, cfg *Config, logger *slog.Logger) (*mqttFeature, error) {
	if cfg.Runner.Type == "mqtt" || cfg.Signal.Mode == "mqtt" {
		return nil, fmt.Errorf("built without mqtt support")
	}
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt.enabled ignored: built without mqtt support")
	}
	return &mqttFeature{}, nil
}
