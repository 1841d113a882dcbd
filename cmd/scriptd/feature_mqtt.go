//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "scriptd/internal/mqtt"

	"scriptd/internal/automation"
	"scriptd/internal/events"
	"scriptd/internal/runner"
)

type mqttFeature struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttFeature) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func (m *mqttFeature) Available() bool { return m.bridge != nil }

// Runner returns the bridge as a remote runner, or nil.
func (m *mqttFeature) Runner() runner.Runner {
	if m.bridge == nil {
		return nil
	}
	return m.bridge
}

// Bind routes inbound heartbeat and result messages to the engine.
func (m *mqttFeature) Bind(engine *automation.Engine) {
	if m.bridge == nil {
		return
	}
	m.bridge.SetHandlers(mqttbridge.Handlers{
		Pulse:    func(scriptID string) { engine.Pulse(scriptID) },
		Finished: func(scriptID string, code int) { engine.Finished(scriptID, code) },
		Result:   engine.HandleResult,
	})
}

func initMQTT(bus *events.Bus, cfg *Config, logger *slog.Logger) (*mqttFeature, error) {
	if !cfg.MQTT.Enabled {
		return &mqttFeature{}, nil
	}
	bridge, err := mqttbridge.NewBridge(bus, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
	}, logger)
	if err != nil {
		// The bridge is optional unless something depends on it.
		if cfg.Runner.Type == "mqtt" || cfg.Signal.Mode == "mqtt" {
			return nil, err
		}
		logger.Error("mqtt bridge", "err", err)
		return &mqttFeature{}, nil
	}
	bridge.Start()
	return &mqttFeature{bridge: bridge}, nil
}
