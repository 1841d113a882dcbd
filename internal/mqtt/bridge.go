//go:build !no_mqtt

// Package mqtt bridges scriptd to an MQTT broker: it forwards bus events,
// hands commands to a remote runner and receives heartbeat signals and run
// results from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"scriptd/internal/events"
	"scriptd/internal/heartbeat"
	"scriptd/internal/runner"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Handlers receive inbound messages. Nil handlers drop the message.
type Handlers struct {
	Pulse    func(scriptID string)
	Finished func(scriptID string, code int)
	Result   runner.ResultHandler
}

// Bridge connects the event bus and the runner protocol to MQTT.
type Bridge struct {
	client pahomqtt.Client
	bus    *events.Bus
	prefix string
	logger *slog.Logger
	unsub  func()

	mu       sync.RWMutex
	handlers Handlers
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bus:    bus,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "scriptd"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(stateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Set before Connect: the on-connect handler publishes through it.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// SetHandlers installs the inbound message handlers.
func (b *Bridge) SetHandlers(h Handlers) {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
}

// Start begins forwarding bus events.
func (b *Bridge) Start() {
	if b.bus != nil {
		b.unsub = b.bus.OnAll(b.handleEvent)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Execute hands req to the remote runner listening on <prefix>/runner/execute.
// It returns once the broker has acknowledged the message.
func (b *Bridge) Execute(ctx context.Context, req runner.Request) error {
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt execute: %w", runner.ErrRunnerMissing)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mqtt execute: %w", err)
	}
	token := b.client.Publish(b.prefix+"/runner/execute", 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt execute: %w", err)
	}
	return nil
}

func (b *Bridge) handleEvent(event events.Event) {
	b.publish(b.prefix+"/events/"+event.Type, mustJSON(event.Data), false)

	if event.Type == events.HeartbeatState {
		if st, ok := event.Data.(heartbeat.Status); ok {
			b.publish(b.prefix+"/heartbeat/"+st.ScriptID+"/state", []byte(st.State.String()), true)
		}
	}
}

func (b *Bridge) subscribe() {
	for _, topic := range []string{
		b.prefix + "/heartbeat/+/pulse",
		b.prefix + "/heartbeat/+/finished",
		b.prefix + "/runner/result",
	} {
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleMessage(msg.Topic(), msg.Payload())
		})
	}
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	b.mu.RLock()
	h := b.handlers
	b.mu.RUnlock()

	if topic == b.prefix+"/runner/result" {
		var res runner.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			b.logger.Warn("invalid runner result", "err", err)
			return
		}
		if h.Result != nil {
			h.Result(res)
		}
		return
	}

	scriptID, kind, ok := parseHeartbeatTopic(b.prefix, topic)
	if !ok {
		b.logger.Debug("ignoring message", "topic", topic)
		return
	}
	switch kind {
	case "pulse":
		if h.Pulse != nil {
			h.Pulse(scriptID)
		}
	case "finished":
		code, err := parseExitCode(payload)
		if err != nil {
			b.logger.Warn("invalid exit code", "script", scriptID, "payload", string(payload))
		}
		if h.Finished != nil {
			h.Finished(scriptID, code)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(stateTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func stateTopic(prefix string) string {
	return prefix + "/bridge/state"
}

// parseHeartbeatTopic splits <prefix>/heartbeat/<script>/<kind>.
func parseHeartbeatTopic(prefix, topic string) (scriptID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/heartbeat/")
	if !found {
		return "", "", false
	}
	scriptID, kind, found = strings.Cut(rest, "/")
	if !found || scriptID == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	if kind != "pulse" && kind != "finished" {
		return "", "", false
	}
	return scriptID, kind, true
}

// parseExitCode reads a finished payload. An empty or garbled payload
// counts as a failure with code -1.
func parseExitCode(payload []byte) (int, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return -1, fmt.Errorf("empty exit code")
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return -1, err
	}
	return code, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
