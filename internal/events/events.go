// Package events is the in-process pub/sub bus that fans store changes,
// run lifecycle and heartbeat transitions out to the websocket hub and
// the MQTT bridge.
package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	ScriptSaved       = "script_saved"
	ScriptDeleted     = "script_deleted"
	AutomationSaved   = "automation_saved"
	AutomationDeleted = "automation_deleted"
	LogAppended       = "log_appended"
	RunStarted        = "run_started"
	RunFinished       = "run_finished"
	HeartbeatState    = "heartbeat_state"
	Notification      = "notification"
)

// Event is a typed message on the bus. Data is JSON-serialisable.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for scriptd events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
// A nil Bus drops the event.
func (b *Bus) Emit(eventType string, data any) {
	if b == nil {
		return
	}
	event := Event{Type: eventType, Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.allHandlers))
	for _, h := range b.handlers[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
