// Package notify delivers user-facing notifications.
package notify

import (
	"context"
	"errors"
	"time"

	"scriptd/internal/events"
)

// Level classifies a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelFailure Level = "failure"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notification is one user-visible message.
type Notification struct {
	Level        Level     `json:"level"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	ScriptID     string    `json:"script_id,omitempty"`
	AutomationID string    `json:"automation_id,omitempty"`
	Time         time.Time `json:"time"`
}

// Text renders n as a single plain-text message.
func (n Notification) Text() string {
	if n.Message == "" {
		return n.Title
	}
	return n.Title + "\n" + n.Message
}

// Notifier is a notification sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every sink.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventSink publishes notifications on the event bus, which reaches
// websocket clients and MQTT.
type EventSink struct {
	Bus *events.Bus
}

func (e EventSink) Notify(_ context.Context, n Notification) error {
	e.Bus.Emit(events.Notification, n)
	return nil
}
