// Package result records how a run ended and tells the user.
package result

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"scriptd/internal/clock"
	"scriptd/internal/events"
	"scriptd/internal/notify"
	"scriptd/internal/store"
)

const maxMessage = 500

// Outcome is the terminal state of one run. An empty AutomationID marks a
// manual run. InternalError is set when the script never ran.
type Outcome struct {
	AutomationID  string `json:"automation_id,omitempty"`
	ScriptID      string `json:"script_id"`
	ScriptName    string `json:"script_name"`
	ExitCode      int    `json:"exit_code"`
	InternalError string `json:"internal_error,omitempty"`
	Output        string `json:"output,omitempty"`
}

// Retention bounds the run log per automation. Zero values disable a bound.
type Retention struct {
	MaxAge           time.Duration
	MaxPerAutomation int
}

// Option configures a Processor.
type Option func(*Processor)

func WithClock(c clock.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

func WithEvents(bus *events.Bus) Option {
	return func(p *Processor) { p.bus = bus }
}

func WithRetention(r Retention) Option {
	return func(p *Processor) { p.retention = r }
}

// Processor consumes run outcomes.
type Processor struct {
	store     store.Store
	notifier  notify.Notifier
	logger    *slog.Logger
	clock     clock.Clock
	bus       *events.Bus
	retention Retention
}

// NewProcessor creates a processor. notifier may be nil.
func NewProcessor(st store.Store, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "result"),
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute records o against its automation, if any, and notifies the user.
// The notification is sent even when recording fails.
func (p *Processor) Execute(ctx context.Context, o Outcome) error {
	var err error
	if o.AutomationID != "" {
		err = p.record(o)
		if err != nil {
			p.logger.Error("record outcome", "automation", o.AutomationID, "err", err)
		}
	}

	p.bus.Emit(events.RunFinished, o)

	if p.notifier != nil {
		if nerr := p.notifier.Notify(ctx, Notification(o, p.clock.Now())); nerr != nil {
			p.logger.Warn("notify", "script", o.ScriptID, "err", nerr)
		}
	}
	return err
}

func (p *Processor) record(o Outcome) error {
	now := p.clock.Now()
	code := o.ExitCode

	err := p.store.UpdateAutomation(o.AutomationID, func(a *store.Automation) error {
		a.LastRunAt = &now
		a.LastExitCode = &code
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		// Deleted while running; keep no orphan log.
		p.logger.Warn("outcome for unknown automation", "automation", o.AutomationID)
		return nil
	}

	if err := p.store.AppendLog(&store.AutomationLog{
		AutomationID: o.AutomationID,
		Timestamp:    now,
		ExitCode:     code,
		Message:      logMessage(o),
	}); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	if p.retention.MaxAge > 0 || p.retention.MaxPerAutomation > 0 {
		var cutoff time.Time
		if p.retention.MaxAge > 0 {
			cutoff = now.Add(-p.retention.MaxAge)
		}
		n, err := p.store.PruneLogs(o.AutomationID, cutoff, p.retention.MaxPerAutomation)
		if err != nil {
			return fmt.Errorf("prune logs: %w", err)
		}
		if n > 0 {
			p.logger.Debug("pruned run log", "automation", o.AutomationID, "removed", n)
		}
	}
	return nil
}

// Notification renders the user-facing message for o.
func Notification(o Outcome, now time.Time) notify.Notification {
	name := o.ScriptName
	if name == "" {
		name = o.ScriptID
	}
	n := notify.Notification{
		ScriptID:     o.ScriptID,
		AutomationID: o.AutomationID,
		Time:         now,
	}
	switch {
	case o.InternalError != "":
		n.Level = notify.LevelError
		n.Title = name + " could not run"
		n.Message = o.InternalError
	case o.ExitCode == 0:
		n.Level = notify.LevelSuccess
		n.Title = name + " finished"
	default:
		n.Level = notify.LevelFailure
		n.Title = name + " failed"
		n.Message = fmt.Sprintf("exit code %d", o.ExitCode)
	}
	return n
}

func logMessage(o Outcome) string {
	msg := o.InternalError
	if msg == "" {
		msg = lastLine(o.Output)
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	return msg
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
