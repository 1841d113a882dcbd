package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Scripts
	SaveScript(s *Script) error
	GetScript(id string) (*Script, error)
	DeleteScript(id string) error
	ListScripts() ([]*Script, error)

	// Automations
	SaveAutomation(a *Automation) error
	GetAutomation(id string) (*Automation, error)
	DeleteAutomation(id string) error
	ListAutomations() ([]*Automation, error)
	ListEnabledAutomations() ([]*Automation, error)
	ListAutomationsForScript(scriptID string) ([]*Automation, error)

	// UpdateAutomation atomically reads, modifies, and saves an automation
	// in a single transaction. Returns ErrNotFound if it does not exist.
	// An error returned by fn aborts the update and is passed through.
	UpdateAutomation(id string, fn func(a *Automation) error) error

	// Run log
	AppendLog(l *AutomationLog) error
	// ListLogs returns the newest limit entries, oldest first.
	ListLogs(automationID string, limit int) ([]*AutomationLog, error)
	// PruneLogs drops entries older than cutoff (zero = no age limit) and
	// keeps at most keep entries (<= 0 = no count limit). Returns the
	// number of removed entries.
	PruneLogs(automationID string, cutoff time.Time, keep int) (int, error)

	// Close the store
	Close() error
}
