// Package runner talks to the command-execution environment that actually
// runs generated shell commands.
package runner

import (
	"context"
	"errors"
)

// Environment errors. Callers decide how to remediate them.
var (
	ErrRunnerMissing        = errors.New("runner not installed")
	ErrPermissionDenied     = errors.New("runner permission denied")
	ErrBackgroundRestricted = errors.New("background execution restricted")
)

// Session actions.
const (
	SessionNone = "none"
	SessionOpen = "open"
)

// Request is one command for the runner. Args is always {"-c", text}.
type Request struct {
	ScriptID      string   `json:"script_id"`
	AutomationID  string   `json:"automation_id,omitempty"`
	Path          string   `json:"path"`
	Args          []string `json:"args"`
	Background    bool     `json:"background"`
	SessionAction string   `json:"session_action"`
	// Reply asks for a Result once the command exits.
	Reply bool `json:"reply"`
}

// Result is the terminal callback for a Request with Reply set.
type Result struct {
	ScriptID     string `json:"script_id"`
	AutomationID string `json:"automation_id,omitempty"`
	ExitCode     int    `json:"exit_code"`
	Error        string `json:"error,omitempty"`
	Output       string `json:"output,omitempty"`
}

// Runner accepts commands. Execute returns once the command has been
// handed over; it never waits for the command to finish.
type Runner interface {
	Execute(ctx context.Context, req Request) error
}

// ResultHandler receives terminal callbacks.
type ResultHandler func(Result)

// NewRequest builds the request for a shell invocation.
func NewRequest(shell, text string) Request {
	return Request{
		Path:          shell,
		Args:          []string{"-c", text},
		SessionAction: SessionNone,
	}
}
