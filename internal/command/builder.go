// Package command turns a stored script into the single shell invocation
// handed to the runner.
package command

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"scriptd/internal/store"
)

// InlineLimit is the code length from which scripts go through the bridge
// file instead of being inlined as base64.
const InlineLimit = 4000

// BridgeErrorCommand replaces the invocation when the bridge write fails.
const BridgeErrorCommand = "echo 'Error: Could not save script to device storage.'"

// SessionSentinel is printed before a kept-open session waits for a key.
const SessionSentinel = "[scriptd] finished, press enter to close"

const (
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

var extensions = map[string]string{
	"bash":    "sh",
	"sh":      "sh",
	"dash":    "sh",
	"ksh":     "sh",
	"zsh":     "zsh",
	"fish":    "fish",
	"python":  "py",
	"python3": "py",
	"node":    "js",
	"nodejs":  "js",
	"ruby":    "rb",
	"perl":    "pl",
	"php":     "php",
	"lua":     "lua",
}

// Bridge stores script bodies too large to inline.
type Bridge interface {
	// Write stores code for scriptID and returns the path the runner can
	// copy it from.
	Write(scriptID, code string) (string, error)
}

// Signaler renders the shell commands a heartbeat wrapper uses to report
// back.
type Signaler interface {
	Pulse(scriptID string) string
	// Finished reports the exit code held in the shell expression code,
	// e.g. "$code". The result must not contain single quotes.
	Finished(scriptID, code string) string
}

// Result is a built invocation.
type Result struct {
	Text           string `json:"text"`
	UsesBridgeFile bool   `json:"uses_bridge_file"`
}

// Builder builds runner invocations. A nil Bridge sends every script
// through the inline path regardless of size; a nil Signaler disables the
// heartbeat wrapper.
type Builder struct {
	AppDir   string // relative to $HOME, default ".scriptd"
	Bridge   Bridge
	Signaler Signaler
}

// Extension returns the file extension used for the script's temp file.
func Extension(s *store.Script) string {
	if s.FileExtension != "" {
		return strings.TrimPrefix(s.FileExtension, ".")
	}
	return extensions[strings.ToLower(Interpreter(s))]
}

// Interpreter returns the interpreter the script runs under.
func Interpreter(s *store.Script) string {
	if s.Interpreter == "" {
		return "bash"
	}
	return s.Interpreter
}

// HeartbeatTiming returns the effective timeout and pulse interval. An
// interval that would not fit inside the timeout is halved down from it.
func HeartbeatTiming(s *store.Script) (timeout, interval time.Duration) {
	timeout, interval = s.HeartbeatTimeout, s.HeartbeatInterval
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if interval >= timeout {
		interval = timeout / 2
	}
	if interval < time.Second {
		interval = time.Second
	}
	return timeout, interval
}

// Build never fails: a bridge error degrades to BridgeErrorCommand.
func (b *Builder) Build(s *store.Script, o store.RuntimeOverrides) Result {
	appDir := b.AppDir
	if appDir == "" {
		appDir = ".scriptd"
	}
	tmp := "~/" + appDir + "/script_" + safeID(s.ID)
	if ext := Extension(s); ext != "" {
		tmp += "." + ext
	}

	var stage string
	usesBridge := false
	if b.Bridge != nil && len(s.Code) >= InlineLimit {
		path, err := b.Bridge.Write(s.ID, s.Code)
		if err != nil {
			return Result{Text: BridgeErrorCommand}
		}
		stage = "cp -f " + quote(path) + " " + tmp
		usesBridge = true
	} else {
		enc := base64.StdEncoding.EncodeToString([]byte(s.Code))
		stage = "echo '" + enc + "' | base64 -d > " + tmp
	}

	run := strings.Join(SanitizeEnv(mergeEnv(s.Env, o.Env)), "; ")
	if run != "" {
		run += "; "
	}
	run += joinNonEmpty(mergePrefix(s.CommandPrefix, o), Interpreter(s), tmp, mergeArgs(s.ExecutionParams, o.Args))

	body := fmt.Sprintf("mkdir -p ~/%s && %s && { %s; }; __rc=$?; rm -f %s; (exit $__rc)", appDir, stage, run, tmp)

	if s.UseHeartbeat && b.Signaler != nil {
		body = b.wrapHeartbeat(s, body)
	}
	if s.KeepSessionOpen {
		body += "; echo " + quote(SessionSentinel) + "; read -r _; exec $SHELL"
	}
	return Result{Text: body, UsesBridgeFile: usesBridge}
}

// wrapHeartbeat runs body in the background, pulses while it lives and
// reports its exit code from an EXIT trap. The wrapper exits with the
// body's status.
func (b *Builder) wrapHeartbeat(s *store.Script, body string) string {
	_, interval := HeartbeatTiming(s)
	secs := int(interval / time.Second)

	pulse := b.Signaler.Pulse(s.ID)
	finished := b.Signaler.Finished(s.ID, "$code")

	return fmt.Sprintf(
		"( ( %s ) & pid=$!; ( while kill -0 $pid 2>/dev/null; do %s; sleep %d; done ) & hb=$!; "+
			"trap 'code=$?; kill $hb 2>/dev/null; %s' EXIT; wait $pid; exit $? )",
		body, pulse, secs, finished)
}

func mergePrefix(stored string, o store.RuntimeOverrides) string {
	if o.ReplacePrefix {
		return strings.TrimSpace(o.Prefix)
	}
	return strings.TrimSpace(stored + " " + o.Prefix)
}

func mergeArgs(stored, override string) string {
	return strings.TrimSpace(stored + " " + override)
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// safeID maps id onto characters that need no quoting in a path.
func safeID(id string) string {
	if id == "" {
		return "script"
	}
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
