// Package heartbeat watches long-running scripts for liveness pulses and
// restarts them a bounded number of times when the pulses stop.
package heartbeat

import "fmt"

// SignalKind tags a Signal.
type SignalKind int

const (
	KindPulse SignalKind = iota
	KindFinished
	KindStop
)

func (k SignalKind) String() string {
	switch k {
	case KindPulse:
		return "pulse"
	case KindFinished:
		return "finished"
	case KindStop:
		return "stop"
	}
	return fmt.Sprintf("SignalKind(%d)", int(k))
}

// Signal is a message for a watched session. ExitCode is only meaningful
// for KindFinished.
type Signal struct {
	Kind     SignalKind
	ExitCode int
}

// Pulse reports that the script is alive.
func Pulse() Signal { return Signal{Kind: KindPulse} }

// Finished reports that the script exited with code.
func Finished(code int) Signal { return Signal{Kind: KindFinished, ExitCode: code} }

// Stop ends supervision at the user's request.
func Stop() Signal { return Signal{Kind: KindStop} }

// State of a session.
type State int

const (
	Idle State = iota
	Watching
	Restarting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Restarting:
		return "restarting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Watching, Restarting, Failed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown heartbeat state %q", b)
}
