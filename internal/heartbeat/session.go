package heartbeat

import (
	"sync"
	"time"
)

// MaxRestarts bounds automatic restarts per session.
const MaxRestarts = 3

// Config describes what a session watches.
type Config struct {
	ScriptID      string
	ScriptName    string
	Timeout       time.Duration
	CheckInterval time.Duration
	MaxRestarts   int // 0 means MaxRestarts
}

// Status is a snapshot of a session.
type Status struct {
	ScriptID   string        `json:"script_id"`
	ScriptName string        `json:"script_name"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	LastPulse  time.Time     `json:"last_pulse"`
	Timeout    time.Duration `json:"timeout"`
	Restarts   int           `json:"restarts"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Stopped    bool          `json:"stopped,omitempty"`
}

type action int

const (
	actNone action = iota
	actRestart
	actFail
)

// Session is one watched run. Its state is only mutated by the
// supervisor goroutine that owns it; mu guards snapshots.
type Session struct {
	cfg     Config
	signals chan Signal
	pulses  chan struct{} // coalesced; holds at most one pending pulse
	done    chan struct{}

	mu     sync.Mutex
	status Status
}

func newSession(cfg Config, now time.Time) *Session {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = MaxRestarts
	}
	return &Session{
		cfg:     cfg,
		signals: make(chan Signal),
		pulses:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		status: Status{
			ScriptID:   cfg.ScriptID,
			ScriptName: cfg.ScriptName,
			State:      Watching,
			StartedAt:  now,
			LastPulse:  now,
			Timeout:    cfg.Timeout,
		},
	}
}

// Status returns a snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ended() bool {
	return s.status.State == Idle || s.status.State == Failed
}

// handle applies sig and reports whether the session ended. Signals to an
// ended session are ignored.
func (s *Session) handle(sig Signal, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended() {
		return true
	}

	switch sig.Kind {
	case KindPulse:
		s.status.LastPulse = now
		return false
	case KindFinished:
		code := sig.ExitCode
		s.status.ExitCode = &code
		s.status.State = Idle
	case KindStop:
		s.status.Stopped = true
		s.status.State = Idle
	}
	return true
}

// check compares the time since the last pulse with the timeout. On a
// timeout it moves through Restarting to either Watching (restart
// granted, counters updated) or Failed.
func (s *Session) check(now time.Time) action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended() {
		return actNone
	}
	if now.Sub(s.status.LastPulse) <= s.cfg.Timeout {
		return actNone
	}

	s.status.State = Restarting
	if s.status.Restarts >= s.cfg.MaxRestarts {
		s.status.State = Failed
		return actFail
	}
	s.status.Restarts++
	s.status.LastPulse = now
	s.status.State = Watching
	return actRestart
}
