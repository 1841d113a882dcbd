package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"scriptd/internal/clock"
)

// DefaultCheckInterval is used when a session has none configured.
const DefaultCheckInterval = 10 * time.Second

// RestartTimeout bounds one relaunch attempt.
const RestartTimeout = 30 * time.Second

// RestartFunc relaunches the watched script. attempt starts at 1.
type RestartFunc func(ctx context.Context, attempt int) error

// Listener observes session transitions.
type Listener func(Status)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithListener registers a transition observer. It is called from
// session goroutines and must not block.
func WithListener(l Listener) Option {
	return func(s *Supervisor) { s.listeners = append(s.listeners, l) }
}

// Supervisor keeps one session per script id.
type Supervisor struct {
	clock     clock.Clock
	logger    *slog.Logger
	listeners []Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSupervisor creates a supervisor.
func NewSupervisor(logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		clock:    clock.Real(),
		logger:   logger.With("component", "heartbeat"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Watch starts supervising a run, replacing any session for the same
// script.
func (sv *Supervisor) Watch(cfg Config, restart RestartFunc) *Session {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	sess := newSession(cfg, sv.clock.Now())

	sv.mu.Lock()
	old := sv.sessions[cfg.ScriptID]
	sv.sessions[cfg.ScriptID] = sess
	sv.mu.Unlock()

	if old != nil {
		sv.deliver(old, Stop())
	}

	ticker := sv.clock.NewTicker(cfg.CheckInterval)
	sv.wg.Add(1)
	go sv.run(sess, ticker, restart)

	sv.logger.Info("watching", "script", cfg.ScriptID, "timeout", cfg.Timeout, "check", cfg.CheckInterval)
	sv.publish(sess.Status())
	return sess
}

// Pulse records a liveness pulse. It reports whether a session took it.
func (sv *Supervisor) Pulse(scriptID string) bool {
	return sv.Signal(scriptID, Pulse())
}

// Finish ends the session with the script's exit code. Repeated calls are
// ignored.
func (sv *Supervisor) Finish(scriptID string, code int) bool {
	return sv.Signal(scriptID, Finished(code))
}

// Stop ends supervision without a notification.
func (sv *Supervisor) Stop(scriptID string) bool {
	return sv.Signal(scriptID, Stop())
}

// Signal delivers sig to the live session for scriptID. Signals without a
// live session are dropped.
func (sv *Supervisor) Signal(scriptID string, sig Signal) bool {
	sv.mu.Lock()
	sess := sv.sessions[scriptID]
	sv.mu.Unlock()
	if sess == nil {
		sv.logger.Debug("signal ignored", "script", scriptID, "signal", sig.Kind)
		return false
	}
	return sv.deliver(sess, sig)
}

func (sv *Supervisor) deliver(sess *Session, sig Signal) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	if sig.Kind == KindPulse {
		// A pending pulse is stamped when the loop takes it, which is no
		// earlier than now.
		select {
		case sess.pulses <- struct{}{}:
		default:
		}
		return true
	}
	select {
	case sess.signals <- sig:
		return true
	case <-sess.done:
		return false
	}
}

// Status returns the live session for scriptID.
func (sv *Supervisor) Status(scriptID string) (Status, bool) {
	sv.mu.Lock()
	sess := sv.sessions[scriptID]
	sv.mu.Unlock()
	if sess == nil {
		return Status{}, false
	}
	return sess.Status(), true
}

// List returns all live sessions ordered by script id.
func (sv *Supervisor) List() []Status {
	sv.mu.Lock()
	list := make([]Status, 0, len(sv.sessions))
	for _, sess := range sv.sessions {
		list = append(list, sess.Status())
	}
	sv.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ScriptID < list[j].ScriptID })
	return list
}

// Shutdown ends every session loop and waits for them.
func (sv *Supervisor) Shutdown() {
	sv.cancel()
	sv.wg.Wait()
}

// run is the single decision point for a session: every signal and every
// check tick is applied here, in order.
func (sv *Supervisor) run(sess *Session, ticker *clock.Ticker, restart RestartFunc) {
	defer sv.wg.Done()
	defer ticker.Stop()
	defer close(sess.done)
	defer sv.remove(sess)

	for {
		select {
		case <-sess.pulses:
			sess.handle(Pulse(), sv.clock.Now())
		case sig := <-sess.signals:
			if sess.handle(sig, sv.clock.Now()) {
				st := sess.Status()
				sv.logger.Info("session ended", "script", st.ScriptID, "signal", sig.Kind, "restarts", st.Restarts)
				sv.publish(st)
				return
			}
		case <-ticker.C:
			switch sess.check(sv.clock.Now()) {
			case actRestart:
				st := sess.Status()
				sv.logger.Warn("heartbeat timeout, restarting", "script", st.ScriptID, "attempt", st.Restarts)
				sv.publish(st)
				sv.wg.Add(1)
				go sv.relaunch(st, restart)
			case actFail:
				st := sess.Status()
				sv.logger.Error("heartbeat lost, giving up", "script", st.ScriptID, "restarts", st.Restarts)
				sv.publish(st)
				return
			}
		case <-sv.ctx.Done():
			return
		}
	}
}

// relaunch runs off the session loop so signals keep flowing while a
// runner is slow to accept the request.
func (sv *Supervisor) relaunch(st Status, restart RestartFunc) {
	defer sv.wg.Done()
	ctx, cancel := context.WithTimeout(sv.ctx, RestartTimeout)
	defer cancel()
	if err := restart(ctx, st.Restarts); err != nil {
		sv.logger.Error("restart failed", "script", st.ScriptID, "attempt", st.Restarts, "err", err)
	}
}

func (sv *Supervisor) remove(sess *Session) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.sessions[sess.cfg.ScriptID] == sess {
		delete(sv.sessions, sess.cfg.ScriptID)
	}
}

func (sv *Supervisor) publish(st Status) {
	for _, l := range sv.listeners {
		l(st)
	}
}
