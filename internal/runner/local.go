package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const maxOutput = 64 << 10

// LocalConfig configures a Local runner.
type LocalConfig struct {
	Allowlist       []string      // absolute shell paths that may be executed
	Timeout         time.Duration // per command, 0 means no limit
	AllowBackground bool
	Env             []string // KEY=VALUE pairs added to the daemon's environment
}

// Local runs commands as child processes of the daemon.
type Local struct {
	cfg     LocalConfig
	logger  *slog.Logger
	handler ResultHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal creates a local runner. handler may be nil.
func NewLocal(cfg LocalConfig, logger *slog.Logger, handler ResultHandler) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		cfg:     cfg,
		logger:  logger.With("component", "runner"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler replaces the result handler. Call before the first Execute.
func (l *Local) SetHandler(h ResultHandler) { l.handler = h }

// Execute starts the command and returns. The process outlives ctx; it is
// bounded by the configured timeout and by Close.
func (l *Local) Execute(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !filepath.IsAbs(req.Path) {
		l.logger.Warn("exec blocked: not an absolute path", "cmd", req.Path)
		return fmt.Errorf("%s: %w", req.Path, ErrPermissionDenied)
	}
	if !l.allowed(req.Path) {
		l.logger.Warn("exec blocked: not in allowlist", "cmd", req.Path)
		return fmt.Errorf("%s: %w", req.Path, ErrPermissionDenied)
	}
	if _, err := os.Stat(req.Path); err != nil {
		return fmt.Errorf("%s: %w", req.Path, ErrRunnerMissing)
	}
	if req.Background && !l.cfg.AllowBackground {
		return ErrBackgroundRestricted
	}

	runCtx, cancel := l.ctx, context.CancelFunc(func() {})
	if l.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(l.ctx, l.cfg.Timeout)
	}

	cmd := exec.CommandContext(runCtx, req.Path, req.Args...)
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), l.cfg.Env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("start %s: %w", req.Path, ErrPermissionDenied)
		}
		return fmt.Errorf("start %s: %w", req.Path, err)
	}
	l.logger.Debug("command started", "script", req.ScriptID, "pid", cmd.Process.Pid, "session", req.SessionAction)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		err := cmd.Wait()
		res := Result{ScriptID: req.ScriptID, AutomationID: req.AutomationID}

		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case runCtx.Err() == context.DeadlineExceeded:
			l.logger.Warn("exec timeout", "script", req.ScriptID, "timeout", l.cfg.Timeout)
			res.ExitCode = -1
			res.Error = fmt.Sprintf("timed out after %s", l.cfg.Timeout)
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			res.Error = err.Error()
		}

		output := out.Bytes()
		if len(output) > maxOutput {
			output = output[len(output)-maxOutput:]
		}
		res.Output = string(output)

		l.logger.Debug("command exited", "script", req.ScriptID, "code", res.ExitCode)
		if req.Reply && l.handler != nil {
			l.handler(res)
		}
	}()
	return nil
}

// Close kills running commands and waits for their callbacks.
func (l *Local) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Local) allowed(path string) bool {
	for _, a := range l.cfg.Allowlist {
		if a == path {
			return true
		}
	}
	return false
}
