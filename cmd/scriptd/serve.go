package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptd/internal/automation"
	"scriptd/internal/clock"
	"scriptd/internal/command"
	"scriptd/internal/events"
	"scriptd/internal/gate"
	"scriptd/internal/notify"
	"scriptd/internal/result"
	"scriptd/internal/runner"
	"scriptd/internal/store"
	"scriptd/internal/web"
)

func serve(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("scriptd starting", "version", version)

	bus := events.NewBus(logger)

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithEvents(bus))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	shell := cfg.Runner.Shell
	if shell == "" {
		candidates := cfg.Runner.ShellCandidates
		if len(candidates) == 0 {
			candidates = runner.DefaultShellCandidates
		}
		if shell, err = runner.ResolveShell(candidates); err != nil {
			return err
		}
	}
	logger.Info("using shell", "path", shell)

	builder, err := newBuilder(cfg)
	if err != nil {
		return err
	}

	sinks := notify.Multi{notify.EventSink{Bus: bus}}
	var telegram *notify.Telegram
	if cfg.Telegram.BotToken != "" && len(cfg.Telegram.ChatIDs) > 0 {
		telegram = notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
		}, logger)
		sinks = append(sinks, telegram)
	}

	processor := result.NewProcessor(db, sinks, logger,
		result.WithEvents(bus),
		result.WithRetention(result.Retention{
			MaxAge:           cfg.retentionAge,
			MaxPerAutomation: cfg.Retention.MaxPerAutomation,
		}),
	)

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mq, err := initMQTT(bus, cfg, logger)
	if err != nil {
		return err
	}
	defer mq.Stop()

	var (
		run   runner.Runner
		local *runner.Local
	)
	switch cfg.Runner.Type {
	case "mqtt":
		if run = mq.Runner(); run == nil {
			return fmt.Errorf("runner.type mqtt: mqtt bridge unavailable")
		}
	default:
		allow := cfg.Runner.Allowlist
		if len(allow) == 0 {
			allow = []string{shell}
		}
		local = runner.NewLocal(runner.LocalConfig{
			Allowlist:       allow,
			Timeout:         cfg.runnerTimeout,
			AllowBackground: cfg.Runner.AllowBackground,
			Env:             runnerEnv(cfg),
		}, logger, nil)
		defer local.Close()
		run = local
	}
	if cfg.Signal.Mode == "mqtt" && !mq.Available() {
		return fmt.Errorf("signal.mode mqtt: mqtt bridge unavailable")
	}

	deviceGate := gate.New(gate.SysfsProbe{}, clock.Real(), logger)

	deps := automation.Deps{
		Store:     db,
		Runner:    run,
		Builder:   builder,
		Processor: processor,
		Notifier:  sinks,
		Gate:      deviceGate,
		Bus:       bus,
	}
	if r, ok := builder.Bridge.(automation.Remover); ok {
		deps.Bridge = r
	}
	engine := automation.NewEngine(deps, automation.Config{
		Shell:          shell,
		HeartbeatCheck: cfg.heartbeatCheck,
	}, logger)
	if local != nil {
		local.SetHandler(engine.HandleResult)
	}
	mq.Bind(engine)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start engine: %w", err)
	}
	cancel()

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithEvents(bus),
		web.WithDeviceProbe(deviceGate),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(engine, db, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	var runErr error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case runErr = <-serveErr:
		logger.Error("http server", "err", runErr)
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	engine.Stop()
	webServer.Stop()
	if telegram != nil {
		telegram.Wait()
	}

	logger.Info("goodbye")
	return runErr
}

// runnerEnv hands the API key to local scripts so heartbeat wrappers can
// authenticate without the key being written into the command.
func runnerEnv(cfg *Config) []string {
	if cfg.Web.APIKey == "" {
		return nil
	}
	return []string{command.APIKeyEnv + "=" + cfg.Web.APIKey}
}
