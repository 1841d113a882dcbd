package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Runner struct {
		Type            string   `yaml:"type"` // "local" or "mqtt"
		Shell           string   `yaml:"shell"`
		ShellCandidates []string `yaml:"shell_candidates"`
		Allowlist       []string `yaml:"allowlist"`
		Timeout         string   `yaml:"timeout"`
		AllowBackground bool     `yaml:"allow_background"`
		AppDir          string   `yaml:"app_dir"`
		BridgeDir       string   `yaml:"bridge_dir"`
	} `yaml:"runner"`
	Signal struct {
		Mode    string `yaml:"mode"` // "http" or "mqtt"
		BaseURL string `yaml:"base_url"`
	} `yaml:"signal"`
	Heartbeat struct {
		CheckInterval string `yaml:"check_interval"`
	} `yaml:"heartbeat"`
	Retention struct {
		MaxAge           string `yaml:"max_age"`
		MaxPerAutomation int    `yaml:"max_per_automation"`
	} `yaml:"retention"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`

	// Parsed durations, filled by validate.
	runnerTimeout  time.Duration
	heartbeatCheck time.Duration
	retentionAge   time.Duration
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "scriptd.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Runner.Type == "" {
		cfg.Runner.Type = "local"
	}
	if cfg.Runner.Timeout == "" {
		cfg.Runner.Timeout = "1h"
	}
	if cfg.Runner.AppDir == "" {
		cfg.Runner.AppDir = ".scriptd"
	}
	if cfg.Runner.BridgeDir == "" {
		// Next to the database, absolute so the runner's cwd does not matter.
		dir := filepath.Join(filepath.Dir(cfg.Store.Path), "bridge")
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		cfg.Runner.BridgeDir = dir
	}
	if cfg.Signal.Mode == "" {
		cfg.Signal.Mode = "http"
	}
	if cfg.Signal.BaseURL == "" {
		cfg.Signal.BaseURL = "http://" + cfg.Web.Listen
	}
	if cfg.Heartbeat.CheckInterval == "" {
		cfg.Heartbeat.CheckInterval = "10s"
	}
	if cfg.Retention.MaxAge == "" {
		cfg.Retention.MaxAge = "720h"
	}
	if cfg.Retention.MaxPerAutomation == 0 {
		cfg.Retention.MaxPerAutomation = 200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "scriptd"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Runner.Type {
	case "local":
	case "mqtt":
		if !c.MQTT.Enabled {
			return fmt.Errorf("runner.type mqtt requires mqtt.enabled")
		}
	default:
		return fmt.Errorf("runner.type must be local or mqtt, got %q", c.Runner.Type)
	}
	switch c.Signal.Mode {
	case "http":
		if _, err := url.ParseRequestURI(c.Signal.BaseURL); err != nil {
			return fmt.Errorf("signal.base_url: %w", err)
		}
		if strings.ContainsAny(c.Signal.BaseURL, `'"`+"`$\\") {
			return fmt.Errorf("signal.base_url must not contain shell quoting characters")
		}
	case "mqtt":
		if !c.MQTT.Enabled {
			return fmt.Errorf("signal.mode mqtt requires mqtt.enabled")
		}
	default:
		return fmt.Errorf("signal.mode must be http or mqtt, got %q", c.Signal.Mode)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Runner.Shell != "" && !strings.HasPrefix(c.Runner.Shell, "/") {
		return fmt.Errorf("runner.shell must be an absolute path")
	}
	if c.Retention.MaxPerAutomation < 0 {
		return fmt.Errorf("retention.max_per_automation must not be negative")
	}

	var err error
	if c.runnerTimeout, err = parseDuration("runner.timeout", c.Runner.Timeout); err != nil {
		return err
	}
	if c.heartbeatCheck, err = parseDuration("heartbeat.check_interval", c.Heartbeat.CheckInterval); err != nil {
		return err
	}
	if c.heartbeatCheck < time.Second {
		return fmt.Errorf("heartbeat.check_interval must be at least 1s")
	}
	if c.retentionAge, err = parseDuration("retention.max_age", c.Retention.MaxAge); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// brokerHostPort splits a broker URL such as tcp://host:1883 for the
// mosquitto_pub heartbeat wrapper.
func brokerHostPort(broker string) (string, int) {
	u, err := url.Parse(broker)
	if err != nil || u.Host == "" {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
