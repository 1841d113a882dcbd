package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"scriptd/internal/command"
	"scriptd/internal/schedule"
	"scriptd/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "scriptd",
		Short: "Run stored shell scripts on schedules with heartbeat supervision",
		Long: `scriptd stores shell scripts, launches them through a local or MQTT
runner, fires them from one-time, periodic, weekly and cron automations,
and restarts long-running scripts that stop sending heartbeats.

Examples:
  # Start the daemon
  scriptd serve --config /etc/scriptd/config.yaml

  # Show the next five runs of an automation
  scriptd preview 6f1c... --count 5

  # Print the command a script would run
  scriptd command 0b9e...`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the API server, scheduler and heartbeat supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	})

	var count int
	preview := &cobra.Command{
		Use:   "preview <automation-id>",
		Short: "List upcoming runs of an automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			return withStore(cfgPath, func(_ *Config, st *store.BoltStore) error {
				a, err := st.GetAutomation(args[0])
				if err != nil {
					return err
				}
				runs := schedule.NextRuns(schedule.SpecOf(a), time.Now(), count)
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no upcoming runs")
					return nil
				}
				for _, r := range runs {
					fmt.Fprintln(cmd.OutOrStdout(), r.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	preview.Flags().IntVarP(&count, "count", "n", 5, "number of runs to list")
	root.AddCommand(preview)

	root.AddCommand(&cobra.Command{
		Use:   "command <script-id>",
		Short: "Print the shell command a script would be launched with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfgPath, func(cfg *Config, st *store.BoltStore) error {
				s, err := st.GetScript(args[0])
				if err != nil {
					return err
				}
				b, err := newBuilder(cfg)
				if err != nil {
					return err
				}
				res := b.Build(s, store.RuntimeOverrides{})
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
				return nil
			})
		},
	})

	return root
}

// withStore opens the configured store for a one-shot command. The daemon
// holds the bolt lock, so this waits up to the store's open timeout.
func withStore(cfgPath string, fn func(*Config, *store.BoltStore) error) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	st, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

// newBuilder wires the command builder for the configured signal mode.
func newBuilder(cfg *Config) (*command.Builder, error) {
	b := &command.Builder{AppDir: cfg.Runner.AppDir}
	if cfg.Runner.BridgeDir != "" {
		fb, err := command.NewFileBridge(cfg.Runner.BridgeDir)
		if err != nil {
			return nil, fmt.Errorf("bridge dir: %w", err)
		}
		b.Bridge = fb
	}
	switch cfg.Signal.Mode {
	case "mqtt":
		host, port := brokerHostPort(cfg.MQTT.Broker)
		b.Signaler = command.MQTTSignaler{Host: host, Port: port, Prefix: cfg.MQTT.TopicPrefix}
	default:
		sig := command.HTTPSignaler{BaseURL: cfg.Signal.BaseURL}
		if cfg.Web.APIKey != "" {
			sig.KeyEnv = command.APIKeyEnv
		}
		b.Signaler = sig
	}
	return b, nil
}
