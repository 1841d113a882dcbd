package gate

import (
	"context"
	"fmt"
	"log/slog"

	"scriptd/internal/clock"
	"scriptd/internal/store"
)

// Gate evaluates an automation's device conditions.
type Gate struct {
	probe  Probe
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a gate reading device state from probe.
func New(probe Probe, c clock.Clock, logger *slog.Logger) *Gate {
	if c == nil {
		c = clock.Real()
	}
	return &Gate{probe: probe, clock: c, logger: logger.With("component", "gate")}
}

// Allow reports whether a may run now, and why not when it may not.
func (g *Gate) Allow(ctx context.Context, a *store.Automation) (bool, string) {
	if !a.RequireNetwork && !a.RequireCharging && a.MinBatteryPercent <= 0 && a.Condition == "" {
		return true, ""
	}

	st, err := g.probe.State(ctx)
	if err != nil {
		g.logger.Warn("device probe", "err", err)
		return false, "device state unavailable: " + err.Error()
	}

	switch {
	case a.RequireNetwork && !st.Online:
		return false, "no network"
	case a.RequireCharging && !st.Charging:
		return false, "not charging"
	case a.MinBatteryPercent > 0 && st.Battery < a.MinBatteryPercent:
		return false, fmt.Sprintf("battery %d%% below %d%%", st.Battery, a.MinBatteryPercent)
	}

	if a.Condition != "" {
		ok, err := evalCondition(ctx, a.Condition, st, g.clock.Now(), g.logger)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, "condition false"
		}
	}
	return true, ""
}

// State exposes the probe for status endpoints.
func (g *Gate) State(ctx context.Context) (DeviceState, error) {
	return g.probe.State(ctx)
}
