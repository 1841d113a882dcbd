package store

import "time"

// Script is a stored shell snippet and the flags that shape how it is
// launched.
type Script struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Code            string            `json:"code"`
	Interpreter     string            `json:"interpreter,omitempty"`
	FileExtension   string            `json:"file_extension,omitempty"`
	CommandPrefix   string            `json:"command_prefix,omitempty"`
	ExecutionParams string            `json:"execution_params,omitempty"`
	Env             map[string]string `json:"env,omitempty"`

	RunInBackground bool `json:"run_in_background"`
	OpenSession     bool `json:"open_session"`
	KeepSessionOpen bool `json:"keep_session_open"`
	UseHeartbeat    bool `json:"use_heartbeat"`
	NotifyOnResult  bool `json:"notify_on_result"`

	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`

	IconRef    string `json:"icon_ref,omitempty"`
	CategoryID string `json:"category_id,omitempty"`

	// Presets offered when the script is launched with alternate
	// runtime parameters. Order is user-defined.
	ArgPresets    []string `json:"arg_presets,omitempty"`
	PrefixPresets []string `json:"prefix_presets,omitempty"`
	EnvPresetKeys []string `json:"env_preset_keys,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuntimeOverrides are parameters supplied at invocation time. Args and
// Prefix are appended to the stored values unless ReplacePrefix asks for
// the stored prefix to be dropped. Env entries win over stored ones.
type RuntimeOverrides struct {
	Args          string            `json:"args,omitempty"`
	Prefix        string            `json:"prefix,omitempty"`
	ReplacePrefix bool              `json:"replace_prefix,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// IsZero reports whether no override is set.
func (o RuntimeOverrides) IsZero() bool {
	return o.Args == "" && o.Prefix == "" && !o.ReplacePrefix && len(o.Env) == 0
}

// OverridesFromPresets picks argument and prefix presets by index.
// A negative or out-of-range index leaves that field empty. Every
// env preset key is carried over with its current value from the
// script's env map.
func OverridesFromPresets(s *Script, argIdx, prefixIdx int) RuntimeOverrides {
	var o RuntimeOverrides
	if argIdx >= 0 && argIdx < len(s.ArgPresets) {
		o.Args = s.ArgPresets[argIdx]
	}
	if prefixIdx >= 0 && prefixIdx < len(s.PrefixPresets) {
		o.Prefix = s.PrefixPresets[prefixIdx]
		o.ReplacePrefix = true
	}
	for _, k := range s.EnvPresetKeys {
		if v, ok := s.Env[k]; ok {
			if o.Env == nil {
				o.Env = make(map[string]string)
			}
			o.Env[k] = v
		}
	}
	return o
}

// Kind is the recurrence rule of an automation.
type Kind string

const (
	KindOneTime  Kind = "one_time"
	KindPeriodic Kind = "periodic"
	KindWeekly   Kind = "weekly"
	KindCron     Kind = "cron"
)

// Valid reports whether k is a known recurrence kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOneTime, KindPeriodic, KindWeekly, KindCron:
		return true
	}
	return false
}

// Automation binds a script to a recurrence rule and device gates.
type Automation struct {
	ID       string `json:"id"`
	ScriptID string `json:"script_id"`
	Label    string `json:"label"`

	Kind        Kind          `json:"kind"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Interval    time.Duration `json:"interval,omitempty"`
	Weekdays    []int         `json:"weekdays,omitempty"` // 1..7, Sunday = 1
	CronExpr    string        `json:"cron_expr,omitempty"`
	TZ          string        `json:"tz,omitempty"`

	Enabled     bool `json:"enabled"`
	RunIfMissed bool `json:"run_if_missed"`

	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`

	RequireNetwork    bool   `json:"require_network"`
	RequireCharging   bool   `json:"require_charging"`
	MinBatteryPercent int    `json:"min_battery_percent,omitempty"`
	Condition         string `json:"condition,omitempty"` // Lua expression

	Overrides RuntimeOverrides `json:"overrides"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutomationLog records one completed automation run.
type AutomationLog struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id"`
	Timestamp    time.Time `json:"timestamp"`
	ExitCode     int       `json:"exit_code"`
	Message      string    `json:"message,omitempty"`
}
