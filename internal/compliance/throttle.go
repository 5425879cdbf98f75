// Package compliance enforces per-action policy: rate limits, quiet
// hours, burst control, progressive ramp-up, and the human-approval
// lifecycle for sensitive actions.
package compliance

import "time"

// QuietHours blocks sensitive actions inside a daily time window.
// Start and End are "HH:MM" wall-clock times in Timezone. A window
// whose start is later than its end spans midnight.
type QuietHours struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// ProgressiveRamp grows the allowed daily cap over successive days of
// operation, up to MaxCap.
type ProgressiveRamp struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	StartCap   int  `json:"start_cap" yaml:"start_cap"`
	RampPerDay int  `json:"ramp_per_day" yaml:"ramp_per_day"`
	MaxCap     int  `json:"max_cap" yaml:"max_cap"`
}

// BurstControl caps actions within a short rolling window, independent
// of the hourly and daily caps.
type BurstControl struct {
	MaxActionsPerBurst int `json:"max_actions_per_burst" yaml:"max_actions_per_burst"`
	BurstWindowMs      int `json:"burst_window_ms" yaml:"burst_window_ms"`
	CooldownMs         int `json:"cooldown_ms" yaml:"cooldown_ms"`
}

// BurstWindow returns the rolling window duration.
func (b BurstControl) BurstWindow() time.Duration {
	return time.Duration(b.BurstWindowMs) * time.Millisecond
}

// Cooldown returns the lockout duration after a burst trip.
func (b BurstControl) Cooldown() time.Duration {
	return time.Duration(b.CooldownMs) * time.Millisecond
}

// ThrottleConfig holds all pacing limits for one gate.
type ThrottleConfig struct {
	PerHourCap int `json:"per_hour_cap" yaml:"per_hour_cap"`
	PerDayCap  int `json:"per_day_cap" yaml:"per_day_cap"`

	// Inter-action delay bounds used by campaign pacing.
	MinDelayMs int `json:"min_delay_ms" yaml:"min_delay_ms"`
	MaxDelayMs int `json:"max_delay_ms" yaml:"max_delay_ms"`

	QuietHours      QuietHours      `json:"quiet_hours" yaml:"quiet_hours"`
	ProgressiveRamp ProgressiveRamp `json:"progressive_ramp" yaml:"progressive_ramp"`
	BurstControl    BurstControl    `json:"burst_control" yaml:"burst_control"`
}

// DefaultThrottleConfig returns conservative defaults.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		PerHourCap: 20,
		PerDayCap:  100,
		MinDelayMs: 3000,
		MaxDelayMs: 12000,
		QuietHours: QuietHours{
			Enabled:  true,
			Start:    "22:00",
			End:      "06:00",
			Timezone: "UTC",
		},
		ProgressiveRamp: ProgressiveRamp{
			Enabled:    true,
			StartCap:   10,
			RampPerDay: 5,
			MaxCap:     100,
		},
		BurstControl: BurstControl{
			MaxActionsPerBurst: 5,
			BurstWindowMs:      60000,
			CooldownMs:         300000,
		},
	}
}

// MinDelay returns the minimum inter-action delay.
func (c ThrottleConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

// MaxDelay returns the maximum inter-action delay.
func (c ThrottleConfig) MaxDelay() time.Duration {
	d := time.Duration(c.MaxDelayMs) * time.Millisecond
	if d < c.MinDelay() {
		return c.MinDelay()
	}
	return d
}
