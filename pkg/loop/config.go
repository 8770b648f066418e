package loop

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/dispatch"
)

// Config controls the cycle cadence and bookkeeping.
type Config struct {
	// Frequency is the target number of cycles per second.
	Frequency float64 `yaml:"loop_frequency_hz" json:"loop_frequency_hz"`

	// Mode is the mode a run starts in when none is given.
	Mode decision.Mode `yaml:"mode" json:"mode"`

	// Fallback is dispatched when the provider has nothing for a mode.
	Fallback map[decision.Mode][]string `yaml:"fallback_actions" json:"fallback_actions"`

	// MetricsWindow is how many cycles the rolling average covers.
	MetricsWindow int `yaml:"metrics_window" json:"metrics_window"`

	// HeartbeatEvery logs a summary line every N cycles. Zero disables it.
	HeartbeatEvery int `yaml:"heartbeat_every" json:"heartbeat_every"`

	// AdaptCadence stretches the period to the provider's reported latency.
	AdaptCadence bool `yaml:"adapt_cadence" json:"adapt_cadence"`

	// MaxPeriod bounds an adapted period so safety checks keep running while
	// the provider is slow. It never shortens the base period; zero disables
	// the bound.
	MaxPeriod time.Duration `yaml:"max_period" json:"max_period"`

	// RecoveryPause follows a cycle that panicked.
	RecoveryPause time.Duration `yaml:"recovery_pause" json:"recovery_pause"`
}

// DefaultConfig returns a 10 Hz loop that explores when idle.
func DefaultConfig() Config {
	return Config{
		Frequency: 10,
		Mode:      decision.ModeAutonomous,
		Fallback: map[decision.Mode][]string{
			decision.ModeExploration: {dispatch.ActionScan, dispatch.ActionForward, dispatch.ActionTurnRandom},
		},
		MetricsWindow:  50,
		HeartbeatEvery: 50,
		AdaptCadence:   true,
		MaxPeriod:      time.Second,
		RecoveryPause:  500 * time.Millisecond,
	}
}

// Period is the target time between cycle starts.
func (c Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / c.Frequency)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Frequency <= 0 {
		return fmt.Errorf("loop: frequency must be positive, got %v", c.Frequency)
	}
	if _, err := decision.ParseMode(string(c.Mode)); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	for mode, actions := range c.Fallback {
		if _, err := decision.ParseMode(string(mode)); err != nil {
			return fmt.Errorf("loop: fallback: %w", err)
		}
		for _, a := range actions {
			if err := dispatch.ValidateToken(a); err != nil {
				return fmt.Errorf("loop: fallback for %s: %w", mode, err)
			}
		}
	}
	if c.MetricsWindow <= 0 {
		return fmt.Errorf("loop: metrics window must be positive, got %d", c.MetricsWindow)
	}
	if c.MaxPeriod < 0 {
		return fmt.Errorf("loop: max period must not be negative, got %v", c.MaxPeriod)
	}
	if c.HeartbeatEvery < 0 {
		return fmt.Errorf("loop: heartbeat interval must not be negative, got %d", c.HeartbeatEvery)
	}
	return nil
}

// nextSleep is how long to wait after a cycle that took elapsed. An overrun
// proceeds immediately and is not paid back later.
func nextSleep(period, elapsed time.Duration) time.Duration {
	if elapsed >= period {
		return 0
	}
	return period - elapsed
}
