// Package safety enforces the two hard stop conditions checked every cycle:
// an obstacle inside the emergency distance, and continuous motion that has
// lasted too long.
package safety

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// Verdict is the outcome of one safety check.
type Verdict int

const (
	OK Verdict = iota
	EmergencyStop
	ForceStop
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case EmergencyStop:
		return "emergency_stop"
	case ForceStop:
		return "force_stop"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Stopping reports whether the verdict overrides the provider with a stop.
func (v Verdict) Stopping() bool {
	return v != OK
}

// MarshalText renders the verdict name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Config holds the safety limits.
type Config struct {
	// EmergencyStopDistance in cm. A known reading below it always stops.
	EmergencyStopDistance float64 `yaml:"emergency_stop_distance_cm" json:"emergency_stop_distance_cm"`

	// MaxContinuousMovement is how long the car may keep moving without a stop.
	MaxContinuousMovement time.Duration `yaml:"max_continuous_movement" json:"max_continuous_movement"`
}

// UnmarshalYAML also accepts max_continuous_movement_s, the limit in plain
// seconds. When both keys are present the seconds form wins. Unknown keys
// are rejected.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("safety: line %d: expected a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch key := node.Content[i]; key.Value {
		case "emergency_stop_distance_cm", "max_continuous_movement", "max_continuous_movement_s":
		default:
			return fmt.Errorf("safety: line %d: unknown field %q", key.Line, key.Value)
		}
	}

	type plain Config
	if err := node.Decode((*plain)(c)); err != nil {
		return err
	}
	var secs struct {
		Seconds *float64 `yaml:"max_continuous_movement_s"`
	}
	if err := node.Decode(&secs); err != nil {
		return err
	}
	if secs.Seconds != nil {
		c.MaxContinuousMovement = time.Duration(*secs.Seconds * float64(time.Second))
	}
	return nil
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		EmergencyStopDistance: 10,
		MaxContinuousMovement: 5 * time.Second,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.EmergencyStopDistance < 0 {
		return errors.New("safety: emergency stop distance must not be negative")
	}
	if c.MaxContinuousMovement <= 0 {
		return errors.New("safety: max continuous movement must be positive")
	}
	return nil
}

// State is the monitor's view of the world between cycles.
type State struct {
	// MovementStart is zero while the car is stopped.
	MovementStart time.Time `json:"movement_start,omitzero"`
	LastDistance  float64   `json:"last_distance"`
}

// Moving reports whether the movement timer is running.
func (s State) Moving() bool { return !s.MovementStart.IsZero() }

// Stats counts non-OK verdicts.
type Stats struct {
	EmergencyStops int `json:"emergency_stops"`
	ForceStops     int `json:"force_stops"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// Monitor owns the safety state. It is safe for concurrent use, but the
// scheduler is expected to be its only writer.
type Monitor struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	state State
	stats Stats
}

// New creates a monitor.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:   cfg,
		now:   time.Now,
		state: State{LastDistance: perception.UnknownDistance},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = log.Or(m.logger).With("component", "safety")
	return m
}

// Config returns the limits in force.
func (m *Monitor) Config() Config { return m.cfg }

// Check evaluates both conditions for this cycle. The proximity check wins
// over everything else. An unknown distance never triggers an emergency stop,
// but the motion timer still applies.
//
// The movement timer has one writer per cycle: Observe records the motion
// that dispatch left behind, and Check only clears the timer when it returns
// a stopping verdict. A car seen stopped here is never forced to stop; the
// following Observe clears its timer.
func (m *Monitor) Check(c perception.Context, moving bool) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.DistanceKnown() {
		m.state.LastDistance = c.ObstacleDistance
	}

	if c.DistanceKnown() && c.ObstacleDistance < m.cfg.EmergencyStopDistance {
		m.state.MovementStart = time.Time{}
		m.stats.EmergencyStops++
		m.logger.Warn("emergency stop", "distance_cm", c.ObstacleDistance, "limit_cm", m.cfg.EmergencyStopDistance)
		return EmergencyStop
	}

	if !moving || m.state.MovementStart.IsZero() {
		return OK
	}

	if elapsed := m.now().Sub(m.state.MovementStart); elapsed > m.cfg.MaxContinuousMovement {
		m.state.MovementStart = time.Time{}
		m.stats.ForceStops++
		m.logger.Warn("continuous movement limit reached, forcing stop",
			"elapsed", elapsed.Round(time.Millisecond), "limit", m.cfg.MaxContinuousMovement)
		return ForceStop
	}
	return OK
}

// Observe records the car's motion after actions were dispatched. Starting to
// move from a stopped state starts the timer; stopping clears it.
func (m *Monitor) Observe(moving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !moving:
		m.state.MovementStart = time.Time{}
	case m.state.MovementStart.IsZero():
		m.state.MovementStart = m.now()
	}
}

// MarkStopped clears the movement timer.
func (m *Monitor) MarkStopped() {
	m.Observe(false)
}

// State returns a copy of the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns verdict counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
