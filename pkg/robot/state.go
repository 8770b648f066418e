package robot

import (
	"errors"
	"fmt"
	"sync"
)

// MovementState is the drive direction.
type MovementState string

const (
	Stopped  MovementState = "stopped"
	Forward  MovementState = "forward"
	Backward MovementState = "backward"
)

// State is the last commanded actuator state.
type State struct {
	Movement     MovementState `json:"movement"`
	Speed        int           `json:"speed"`
	Steering     int           `json:"steering"`
	CameraPan    int           `json:"camera_pan"`
	CameraTilt   int           `json:"camera_tilt"`
	LastDistance float64       `json:"last_distance"`
}

// Moving reports whether the wheels are driven.
func (s State) Moving() bool {
	return s.Speed > 0 && s.Movement != Stopped
}

// Summary is a one-line description, used by the status voice command.
func (s State) Summary() string {
	return fmt.Sprintf("%s, speed %d, distance %.1fcm, camera pan=%d tilt=%d",
		s.Movement, s.Speed, s.LastDistance, s.CameraPan, s.CameraTilt)
}

// Range is an inclusive [Min, Max] angle range.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Clamp restricts v to the range.
func (r Range) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Config holds speeds and servo geometry.
type Config struct {
	DefaultSpeed int `yaml:"default_speed" json:"default_speed"`
	SlowSpeed    int `yaml:"slow_speed" json:"slow_speed"`
	FastSpeed    int `yaml:"fast_speed" json:"fast_speed"`

	SteeringLeft   int `yaml:"steering_left" json:"steering_left"`
	SteeringCenter int `yaml:"steering_center" json:"steering_center"`
	SteeringRight  int `yaml:"steering_right" json:"steering_right"`

	PanCenter  int   `yaml:"camera_pan_center" json:"camera_pan_center"`
	PanRange   Range `yaml:"camera_pan_range" json:"camera_pan_range"`
	TiltCenter int   `yaml:"camera_tilt_center" json:"camera_tilt_center"`
	TiltRange  Range `yaml:"camera_tilt_range" json:"camera_tilt_range"`

	// TrackSmoothness scales how far the camera moves per tracking step (0-1).
	TrackSmoothness float64 `yaml:"track_smoothness" json:"track_smoothness"`
}

// DefaultConfig returns the stock PiCar-X geometry.
func DefaultConfig() Config {
	return Config{
		DefaultSpeed:    30,
		SlowSpeed:       15,
		FastSpeed:       50,
		SteeringLeft:    -30,
		SteeringCenter:  0,
		SteeringRight:   30,
		PanCenter:       0,
		PanRange:        Range{Min: -90, Max: 90},
		TiltCenter:      -10,
		TiltRange:       Range{Min: -30, Max: 30},
		TrackSmoothness: 0.3,
	}
}

// Validate checks speeds and ranges.
func (c Config) Validate() error {
	for name, s := range map[string]int{"default_speed": c.DefaultSpeed, "slow_speed": c.SlowSpeed, "fast_speed": c.FastSpeed} {
		if s <= 0 || s > 100 {
			return fmt.Errorf("robot: %s must be within (0, 100], got %d", name, s)
		}
	}
	if c.PanRange.Min > c.PanRange.Max || c.TiltRange.Min > c.TiltRange.Max {
		return errors.New("robot: camera range min exceeds max")
	}
	if c.TrackSmoothness < 0 || c.TrackSmoothness > 1 {
		return fmt.Errorf("robot: track_smoothness must be within [0, 1], got %v", c.TrackSmoothness)
	}
	return nil
}

// tracker keeps the commanded state. Both controllers embed it.
type tracker struct {
	mu sync.RWMutex
	s  State
}

func newTracker(cfg Config, distance float64) *tracker {
	return &tracker{s: State{
		Movement:     Stopped,
		Steering:     cfg.SteeringCenter,
		CameraPan:    cfg.PanCenter,
		CameraTilt:   cfg.TiltCenter,
		LastDistance: distance,
	}}
}

func (t *tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.s
}

func (t *tracker) update(fn func(s *State)) {
	t.mu.Lock()
	fn(&t.s)
	t.mu.Unlock()
}

// Sound is a tone played for a named sound.
type Sound struct {
	Note     int     `json:"note"`
	Duration float64 `json:"duration"`
}

// ErrUnknownSound is returned by PlaySound for ids without a tone.
var ErrUnknownSound = errors.New("robot: unknown sound")

// Sounds maps sound ids to tones.
var Sounds = map[string]Sound{
	"beep":    {Note: 60, Duration: 0.1},
	"alert":   {Note: 80, Duration: 0.2},
	"success": {Note: 72, Duration: 0.15},
	"error":   {Note: 48, Duration: 0.3},
}

func lookupSound(id string) (Sound, error) {
	s, ok := Sounds[id]
	if !ok {
		return Sound{}, fmt.Errorf("%w %q", ErrUnknownSound, id)
	}
	return s, nil
}
