// Package decision defines the contract shared by everything that turns a
// perception.Context into an ordered list of action tokens.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-picar/pkg/perception"
)

// Provider selects the actions for one cycle.
//
// Implementations return an empty list when nothing applies. An error means the
// provider failed; callers treat that as an empty list (fail closed).
type Provider interface {
	Evaluate(ctx context.Context, c perception.Context) ([]string, error)
}

// LatencyReporter is implemented by providers whose calls take long enough that
// the scheduler should stretch its cadence to match.
type LatencyReporter interface {
	Latency() time.Duration
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, c perception.Context) ([]string, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, c perception.Context) ([]string, error) {
	return f(ctx, c)
}

// Kinds of provider selectable by configuration.
const (
	KindRules = "rules"
	KindLLM   = "llm"
)

// Mode selects which rules or provider behaviour is active.
type Mode string

const (
	ModeAutonomous   Mode = "autonomous"
	ModeVoiceControl Mode = "voice_control"
	ModeTracking     Mode = "tracking"
	ModeExploration  Mode = "exploration"
)

// Modes lists every mode in a stable order.
func Modes() []Mode {
	return []Mode{ModeAutonomous, ModeVoiceControl, ModeTracking, ModeExploration}
}

// ParseMode accepts a mode name in any case, with dashes or underscores.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Modes() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("decision: unknown mode %q", s)
}

// Error wraps a provider failure. It is always recovered by the scheduler.
type Error struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("decision [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches provider context to err. It returns nil for a nil err.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: provider, Err: err}
}
