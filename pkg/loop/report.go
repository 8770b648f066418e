package loop

import (
	"time"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/safety"
)

// CycleReport describes one completed cycle.
type CycleReport struct {
	RunID   string             `json:"run_id"`
	Seq     uint64             `json:"seq"`
	Mode    decision.Mode      `json:"mode"`
	Started time.Time          `json:"started"`
	Context perception.Context `json:"context"`

	// Proposed is what the provider (or the mode fallback) chose.
	Proposed []string `json:"proposed"`
	Fallback bool     `json:"fallback,omitempty"`

	// Actions is what was dispatched after the safety verdict.
	Actions []string       `json:"actions"`
	Verdict safety.Verdict `json:"verdict"`

	// Errors holds recovered sensor, decision and dispatch failures.
	Errors []error `json:"-"`

	Duration time.Duration `json:"duration_ns"`
	Period   time.Duration `json:"period_ns"`
	Overrun  bool          `json:"overrun,omitempty"`
}

// ErrorStrings renders Errors for transport.
func (r CycleReport) ErrorStrings() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}

// Observer receives every cycle report. It is called on the loop goroutine
// and must not block.
type Observer interface {
	ObserveCycle(CycleReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(CycleReport)

// ObserveCycle calls f.
func (f ObserverFunc) ObserveCycle(r CycleReport) { f(r) }
