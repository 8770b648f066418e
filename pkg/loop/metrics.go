package loop

import (
	"time"

	"github.com/teslashibe/go-picar/pkg/decision"
)

// Metrics is a snapshot of scheduler counters.
type Metrics struct {
	RunID     string        `json:"run_id,omitempty"`
	Running   bool          `json:"running"`
	Mode      decision.Mode `json:"mode"`
	StartedAt time.Time     `json:"started_at,omitzero"`

	Cycles          uint64        `json:"cycles"`
	LastDuration    time.Duration `json:"last_duration_ns"`
	AverageDuration time.Duration `json:"average_duration_ns"`
	Period          time.Duration `json:"period_ns"`

	Overruns       uint64 `json:"overruns"`
	SensorMisses   uint64 `json:"sensor_misses"`
	DecisionErrors uint64 `json:"decision_errors"`
	DispatchErrors uint64 `json:"dispatch_errors"`
	Fallbacks      uint64 `json:"fallbacks"`
	EmergencyStops uint64 `json:"emergency_stops"`
	ForceStops     uint64 `json:"force_stops"`
	Panics         uint64 `json:"panics"`
}

// window keeps a rolling sum over the last len(buf) samples.
type window struct {
	buf  []time.Duration
	next int
	n    int
	sum  time.Duration
}

func newWindow(size int) *window {
	return &window{buf: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	if w.n == len(w.buf) {
		w.sum -= w.buf[w.next]
	} else {
		w.n++
	}
	w.buf[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % len(w.buf)
}

func (w *window) mean() time.Duration {
	if w.n == 0 {
		return 0
	}
	return w.sum / time.Duration(w.n)
}

func (w *window) reset() {
	clear(w.buf)
	w.next, w.n, w.sum = 0, 0, 0
}
