// Package loop runs the perceive, decide, act, evaluate cycle at a fixed rate.
//
// Each cycle reads a sensor snapshot, builds a perception.Context, asks the
// provider for the active mode what to do, lets the safety monitor override
// that with a stop, dispatches the result and then sleeps out the rest of the
// period. Failures below the scheduler are recorded in the CycleReport and the
// loop carries on.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/dispatch"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/safety"
	"github.com/teslashibe/go-picar/pkg/sensors"
)

// ErrAlreadyRunning is returned when a run is started twice.
var ErrAlreadyRunning = errors.New("loop: already running")

// Sensors supplies one snapshot per cycle. It must honour ctx and return
// within a bounded time.
type Sensors interface {
	Snapshot(ctx context.Context) sensors.Snapshot
}

// Selector picks the provider for a mode.
type Selector interface {
	ForMode(mode decision.Mode) decision.Provider
}

// Static returns a Selector that uses p in every mode.
func Static(p decision.Provider) Selector { return static{p} }

type static struct{ p decision.Provider }

func (s static) ForMode(decision.Mode) decision.Provider { return s.p }

// Guard is the safety monitor as seen by the scheduler.
type Guard interface {
	Check(c perception.Context, moving bool) safety.Verdict
	Observe(moving bool)
}

// Actuator dispatches action tokens.
type Actuator interface {
	Dispatch(ctx context.Context, actions []string, env dispatch.Env) []error
	Halt(ctx context.Context) error
}

// Deps are the collaborators a Scheduler composes.
type Deps struct {
	Sensors  Sensors
	Builder  perception.Builder
	Provider Selector
	Safety   Guard
	Actuator Actuator
	State    robot.StateReader
}

func (d Deps) validate() error {
	switch {
	case d.Sensors == nil:
		return errors.New("loop: sensors are required")
	case d.Provider == nil:
		return errors.New("loop: provider is required")
	case d.Safety == nil:
		return errors.New("loop: safety monitor is required")
	case d.Actuator == nil:
		return errors.New("loop: actuator is required")
	case d.State == nil:
		return errors.New("loop: state reader is required")
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleeper replaces the end-of-cycle sleep, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithObserver registers an observer before the first run.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// run is the state of one Start..Stop span.
type run struct {
	id        string
	started   time.Time
	cancel    context.CancelFunc
	stopping  atomic.Bool
	done      chan struct{}
	seq       uint64
	idleSince time.Time
}

// Scheduler drives the control cycle. The zero value is not usable; call New.
type Scheduler struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	mode atomic.Value // decision.Mode

	mu        sync.Mutex
	run       *run
	observers []Observer
	metrics   Metrics
	window    *window
	last      CycleReport
	hasLast   bool
}

// New creates a Scheduler in the STOPPED state.
func New(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		sleep:  dispatch.Sleep,
		window: newWindow(cfg.MetricsWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.Or(s.logger).With("component", "loop")
	s.mode.Store(cfg.Mode)
	s.metrics.Period = cfg.Period()
	return s, nil
}

// Subscribe adds an observer. Observers are called after every cycle.
func (s *Scheduler) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Mode returns the active mode.
func (s *Scheduler) Mode() decision.Mode {
	return s.mode.Load().(decision.Mode)
}

// SetMode switches the active mode. It takes effect on the next cycle.
func (s *Scheduler) SetMode(m decision.Mode) error {
	m, err := decision.ParseMode(string(m))
	if err != nil {
		return err
	}
	if old := s.mode.Swap(m).(decision.Mode); old != m {
		s.logger.Info("mode changed", "from", old, "to", m)
	}
	return nil
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Start begins a run in mode on a new goroutine. An empty mode keeps the
// current one.
func (s *Scheduler) Start(ctx context.Context, mode decision.Mode) error {
	ctx, r, err := s.begin(ctx, mode)
	if err != nil {
		return err
	}
	go s.loop(ctx, r)
	return nil
}

// Run is Start that blocks until the run ends. It returns nil when the run
// is stopped or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, mode decision.Mode) error {
	ctx, r, err := s.begin(ctx, mode)
	if err != nil {
		return err
	}
	s.loop(ctx, r)
	return nil
}

func (s *Scheduler) begin(parent context.Context, mode decision.Mode) (context.Context, *run, error) {
	if mode == "" {
		mode = s.Mode()
	}
	mode, err := decision.ParseMode(string(mode))
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil, nil, ErrAlreadyRunning
	}
	s.mode.Store(mode)

	ctx, cancel := context.WithCancel(parent)
	now := s.now()
	r := &run{
		id:        uuid.NewString(),
		started:   now,
		cancel:    cancel,
		done:      make(chan struct{}),
		idleSince: now,
	}
	s.run = r
	s.window.reset()
	s.metrics = Metrics{RunID: r.id, Running: true, StartedAt: now, Period: s.cfg.Period()}
	s.logger.Info("loop started", "run_id", r.id, "mode", s.Mode(), "frequency_hz", s.cfg.Frequency)
	return ctx, r, nil
}

// Stop ends the current run and halts the car. It is idempotent and safe to
// call while a cycle is in flight; the in-flight cycle is cancelled and the
// loop exits before the next one. Stop waits for the loop to exit, so it must
// not be called from an Observer.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stopping.Store(true)
	r.cancel()
	err := s.deps.Actuator.Halt(context.Background())
	<-r.done
	return err
}

// Done returns a channel closed when the current run ends. It is nil when
// no run is in progress.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.done
}

func (s *Scheduler) loop(ctx context.Context, r *run) {
	defer s.finish(ctx, r)

	for !r.stopping.Load() && ctx.Err() == nil {
		rep, panicked := s.safeCycle(ctx, r)
		wait := nextSleep(rep.Period, rep.Duration)
		if panicked {
			wait = s.cfg.RecoveryPause
		}
		if wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return
			}
		}
	}
}

func (s *Scheduler) finish(ctx context.Context, r *run) {
	if err := s.deps.Actuator.Halt(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("halt on exit failed", "error", err)
	}
	s.deps.Safety.Observe(false)

	s.mu.Lock()
	s.run = nil
	s.metrics.Running = false
	m := s.metrics
	s.mu.Unlock()

	r.cancel()
	close(r.done)
	s.logger.Info("loop stopped", "run_id", r.id, "cycles", m.Cycles, "avg", m.AverageDuration)
}

// safeCycle runs one cycle and turns a panic into a recorded failure.
func (s *Scheduler) safeCycle(ctx context.Context, r *run) (rep CycleReport, panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("cycle panicked", "run_id", r.id, "panic", p)
			s.mu.Lock()
			s.metrics.Panics++
			s.mu.Unlock()
			_ = s.deps.Actuator.Halt(context.WithoutCancel(ctx))
			panicked = true
		}
	}()
	return s.cycle(ctx, r), false
}

func (s *Scheduler) cycle(ctx context.Context, r *run) CycleReport {
	start := s.now()
	r.seq++
	mode := s.Mode()
	rep := CycleReport{RunID: r.id, Seq: r.seq, Mode: mode, Started: start}

	// 1. sense
	snap := s.deps.Sensors.Snapshot(ctx)
	rep.Errors = append(rep.Errors, snap.Missing...)

	// 2. build
	if stimulated(snap) {
		r.idleSince = start
	}
	c := s.deps.Builder.Build(perception.Input{
		Report:     snap.Report,
		Transcript: snap.Transcript,
		State:      snap.RobotState(),
		Distance:   snap.Distance,
		IdleTime:   start.Sub(r.idleSince),
		Timestamp:  start,
	})
	rep.Context = c

	// 3. decide
	provider := s.deps.Provider.ForMode(mode)
	period := s.period(provider)
	actions, err := provider.Evaluate(ctx, c)
	var decisionFailed bool
	if err != nil {
		decisionFailed = true
		actions = nil
		rep.Errors = append(rep.Errors, err)
		s.logger.Warn("decision failed, doing nothing", "seq", r.seq, "error", err)
	} else if len(actions) == 0 {
		if fb := s.cfg.Fallback[mode]; len(fb) > 0 {
			actions = append([]string(nil), fb...)
			rep.Fallback = true
		}
	}
	rep.Proposed = actions

	// 4. evaluate safety
	rep.Verdict = s.deps.Safety.Check(c, snap.State.Moving())
	if rep.Verdict.Stopping() {
		actions = []string{dispatch.ActionStop}
	}
	rep.Actions = actions

	// 5. act
	var dispatchErrs int
	if len(actions) > 0 {
		errs := s.deps.Actuator.Dispatch(ctx, actions, dispatch.Env{Context: c, Report: snap.Report})
		for _, err := range errs {
			s.logger.Warn("action failed", "seq", r.seq, "error", err)
		}
		dispatchErrs = len(errs)
		rep.Errors = append(rep.Errors, errs...)
	}
	s.deps.Safety.Observe(s.deps.State.State().Moving())

	// 6. account
	rep.Duration = s.now().Sub(start)
	rep.Period = period
	rep.Overrun = rep.Duration > period
	if rep.Overrun {
		s.logger.Warn("cycle overrun", "seq", r.seq, "duration", rep.Duration, "period", period)
	}
	if len(actions) > 0 {
		s.logger.Debug("cycle", "seq", r.seq, "mode", mode, "actions", actions, "verdict", rep.Verdict)
	}

	s.mu.Lock()
	m := &s.metrics
	m.Mode = mode
	m.Cycles++
	m.LastDuration = rep.Duration
	s.window.add(rep.Duration)
	m.AverageDuration = s.window.mean()
	m.Period = period
	m.SensorMisses += uint64(len(snap.Missing))
	m.DispatchErrors += uint64(dispatchErrs)
	if decisionFailed {
		m.DecisionErrors++
	}
	if rep.Fallback {
		m.Fallbacks++
	}
	if rep.Overrun {
		m.Overruns++
	}
	switch rep.Verdict {
	case safety.EmergencyStop:
		m.EmergencyStops++
	case safety.ForceStop:
		m.ForceStops++
	}
	heartbeat := s.cfg.HeartbeatEvery > 0 && m.Cycles%uint64(s.cfg.HeartbeatEvery) == 0
	snapshot := *m
	s.last, s.hasLast = rep, true
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	if heartbeat {
		s.logger.Info("heartbeat", "cycles", snapshot.Cycles, "last", snapshot.LastDuration,
			"avg", snapshot.AverageDuration, "overruns", snapshot.Overruns)
	}
	for _, o := range observers {
		o.ObserveCycle(rep)
	}
	return rep
}

// period is the target period, stretched to the provider's latency when it
// reports one that does not fit, up to MaxPeriod.
func (s *Scheduler) period(p decision.Provider) time.Duration {
	base := s.cfg.Period()
	if !s.cfg.AdaptCadence {
		return base
	}
	if lr, ok := p.(decision.LatencyReporter); ok {
		if l := lr.Latency(); l > base {
			if s.cfg.MaxPeriod > 0 {
				return min(l, max(s.cfg.MaxPeriod, base))
			}
			return l
		}
	}
	return base
}

func stimulated(s sensors.Snapshot) bool {
	return len(s.Report.Faces) > 0 || len(s.Report.Colors) > 0 || s.Transcript != ""
}

// Metrics returns a snapshot of the counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.Mode = s.Mode()
	return m
}

// LastReport returns the most recent cycle report.
func (s *Scheduler) LastReport() (CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Halt stops the car without ending the run.
func (s *Scheduler) Halt(ctx context.Context) error {
	if err := s.deps.Actuator.Halt(ctx); err != nil {
		return fmt.Errorf("loop: halt: %w", err)
	}
	s.deps.Safety.Observe(false)
	return nil
}

var _ dispatch.ModeSwitcher = (*Scheduler)(nil)
