// Package app composes the control loop, its collaborators and the HTTP
// surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-picar/internal/config"
	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/bridge"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/dispatch"
	"github.com/teslashibe/go-picar/pkg/loop"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/reasoner"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/rules"
	"github.com/teslashibe/go-picar/pkg/safety"
	"github.com/teslashibe/go-picar/pkg/sensors"
	"github.com/teslashibe/go-picar/pkg/vision"
	"github.com/teslashibe/go-picar/pkg/web"
)

// Option configures an App.
type Option func(*App)

// WithRobot replaces the robot built from the configuration.
func WithRobot(r robot.Robot) Option {
	return func(a *App) { a.robot = r }
}

// WithBackend replaces the chat backend built from the LLM configuration.
func WithBackend(b reasoner.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// App owns every component and their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	robot      robot.Robot
	backend    reasoner.Backend
	engine     *rules.Engine
	watcher    *rules.Watcher
	reasoner   *reasoner.Reasoner
	monitor    *safety.Monitor
	dispatcher *dispatch.Dispatcher
	sensors    *sensors.Hub
	bridge     *bridge.Bridge
	detector   *vision.Detector
	camera     *vision.Camera
	loop       *loop.Scheduler
	web        *web.Server

	closeOnce sync.Once
}

// New validates cfg and builds every component. Nothing runs until Run.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = log.Or(a.logger)

	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	if a.robot == nil {
		if a.cfg.Sim {
			a.robot = robot.NewSim(a.cfg.Robot)
		} else {
			a.robot = robot.NewHTTPController(a.cfg.BaseURL(), a.cfg.Robot, a.logger)
		}
	}

	if err := a.initRules(); err != nil {
		return err
	}
	if err := a.initVision(); err != nil {
		return err
	}
	a.initSensors()

	a.monitor = safety.New(a.cfg.Safety, safety.WithLogger(a.logger))

	dopts := []dispatch.Option{
		dispatch.WithModeSwitcher(a),
		dispatch.WithLogger(a.logger),
	}
	if a.detector != nil {
		dopts = append(dopts, dispatch.WithColorSelector(a.detector))
	}
	a.dispatcher = dispatch.New(a.robot, a.cfg.DispatchConfig(), dopts...)

	selector, err := a.initProvider()
	if err != nil {
		return err
	}

	a.loop, err = loop.New(a.cfg.Loop, loop.Deps{
		Sensors:  a.sensors,
		Builder:  perception.NewBuilder(a.cfg.ObstacleThreshold),
		Provider: selector,
		Safety:   a.monitor,
		Actuator: a.dispatcher,
		State:    a.robot,
	}, loop.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.initWeb()
	return nil
}

func (a *App) initRules() error {
	var err error
	a.engine, err = NewRules(a.cfg.Decision, a.logger)
	if err != nil {
		return err
	}
	if path := a.cfg.Decision.RulesFile; path != "" {
		a.watcher = rules.NewWatcher(path, a.engine, a.logger)
	}
	return nil
}

// NewRules builds the rule engine for cfg. The table comes from the rules
// file when one is set, else from the configured rules, else the defaults.
func NewRules(cfg config.DecisionConfig, logger *slog.Logger) (*rules.Engine, error) {
	engine, err := rules.NewWithDefaults(
		rules.WithStrict(cfg.StrictRules),
		rules.WithActionValidator(dispatch.ValidateToken),
		rules.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if cfg.Rules != nil {
		if err := engine.Load(cfg.Rules); err != nil {
			return nil, fmt.Errorf("app: rules: %w", err)
		}
	}
	if cfg.RulesFile != "" {
		rs, err := rules.LoadFile(cfg.RulesFile)
		if err == nil {
			err = engine.Load(rs)
		}
		if err != nil {
			return nil, fmt.Errorf("app: rules file: %w", err)
		}
	}
	return engine, nil
}

func (a *App) initVision() error {
	if !a.cfg.Vision.Enabled {
		return nil
	}
	vcfg := a.cfg.Vision.Config
	vcfg.SnapshotURL = a.cfg.SnapshotURL()

	det, err := vision.NewDetector(vcfg, a.logger)
	if err != nil {
		return err
	}
	a.detector = det

	// Pushed frames from the bridge take the place of local capture.
	if a.cfg.Bridge.Enabled {
		return nil
	}
	frames, err := vision.NewHTTPFrames(vcfg)
	if err != nil {
		return err
	}
	a.camera = vision.NewCamera(frames, det)
	return nil
}

func (a *App) initSensors() {
	hopts := []sensors.Option{
		sensors.WithStateReader(a.robot),
		sensors.WithLogger(a.logger),
	}
	if a.camera != nil {
		hopts = append(hopts, sensors.WithVision(a.camera))
	}

	if !a.cfg.Bridge.Enabled {
		a.sensors = sensors.NewHub(a.cfg.Sensors, append(hopts, sensors.WithRangeFinder(a.robot))...)
		return
	}

	var bopts []bridge.Option
	if a.detector != nil {
		bopts = append(bopts, bridge.WithDetector(a.detector))
	}
	bopts = append(bopts, bridge.WithLogger(a.logger))

	relay := &sinkRelay{}
	a.bridge = bridge.New(a.cfg.Bridge.Config, relay, bopts...)
	a.sensors = sensors.NewHub(a.cfg.Sensors, append(hopts, sensors.WithRangeFinder(a.bridge))...)
	relay.hub = a.sensors
}

func (a *App) initProvider() (loop.Selector, error) {
	if a.cfg.Decision.Provider != decision.KindLLM {
		return a.engine, nil
	}

	if a.backend == nil {
		b, err := newBackend(a.cfg.LLM, a.logger)
		if err != nil {
			return nil, err
		}
		a.backend = b
	}

	l := a.cfg.LLM
	a.reasoner = reasoner.New(a.backend, reasoner.Settings{
		Timeout:           l.DecisionTimeout,
		CallsPerSecond:    l.CallsPerSecond,
		Burst:             l.Burst,
		LatencyAlpha:      l.LatencyAlpha,
		Actions:           actionInfo(),
		Validate:          dispatch.ValidateToken,
		ObstacleThreshold: a.cfg.ObstacleThreshold,
	}, a.logger)
	return loop.Static(a.reasoner), nil
}

func (a *App) initWeb() {
	deps := web.Deps{
		Loop:     a.loop,
		Rules:    a.engine,
		State:    a.robot,
		Provider: a.cfg.Decision.Provider,
		Stats: map[string]func() any{
			"sensors":  func() any { return a.sensors.Stats() },
			"dispatch": func() any { return a.dispatcher.Stats() },
			"safety":   func() any { return a.monitor.Stats() },
		},
	}
	if a.reasoner != nil {
		deps.Explain = a.reasoner.Explain
		deps.Stats["reasoner"] = func() any { return a.reasoner.Stats() }
	}
	if a.bridge != nil {
		deps.Stats["bridge"] = func() any { return a.bridge.Stats() }
	}
	if a.watcher != nil {
		deps.Stats["rules_file"] = func() any {
			reloads, failures, lastErr := a.watcher.Stats()
			s := map[string]any{"reloads": reloads, "failures": failures}
			if lastErr != nil {
				s["last_error"] = lastErr.Error()
			}
			return s
		}
	}

	a.web = web.NewServer(a.cfg.HTTP, deps, a.logger)
	if a.bridge != nil {
		a.bridge.RegisterRoutes(a.web.App())
	}
	a.loop.Subscribe(a.web)
}

// Run starts the sensor tasks, the rules watcher, the HTTP server and a loop
// run in mode, then blocks until ctx is cancelled or a component fails.
// Stopping the loop over the API does not end Run; the server stays up so
// the loop can be started again.
func (a *App) Run(ctx context.Context, mode decision.Mode) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sensors.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error { return a.web.Run(gctx) })
	g.Go(func() error {
		if err := a.loop.Run(gctx, mode); err != nil && !errors.Is(err, loop.ErrAlreadyRunning) {
			return err
		}
		return nil
	})

	a.logger.Info("picar started",
		"provider", a.cfg.Decision.Provider,
		"mode", a.loop.Mode(),
		"frequency_hz", a.cfg.Loop.Frequency,
		"http", a.cfg.HTTP.Addr,
		"bridge", a.bridge != nil,
		"vision", a.detector != nil,
	)

	err := g.Wait()
	if stopErr := a.loop.Stop(); stopErr != nil {
		a.logger.Warn("halt on shutdown failed", "error", stopErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the robot, the chat backend and the vision models.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.reasoner != nil {
			errs = append(errs, a.reasoner.Close())
		} else if a.backend != nil {
			errs = append(errs, a.backend.Close())
		}
		if a.detector != nil {
			errs = append(errs, a.detector.Close())
		}
		if a.robot != nil {
			errs = append(errs, a.robot.Close())
		}
	})
	return errors.Join(errs...)
}

// Mode implements dispatch.ModeSwitcher by delegating to the loop, which is
// built after the dispatcher.
func (a *App) Mode() decision.Mode { return a.loop.Mode() }

// SetMode implements dispatch.ModeSwitcher.
func (a *App) SetMode(m decision.Mode) error { return a.loop.SetMode(m) }

// Loop returns the scheduler.
func (a *App) Loop() *loop.Scheduler { return a.loop }

// Rules returns the rule engine. It is live even when the LLM provider is
// selected, so the table can be edited and explained.
func (a *App) Rules() *rules.Engine { return a.engine }

// Web returns the HTTP server.
func (a *App) Web() *web.Server { return a.web }

// Bridge returns the sensor bridge, or nil when it is disabled.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Robot returns the robot the dispatcher drives.
func (a *App) Robot() robot.Robot { return a.robot }

// sinkRelay breaks the construction cycle between the bridge, which needs a
// sink, and the hub, which needs the bridge as its range finder.
type sinkRelay struct {
	hub *sensors.Hub
}

func (s *sinkRelay) PushReport(r perception.Report) { s.hub.PushReport(r) }
func (s *sinkRelay) PushTranscript(t string)        { s.hub.PushTranscript(t) }

var (
	_ dispatch.ModeSwitcher = (*App)(nil)
	_ bridge.Sink           = (*sinkRelay)(nil)
)
