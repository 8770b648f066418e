// Package web serves the control and telemetry API for a running car.
package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/hub"
	"github.com/teslashibe/go-picar/pkg/loop"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/protocol"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/rules"
)

// Loop is the scheduler as seen by the API.
type Loop interface {
	Metrics() loop.Metrics
	Mode() decision.Mode
	SetMode(decision.Mode) error
	Running() bool
	LastReport() (loop.CycleReport, bool)
	Start(ctx context.Context, mode decision.Mode) error
	Stop() error
	Halt(ctx context.Context) error
}

// RuleTable is the rule engine as seen by the API.
type RuleTable interface {
	Rules() []rules.Rule
	AddRule(rules.Rule) error
	ReplaceRule(rules.Rule) error
	RemoveRule(name string) error
	SetEnabled(name string, enabled bool) error
	Explain(c perception.Context) string
}

// Explainer describes what the active provider would do in c.
type Explainer func(ctx context.Context, c perception.Context) (string, error)

// Deps are the collaborators the API exposes.
type Deps struct {
	Loop     Loop
	Rules    RuleTable
	State    robot.StateReader
	Provider string

	// Explain overrides the rule table's explanation, e.g. for the LLM provider.
	Explain Explainer

	// Stats are extra counters served under /api/metrics, keyed by name.
	Stats map[string]func() any
}

// Config holds the listen address.
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig listens on all interfaces, port 8080.
func DefaultConfig() Config {
	return Config{Addr: ":8080", ShutdownTimeout: 5 * time.Second}
}

// Server is the control API server
type Server struct {
	app    *fiber.App
	cfg    Config
	deps   Deps
	cycles *hub.Hub
	logger *slog.Logger

	// runCtx parents loop runs started over the API.
	runCtx context.Context
}

// NewServer creates the API server. Cycle reports reach websocket watchers
// once the server is subscribed to the loop as an Observer.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	logger = log.Or(logger).With("component", "web")
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		cycles: hub.New("cycles", logger),
		logger: logger,
		runCtx: context.Background(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "PiCar Control",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(s.accessLog)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/metrics", s.handleMetrics)
	api.Get("/actions", s.handleActions)
	api.Get("/rules", s.handleListRules)
	api.Post("/rules", s.handleAddRule)
	api.Delete("/rules/:name", s.handleRemoveRule)
	api.Put("/rules/:name/enabled", s.handleSetEnabled)
	api.Post("/explain", s.handleExplain)
	api.Post("/mode", s.handleSetMode)
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/halt", s.handleHalt)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/cycles", websocket.New(s.handleCyclesWS))

	s.app = app
	return s
}

// App exposes the fiber app, for tests and for mounting extra routes.
func (s *Server) App() *fiber.App { return s.app }

// Hub returns the cycle broadcast hub.
func (s *Server) Hub() *hub.Hub { return s.cycles }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = context.WithoutCancel(ctx)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.cycles.Run(hubCtx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errc <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errc
}

// ObserveCycle broadcasts r to websocket watchers.
func (s *Server) ObserveCycle(r loop.CycleReport) {
	msg, err := protocol.NewCycleMessage(CycleData(r))
	if err != nil {
		s.logger.Warn("encode cycle", "error", err)
		return
	}
	if err := s.cycles.BroadcastJSON(msg); err != nil {
		s.logger.Warn("broadcast cycle", "error", err)
	}
}

// CycleData converts a report for the wire.
func CycleData(r loop.CycleReport) protocol.CycleData {
	return protocol.CycleData{
		RunID:      r.RunID,
		Seq:        r.Seq,
		Mode:       string(r.Mode),
		Context:    r.Context,
		Proposed:   r.Proposed,
		Fallback:   r.Fallback,
		Actions:    r.Actions,
		Verdict:    r.Verdict.String(),
		Errors:     r.ErrorStrings(),
		DurationMs: float64(r.Duration) / float64(time.Millisecond),
		Overrun:    r.Overrun,
	}
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request", "method", c.Method(), "path", c.Path(),
		"status", c.Response().StatusCode(), "duration", time.Since(start))
	return err
}

var _ loop.Observer = (*Server)(nil)
