package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/dispatch"
	"github.com/teslashibe/go-picar/pkg/loop"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/protocol"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/rules"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	protocol.StatusData
	Robot robot.State `json:"robot"`
}

// ModeRequest is the body of POST /api/mode and /api/start.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// EnabledRequest is the body of PUT /api/rules/:name/enabled.
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ExplainResponse is the body returned by POST /api/explain.
type ExplainResponse struct {
	Provider    string `json:"provider"`
	Explanation string `json:"explanation"`
}

func (s *Server) status() protocol.StatusData {
	m := s.deps.Loop.Metrics()
	return protocol.StatusData{
		Running:  s.deps.Loop.Running(),
		Mode:     string(s.deps.Loop.Mode()),
		RunID:    m.RunID,
		Provider: s.deps.Provider,
		Cycles:   m.Cycles,
	}
}

// handleStatus returns the scheduler and actuator state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{StatusData: s.status()}
	if s.deps.State != nil {
		resp.Robot = s.deps.State.State()
	}
	return c.JSON(resp)
}

// handleMetrics returns loop counters and every registered stats source
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	out := fiber.Map{"loop": s.deps.Loop.Metrics(), "watchers": s.cycles.Stats()}
	for name, fn := range s.deps.Stats {
		out[name] = fn()
	}
	if last, ok := s.deps.Loop.LastReport(); ok {
		out["last_cycle"] = CycleData(last)
	}
	return c.JSON(out)
}

// handleActions lists the action tokens rules may use
func (s *Server) handleActions(c *fiber.Ctx) error {
	return c.JSON(dispatch.Catalog())
}

func (s *Server) handleListRules(c *fiber.Ctx) error {
	return c.JSON(s.deps.Rules.Rules())
}

// handleAddRule adds a rule; ?replace=true upserts instead of failing on a
// duplicate name in strict mode.
func (s *Server) handleAddRule(c *fiber.Ctx) error {
	var r rules.Rule
	if err := c.BodyParser(&r); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	add := s.deps.Rules.AddRule
	if c.QueryBool("replace") {
		add = s.deps.Rules.ReplaceRule
	}
	if err := add(r); err != nil {
		return err
	}
	s.logger.Info("rule added", "rule", r.Name, "priority", r.Priority)
	return c.Status(fiber.StatusCreated).JSON(r)
}

func (s *Server) handleRemoveRule(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.deps.Rules.RemoveRule(name); err != nil {
		return err
	}
	s.logger.Info("rule removed", "rule", name)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSetEnabled(c *fiber.Ctx) error {
	var req EnabledRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	name := c.Params("name")
	if err := s.deps.Rules.SetEnabled(name, req.Enabled); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"name": name, "enabled": req.Enabled})
}

// handleExplain reports what the provider would do in the posted context.
// Fields left out keep their absent values; an omitted distance is unknown.
func (s *Server) handleExplain(c *fiber.Ctx) error {
	pc := perception.Context{ObstacleDistance: perception.UnknownDistance}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&pc); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	resp := ExplainResponse{Provider: s.deps.Provider}
	if s.deps.Explain != nil {
		text, err := s.deps.Explain(c.UserContext(), pc)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		resp.Explanation = text
	} else {
		resp.Explanation = s.deps.Rules.Explain(pc)
	}
	return c.JSON(resp)
}

func (s *Server) handleSetMode(c *fiber.Ctx) error {
	mode, err := parseMode(c)
	if err != nil {
		return err
	}
	if err := s.deps.Loop.SetMode(mode); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(s.status())
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	var mode decision.Mode
	if len(c.Body()) > 0 {
		m, err := parseMode(c)
		if err != nil {
			return err
		}
		mode = m
	}
	if err := s.deps.Loop.Start(s.runCtx, mode); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(s.status())
}

// handleStop ends the run and stops the car
func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.deps.Loop.Stop(); err != nil {
		return err
	}
	return c.JSON(s.status())
}

// handleHalt stops the wheels without ending the run
func (s *Server) handleHalt(c *fiber.Ctx) error {
	if err := s.deps.Loop.Halt(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(s.status())
}

func parseMode(c *fiber.Ctx) (decision.Mode, error) {
	var req ModeRequest
	if err := c.BodyParser(&req); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	mode, err := decision.ParseMode(req.Mode)
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return mode, nil
}

// handleError maps domain errors onto status codes.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	var re *rules.RuleError
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, rules.ErrRuleNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, rules.ErrDuplicateRule), errors.Is(err, loop.ErrAlreadyRunning):
		code = fiber.StatusConflict
	case errors.Is(err, rules.ErrInvalidPriority), errors.Is(err, rules.ErrUnknownOperator),
		errors.Is(err, rules.ErrEmptyName), errors.Is(err, rules.ErrInvalidPredicate),
		errors.Is(err, dispatch.ErrUnknownAction), errors.Is(err, dispatch.ErrMissingArgument),
		errors.As(err, &re):
		code = fiber.StatusBadRequest
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleCyclesWS streams cycle reports, starting with the current status
func (s *Server) handleCyclesWS(c *websocket.Conn) {
	var greeting [][]byte
	if msg, err := protocol.NewStatusMessage(s.status()); err == nil {
		if data, err := msg.Bytes(); err == nil {
			greeting = append(greeting, data)
		}
	}
	s.cycles.Serve(c, greeting...)
}
