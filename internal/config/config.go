// Package config builds the immutable startup configuration for go-picar.
//
// Sources apply in order: DefaultConfig, an optional YAML file, then
// environment overrides. Command-line flags are applied by the caller last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-picar/pkg/bridge"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/dispatch"
	"github.com/teslashibe/go-picar/pkg/loop"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/rules"
	"github.com/teslashibe/go-picar/pkg/safety"
	"github.com/teslashibe/go-picar/pkg/sensors"
	"github.com/teslashibe/go-picar/pkg/vision"
	"github.com/teslashibe/go-picar/pkg/web"
)

// Default car daemon settings.
const (
	DefaultHost = "picar.local"
	DefaultPort = "8000"
)

// Environment variables read by ApplyEnv.
const (
	EnvHost      = "PICAR_HOST"
	EnvLoopHz    = "PICAR_LOOP_HZ"
	EnvProvider  = "PICAR_PROVIDER"
	EnvOpenAIKey = "OPENAI_API_KEY"
	EnvGeminiKey = "GEMINI_API_KEY"
	EnvLogLevel  = "LOG_LEVEL"
)

// LLM backends.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendChain  = "chain"
)

// ErrInvalid is wrapped by field errors that have no more specific cause.
var ErrInvalid = errors.New("invalid value")

// Error is a configuration error. It is fatal at startup.
type Error struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func fieldErr(field string, err error) *Error {
	return &Error{Field: field, Err: err}
}

func invalid(field, format string, args ...any) *Error {
	return fieldErr(field, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
}

// DecisionConfig selects the decision provider and the rule table.
type DecisionConfig struct {
	// Provider is "rules" or "llm".
	Provider string `yaml:"decision_provider"`

	// StrictRules rejects duplicate rule names instead of replacing.
	StrictRules bool `yaml:"strict_rules"`

	// Rules replaces the default behaviour table when set.
	Rules []rules.Rule `yaml:"rules"`

	// RulesFile is loaded at startup and reloaded when it changes.
	RulesFile string `yaml:"rules_file"`
}

// LLMConfig configures the external reasoner.
type LLMConfig struct {
	Backend        string        `yaml:"backend"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	GeminiModel    string        `yaml:"gemini_model"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`

	// DecisionTimeout bounds one decision, retries included.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	CallsPerSecond  float64       `yaml:"calls_per_second"`
	Burst           int           `yaml:"burst"`
	LatencyAlpha    float64       `yaml:"latency_alpha"`

	// Keys come from the environment only.
	OpenAIKey string `yaml:"-"`
	GeminiKey string `yaml:"-"`
}

// BridgeConfig enables the remote sensor bridge.
type BridgeConfig struct {
	Enabled       bool `yaml:"enabled"`
	bridge.Config `yaml:",inline"`
}

// VisionConfig enables onboard detection.
type VisionConfig struct {
	Enabled       bool `yaml:"enabled"`
	vision.Config `yaml:",inline"`
}

// Config is the whole startup configuration.
type Config struct {
	// Host is the car daemon, as host, host:port or a full URL.
	Host     string `yaml:"host"`
	Sim      bool   `yaml:"sim"`
	LogLevel string `yaml:"log_level"`

	// ObstacleThreshold sets has_obstacle in the context, in cm.
	ObstacleThreshold float64 `yaml:"obstacle_threshold_cm"`

	Loop     loop.Config     `yaml:"loop"`
	Safety   safety.Config   `yaml:"safety"`
	Robot    robot.Config    `yaml:"robot"`
	Dispatch dispatch.Config `yaml:"dispatch"`
	Sensors  sensors.Config  `yaml:"sensors"`
	Decision DecisionConfig  `yaml:"decision"`
	LLM      LLMConfig       `yaml:"llm"`
	HTTP     web.Config      `yaml:"http"`
	Bridge   BridgeConfig    `yaml:"bridge"`
	Vision   VisionConfig    `yaml:"vision"`
}

// DefaultConfig returns a configuration that drives a stock PiCar-X with
// the default rule table at 10 Hz.
func DefaultConfig() Config {
	return Config{
		Host:              DefaultHost,
		LogLevel:          "info",
		ObstacleThreshold: 20,
		Loop:              loop.DefaultConfig(),
		Safety:            safety.DefaultConfig(),
		Robot:             robot.DefaultConfig(),
		Dispatch:          dispatch.DefaultConfig(),
		Sensors:           sensors.DefaultConfig(),
		Decision: DecisionConfig{
			Provider:    decision.KindRules,
			StrictRules: true,
		},
		LLM: LLMConfig{
			Backend:         BackendOpenAI,
			Model:           "gpt-4o-mini",
			GeminiModel:     "gemini-2.0-flash",
			MaxTokens:       300,
			Temperature:     0.3,
			RequestTimeout:  5 * time.Second,
			MaxRetries:      1,
			DecisionTimeout: 5 * time.Second,
			CallsPerSecond:  2,
			Burst:           2,
			LatencyAlpha:    0.3,
		},
		HTTP:   web.DefaultConfig(),
		Bridge: BridgeConfig{Config: bridge.DefaultConfig()},
		Vision: VisionConfig{Config: vision.DefaultConfig()},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// path is not empty) and the process environment. Unknown keys in the file
// are an error. It does not validate.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fieldErr("file", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fieldErr("file", fmt.Errorf("parse %s: %w", path, err))
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := getenv(EnvLoopHz); v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fieldErr(EnvLoopHz, err)
		}
		c.Loop.Frequency = hz
	}
	if v := getenv(EnvProvider); v != "" {
		c.Decision.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv(EnvOpenAIKey); v != "" {
		c.LLM.OpenAIKey = v
	}
	if v := getenv(EnvGeminiKey); v != "" {
		c.LLM.GeminiKey = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// BaseURL returns the car daemon URL derived from Host.
func (c Config) BaseURL() string {
	h := strings.TrimSuffix(c.Host, "/")
	if strings.HasPrefix(h, "http://") || strings.HasPrefix(h, "https://") {
		return h
	}
	if _, _, err := net.SplitHostPort(h); err == nil {
		return "http://" + h
	}
	return "http://" + net.JoinHostPort(h, DefaultPort)
}

// SnapshotURL is where the camera frame is fetched from; the vision block
// wins over the daemon default.
func (c Config) SnapshotURL() string {
	if c.Vision.SnapshotURL != "" {
		return c.Vision.SnapshotURL
	}
	return c.BaseURL() + "/api/camera/snapshot"
}

// DispatchConfig returns the dispatcher settings with the robot geometry
// filled in.
func (c Config) DispatchConfig() dispatch.Config {
	d := c.Dispatch
	d.Robot = c.Robot
	return d
}

// Validate checks everything that would otherwise fail at runtime. The
// returned error is always a *Error.
func (c Config) Validate() error {
	if !c.Sim && strings.TrimSpace(c.Host) == "" {
		return invalid("host", "required unless sim is set")
	}
	if c.ObstacleThreshold < 0 {
		return invalid("obstacle_threshold_cm", "must not be negative, got %v", c.ObstacleThreshold)
	}

	sections := []struct {
		name string
		err  error
	}{
		{"loop", c.Loop.Validate()},
		{"safety", c.Safety.Validate()},
		{"robot", c.Robot.Validate()},
		{"dispatch", c.DispatchConfig().Validate()},
		{"sensors", c.Sensors.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			return fieldErr(s.name, s.err)
		}
	}

	if err := c.validateDecision(); err != nil {
		return err
	}
	if c.HTTP.Addr == "" {
		return invalid("http.addr", "required")
	}
	if c.Bridge.Enabled {
		if err := c.Bridge.Config.Validate(); err != nil {
			return fieldErr("bridge", err)
		}
	}
	if c.Vision.Enabled {
		if err := c.Vision.Config.Validate(); err != nil {
			return fieldErr("vision", err)
		}
	}
	return nil
}

func (c Config) validateDecision() error {
	switch c.Decision.Provider {
	case decision.KindRules:
	case decision.KindLLM:
		if err := c.validateLLM(); err != nil {
			return err
		}
	default:
		return invalid("decision.decision_provider", "unknown provider %q", c.Decision.Provider)
	}

	seen := make(map[string]bool, len(c.Decision.Rules))
	for i, r := range c.Decision.Rules {
		field := fmt.Sprintf("decision.rules[%d]", i)
		if err := r.Validate(); err != nil {
			return fieldErr(field, err)
		}
		if c.Decision.StrictRules && seen[r.Name] {
			return fieldErr(field, fmt.Errorf("%w: %q", rules.ErrDuplicateRule, r.Name))
		}
		seen[r.Name] = true
		for _, a := range r.Actions {
			if err := dispatch.ValidateToken(a); err != nil {
				return fieldErr(field, err)
			}
		}
	}
	return nil
}

func (c Config) validateLLM() error {
	l := c.LLM
	switch l.Backend {
	case BackendOpenAI:
		if l.OpenAIKey == "" && l.BaseURL == "" {
			return invalid("llm", "%s is required for the openai backend", EnvOpenAIKey)
		}
	case BackendGemini:
		if l.GeminiKey == "" {
			return invalid("llm", "%s is required for the gemini backend", EnvGeminiKey)
		}
	case BackendChain:
		if l.OpenAIKey == "" && l.GeminiKey == "" {
			return invalid("llm", "the chain backend needs %s or %s", EnvOpenAIKey, EnvGeminiKey)
		}
	default:
		return invalid("llm.backend", "unknown backend %q", l.Backend)
	}
	if l.DecisionTimeout <= 0 || l.RequestTimeout <= 0 {
		return invalid("llm", "timeouts must be positive")
	}
	if l.CallsPerSecond <= 0 || l.Burst <= 0 {
		return invalid("llm", "call budget must be positive")
	}
	if l.LatencyAlpha <= 0 || l.LatencyAlpha > 1 {
		return invalid("llm.latency_alpha", "must be within (0, 1], got %v", l.LatencyAlpha)
	}
	return nil
}
