package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/dispatch"
	"github.com/teslashibe/go-picar/pkg/rules"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "picar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10.0, cfg.Loop.Frequency)
	assert.Equal(t, decision.KindRules, cfg.Decision.Provider)
	assert.Equal(t, "http://picar.local:8000", cfg.BaseURL())
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvHost, "")
	t.Setenv(EnvLoopHz, "")
	t.Setenv(EnvProvider, "")

	path := writeFile(t, `
host: 192.168.1.40
obstacle_threshold_cm: 25
loop:
  loop_frequency_hz: 5
  mode: tracking
safety:
  emergency_stop_distance_cm: 12
  max_continuous_movement: 3s
decision:
  strict_rules: true
  rules:
    - name: greet
      priority: 0.6
      conditions:
        face_detected: true
        obstacle_distance: [">", 50]
      actions: ["speak:hello"]
vision:
  enabled: true
  face_model: ""
  target_color: blue
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://192.168.1.40:8000", cfg.BaseURL())
	assert.Equal(t, "http://192.168.1.40:8000/api/camera/snapshot", cfg.SnapshotURL())
	assert.Equal(t, 5.0, cfg.Loop.Frequency)
	assert.Equal(t, decision.ModeTracking, cfg.Loop.Mode)
	assert.Equal(t, 12.0, cfg.Safety.EmergencyStopDistance)
	assert.Equal(t, 3*time.Second, cfg.Safety.MaxContinuousMovement)
	assert.Equal(t, 25.0, cfg.ObstacleThreshold)

	require.Len(t, cfg.Decision.Rules, 1)
	r := cfg.Decision.Rules[0]
	assert.Equal(t, "greet", r.Name)
	assert.True(t, r.Enabled)
	assert.Equal(t, []string{"speak:hello"}, r.Actions)
	assert.True(t, r.Conditions["obstacle_distance"].IsCompare())

	assert.True(t, cfg.Vision.Enabled)
	assert.Equal(t, "blue", cfg.Vision.TargetColor)
	assert.Contains(t, cfg.Vision.Colors, "red", "unset keys keep their defaults")
	assert.Equal(t, 20, cfg.Dispatch.ScanStep)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "file", ce.Field)

	_, err = Load(writeFile(t, "loop: [not, a, map]"))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "file", ce.Field)

	cfg, err := Load(writeFile(t, `
decision:
  rules:
    - name: bad
      priority: 0.5
      conditions: {idle_time: ["~", 1]}
      actions: [stop]
`))
	require.NoError(t, err)
	err = cfg.Validate()
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "decision.rules[0]", ce.Field)
	assert.ErrorIs(t, err, rules.ErrUnknownOperator)
}

func TestLoadMovementSeconds(t *testing.T) {
	t.Setenv(EnvLoopHz, "")

	cfg, err := Load(writeFile(t, "safety:\n  max_continuous_movement_s: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Safety.MaxContinuousMovement)
	assert.Equal(t, 10.0, cfg.Safety.EmergencyStopDistance, "other limits keep their defaults")

	cfg, err = Load(writeFile(t, "safety:\n  max_continuous_movement_s: 1.5\n  emergency_stop_distance_cm: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Safety.MaxContinuousMovement)
	assert.Equal(t, 8.0, cfg.Safety.EmergencyStopDistance)

	cfg, err = Load(writeFile(t, "safety:\n  max_continuous_movement: 4s\n"))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Safety.MaxContinuousMovement)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"top level", "loop_hz: 4\n"},
		{"nested", "loop:\n  frequency: 4\n"},
		{"safety", "safety:\n  max_movement: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "file", ce.Field)
		})
	}

	_, err := Load(writeFile(t, ""))
	assert.NoError(t, err, "an empty file is the defaults")
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		EnvHost:      "car:9000",
		EnvLoopHz:    "2.5",
		EnvProvider:  " LLM ",
		EnvOpenAIKey: "sk-test",
		EnvGeminiKey: "g-test",
		EnvLogLevel:  "debug",
	})))
	assert.Equal(t, "http://car:9000", cfg.BaseURL())
	assert.Equal(t, 2.5, cfg.Loop.Frequency)
	assert.Equal(t, decision.KindLLM, cfg.Decision.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAIKey)
	assert.Equal(t, "g-test", cfg.LLM.GeminiKey)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NoError(t, cfg.Validate())

	err := cfg.ApplyEnv(env(map[string]string{EnvLoopHz: "fast"}))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, EnvLoopHz, ce.Field)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"picar.local", "http://picar.local:8000"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080"},
		{"https://car.example.com/", "https://car.example.com"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Host = tt.host
		assert.Equal(t, tt.want, cfg.BaseURL(), tt.host)
	}
}

func TestValidate(t *testing.T) {
	dup := rules.Rule{Name: "twice", Priority: 0.5, Enabled: true, Actions: []string{"stop"}}

	tests := []struct {
		name   string
		field  string
		mutate func(*Config)
		is     error
	}{
		{"zero frequency", "loop", func(c *Config) { c.Loop.Frequency = 0 }, nil},
		{"unknown mode", "loop", func(c *Config) { c.Loop.Mode = "dance" }, nil},
		{"negative safety distance", "safety", func(c *Config) { c.Safety.EmergencyStopDistance = -1 }, nil},
		{"speed out of range", "robot", func(c *Config) { c.Robot.FastSpeed = 150 }, nil},
		{"unknown provider", "decision.decision_provider", func(c *Config) { c.Decision.Provider = "oracle" }, ErrInvalid},
		{"priority out of range", "decision.rules[0]", func(c *Config) {
			c.Decision.Rules = []rules.Rule{{Name: "x", Priority: 2, Actions: []string{"stop"}}}
		}, rules.ErrInvalidPriority},
		{"duplicate rule", "decision.rules[1]", func(c *Config) {
			c.Decision.Rules = []rules.Rule{dup, dup}
		}, rules.ErrDuplicateRule},
		{"unknown action", "decision.rules[0]", func(c *Config) {
			c.Decision.Rules = []rules.Rule{{Name: "x", Priority: 0.5, Actions: []string{"fly"}}}
		}, dispatch.ErrUnknownAction},
		{"llm without key", "llm", func(c *Config) { c.Decision.Provider = decision.KindLLM }, ErrInvalid},
		{"unknown backend", "llm.backend", func(c *Config) {
			c.Decision.Provider = decision.KindLLM
			c.LLM.Backend = "oracle"
		}, ErrInvalid},
		{"no host", "host", func(c *Config) { c.Host = "" }, ErrInvalid},
		{"no listen address", "http.addr", func(c *Config) { c.HTTP.Addr = "" }, ErrInvalid},
		{"bad bridge path", "bridge", func(c *Config) {
			c.Bridge.Enabled = true
			c.Bridge.Path = "sensors"
		}, nil},
		{"bad vision target", "vision", func(c *Config) {
			c.Vision.Enabled = true
			c.Vision.TargetColor = "purple"
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestValidate_Lenient(t *testing.T) {
	cfg := DefaultConfig()
	dup := rules.Rule{Name: "twice", Priority: 0.5, Enabled: true, Actions: []string{"stop"}}
	cfg.Decision.Rules = []rules.Rule{dup, dup}
	cfg.Decision.StrictRules = false
	assert.NoError(t, cfg.Validate(), "later duplicates replace earlier ones outside strict mode")

	cfg = DefaultConfig()
	cfg.Sim = true
	cfg.Host = ""
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Decision.Provider = decision.KindLLM
	cfg.LLM.BaseURL = "http://localhost:11434/v1"
	assert.NoError(t, cfg.Validate(), "a local OpenAI-compatible server needs no key")
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := fieldErr("loop", inner)
	assert.Equal(t, "config: loop: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}
