package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-picar/internal/config"
	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/reasoner"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/rules"
	"github.com/teslashibe/go-picar/pkg/web"
)

func simConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Sim = true
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts ...Option) (*App, *robot.Sim) {
	t.Helper()
	sim := robot.NewSim(cfg.Robot, 100)
	a, err := New(cfg, append([]Option{WithRobot(sim), WithLogger(log.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, sim
}

func get(t *testing.T, a *App, method, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.Web().App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := simConfig()
	cfg.Loop.Frequency = 0
	_, err := New(cfg)
	var ce *config.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "loop", ce.Field)
}

func TestNew_RulesProvider(t *testing.T) {
	a, _ := newApp(t, simConfig())

	assert.Equal(t, 5, a.Rules().Len())
	assert.Nil(t, a.Bridge())
	assert.False(t, a.Loop().Running())

	code, body := get(t, a, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, code)
	var metrics map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &metrics))
	for _, k := range []string{"loop", "sensors", "dispatch", "safety"} {
		assert.Contains(t, metrics, k)
	}
	assert.NotContains(t, metrics, "reasoner")

	code, body = get(t, a, http.MethodPost, "/api/explain", `{"face_detected": true}`)
	require.Equal(t, http.StatusOK, code)
	var ex web.ExplainResponse
	require.NoError(t, json.Unmarshal(body, &ex))
	assert.Equal(t, decision.KindRules, ex.Provider)
	assert.Contains(t, ex.Explanation, "follow_face")
}

func TestNew_ConfiguredRulesReplaceDefaults(t *testing.T) {
	cfg := simConfig()
	cfg.Decision.Rules = []rules.Rule{{Name: "only", Priority: 0.5, Enabled: true, Actions: []string{"look_left"}}}
	a, _ := newApp(t, cfg)
	assert.Equal(t, []string{"only"}, a.Rules().ActiveRules())
}

func TestNew_RulesFile(t *testing.T) {
	path := t.TempDir() + "/rules.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: from_file
    priority: 0.4
    actions: [center_camera]
`), 0o644))
	cfg := simConfig()
	cfg.Decision.RulesFile = path
	a, _ := newApp(t, cfg)
	assert.Equal(t, []string{"from_file"}, a.Rules().ActiveRules())

	code, body := get(t, a, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"rules_file"`)

	cfg.Decision.RulesFile = t.TempDir() + "/missing.yaml"
	_, err := New(cfg, WithRobot(robot.NewSim(cfg.Robot)), WithLogger(log.Discard()))
	assert.Error(t, err)
}

func TestNew_LLMProvider(t *testing.T) {
	cfg := simConfig()
	cfg.Decision.Provider = decision.KindLLM
	cfg.LLM.OpenAIKey = "test"

	mock := reasoner.NewMock(`{"actions": ["look_left"], "reasoning": "curious", "priority": "low"}`)
	a, _ := newApp(t, cfg, WithBackend(mock))

	code, body := get(t, a, http.MethodPost, "/api/explain", `{}`)
	require.Equal(t, http.StatusOK, code)
	var ex web.ExplainResponse
	require.NoError(t, json.Unmarshal(body, &ex))
	assert.Equal(t, decision.KindLLM, ex.Provider)
	assert.Contains(t, ex.Explanation, "look_left")
	assert.Equal(t, 1, mock.CallCount())

	code, body = get(t, a, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"reasoner"`)
}

func TestNew_Bridge(t *testing.T) {
	cfg := simConfig()
	cfg.Bridge.Enabled = true
	a, _ := newApp(t, cfg)
	require.NotNil(t, a.Bridge())

	code, _ := get(t, a, http.MethodGet, "/ws/sensors", "")
	assert.Equal(t, http.StatusUpgradeRequired, code)

	code, body := get(t, a, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"bridge"`)
}

func TestModeSwitcher(t *testing.T) {
	a, _ := newApp(t, simConfig())
	require.NoError(t, a.SetMode(decision.ModeTracking))
	assert.Equal(t, decision.ModeTracking, a.Mode())
	assert.Equal(t, decision.ModeTracking, a.Loop().Mode())
	assert.Error(t, a.SetMode("dance"))
}

func TestRun(t *testing.T) {
	cfg := simConfig()
	cfg.Loop.Frequency = 50
	cfg.Decision.Rules = []rules.Rule{{Name: "glance", Priority: 0.5, Enabled: true, Actions: []string{"look_left"}}}
	a, sim := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx, decision.ModeExploration) }()

	require.Eventually(t, func() bool { return a.Loop().Metrics().Cycles >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Loop().Running())
	assert.Equal(t, decision.ModeExploration, a.Loop().Mode())
	assert.Contains(t, sim.CommandNames(), "pan")

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Loop().Running())
	assert.Equal(t, robot.Stopped, sim.State().Movement)
}

func TestClose_Idempotent(t *testing.T) {
	cfg := simConfig()
	cfg.Decision.Provider = decision.KindLLM
	cfg.LLM.OpenAIKey = "test"

	closed := 0
	mock := reasoner.NewMock(`{"actions": []}`)
	mock.CloseFunc = func() error { closed++; return nil }

	a, err := New(cfg, WithRobot(robot.NewSim(cfg.Robot)), WithBackend(mock), WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, closed)
}

func TestNewBackend(t *testing.T) {
	l := config.DefaultConfig().LLM

	l.Backend = config.BackendGemini
	_, err := newBackend(l, log.Discard())
	assert.ErrorIs(t, err, reasoner.ErrNoAPIKey)

	l.Backend = config.BackendChain
	l.OpenAIKey, l.GeminiKey = "a", "b"
	b, err := newBackend(l, log.Discard())
	require.NoError(t, err)
	chain, ok := b.(*reasoner.Chain)
	require.True(t, ok)
	assert.Len(t, chain.Backends(), 2)

	l.Backend = "oracle"
	_, err = newBackend(l, log.Discard())
	assert.Error(t, err)

	assert.NotEmpty(t, actionInfo())
}
