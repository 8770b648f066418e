package robot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-picar/internal/log"
)

// daemon is a fake PiCar-X daemon recording every request body.
type daemon struct {
	mu       sync.Mutex
	requests map[string][]map[string]any
	distance float64
	failPath string
}

func newDaemon(t *testing.T) (*daemon, *httptest.Server) {
	t.Helper()
	d := &daemon{requests: map[string][]map[string]any{}, distance: 42.5}
	srv := httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *daemon) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.URL.Path == d.failPath {
		http.Error(w, "servo fault", http.StatusInternalServerError)
		return
	}

	switch r.URL.Path {
	case "/api/ultrasonic":
		json.NewEncoder(w).Encode(map[string]float64{"distance": d.distance})
		return
	case "/api/status":
		json.NewEncoder(w).Encode(map[string]string{"state": "running"})
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	d.requests[r.URL.Path] = append(d.requests[r.URL.Path], body)

	if r.URL.Path == "/api/camera/photo" {
		json.NewEncoder(w).Encode(map[string]string{"path": "/home/pi/Pictures/" + body["name"].(string) + ".jpg"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (d *daemon) last(path string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	reqs := d.requests[path]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func TestNewHTTPController_BaseURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"192.168.1.40", "http://192.168.1.40:8000"},
		{"picar.local:9000", "http://picar.local:9000"},
		{"http://10.0.0.2:8000/", "http://10.0.0.2:8000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewHTTPController(tt.host, DefaultConfig(), log.Discard()).BaseURL)
	}
}

func TestHTTPController_Drive(t *testing.T) {
	d, srv := newDaemon(t)
	r := NewHTTPController(srv.URL, DefaultConfig(), log.Discard())
	ctx := context.Background()

	require.NoError(t, r.Forward(ctx, 30))
	assert.Equal(t, map[string]any{"direction": "forward", "speed": float64(30)}, d.last("/api/motor"))
	assert.True(t, r.State().Moving())
	assert.Equal(t, 30, r.State().Speed)

	require.NoError(t, r.Backward(ctx, 150))
	assert.Equal(t, float64(100), d.last("/api/motor")["speed"], "speed is clamped")

	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.State().Moving())
	assert.Equal(t, Stopped, r.State().Movement)
}

func TestHTTPController_CameraClamp(t *testing.T) {
	d, srv := newDaemon(t)
	r := NewHTTPController(srv.URL, DefaultConfig(), log.Discard())
	ctx := context.Background()

	require.NoError(t, r.SetCameraPan(ctx, 120))
	assert.Equal(t, float64(90), d.last("/api/servo/camera")["pan"])
	assert.NotContains(t, d.last("/api/servo/camera"), "tilt")

	require.NoError(t, r.SetCameraTilt(ctx, -45))
	assert.Equal(t, float64(-30), d.last("/api/servo/camera")["tilt"])

	st := r.State()
	assert.Equal(t, 90, st.CameraPan)
	assert.Equal(t, -30, st.CameraTilt)
}

func TestHTTPController_SensorsAndAudio(t *testing.T) {
	d, srv := newDaemon(t)
	r := NewHTTPController(srv.URL, DefaultConfig(), log.Discard())
	ctx := context.Background()

	dist, err := r.Distance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.5, dist)
	assert.Equal(t, 42.5, r.State().LastDistance)

	require.NoError(t, r.Speak(ctx, "hello"))
	assert.Equal(t, "hello", d.last("/api/tts")["text"])

	require.NoError(t, r.PlaySound(ctx, "alert"))
	assert.Equal(t, float64(80), d.last("/api/sound")["note"])

	err = r.PlaySound(ctx, "kazoo")
	assert.True(t, errors.Is(err, ErrUnknownSound))

	path, err := r.TakePhoto(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, "/home/pi/Pictures/snap.jpg", path)

	state, err := r.DaemonStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", state)
}

func TestHTTPController_ErrorKeepsState(t *testing.T) {
	d, srv := newDaemon(t)
	d.failPath = "/api/motor"
	r := NewHTTPController(srv.URL, DefaultConfig(), log.Discard())

	err := r.Forward(context.Background(), 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servo fault")
	assert.False(t, r.State().Moving(), "state only changes on success")
}

func TestSim(t *testing.T) {
	s := NewSim(DefaultConfig(), 50, 8)
	ctx := context.Background()

	require.NoError(t, s.Forward(ctx, 15))
	require.NoError(t, s.SetSteering(ctx, -30))
	require.NoError(t, s.SetCameraPan(ctx, -200))
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, []string{"forward", "steer", "pan", "stop"}, s.CommandNames())
	assert.Equal(t, "pan(-90)", s.Commands()[2].String())

	d1, _ := s.Distance(ctx)
	d2, _ := s.Distance(ctx)
	d3, _ := s.Distance(ctx)
	assert.Equal(t, []float64{50, 8, 8}, []float64{d1, d2, d3})

	boom := errors.New("motor jammed")
	s.FailOn("forward", boom)
	assert.ErrorIs(t, s.Forward(ctx, 30), boom)
	assert.False(t, s.State().Moving())
	s.FailOn("forward", nil)
	assert.NoError(t, s.Forward(ctx, 30))

	s.Reset()
	assert.Empty(t, s.Commands())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Stop(cancelled), context.Canceled)
}

func TestStateSummaryAndConfig(t *testing.T) {
	st := State{Movement: Forward, Speed: 30, LastDistance: 12.34, CameraPan: 5, CameraTilt: -10}
	assert.Equal(t, "forward, speed 30, distance 12.3cm, camera pan=5 tilt=-10", st.Summary())

	assert.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.FastSpeed = 0
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.TrackSmoothness = 2
	assert.Error(t, bad.Validate())
}
