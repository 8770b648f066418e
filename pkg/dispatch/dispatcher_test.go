package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/robot"
)

type pauses struct {
	mu sync.Mutex
	d  []time.Duration
}

func (p *pauses) pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.d = append(p.d, d)
	p.mu.Unlock()
	return ctx.Err()
}

type modes struct {
	mode decision.Mode
	err  error
}

func (m *modes) Mode() decision.Mode { return m.mode }

func (m *modes) SetMode(mode decision.Mode) error {
	if m.err != nil {
		return m.err
	}
	m.mode = mode
	return nil
}

type colors struct{ target string }

func (c *colors) SetTargetColor(color string) error {
	c.target = color
	return nil
}

func newDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *robot.Sim, *pauses) {
	t.Helper()
	sim := robot.NewSim(robot.DefaultConfig())
	p := &pauses{}
	base := []Option{
		WithPause(p.pause),
		WithCoin(func() bool { return true }),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }),
		WithLogger(log.Discard()),
	}
	return New(sim, DefaultConfig(), append(base, opts...)...), sim, p
}

func TestDispatch_SimpleActions(t *testing.T) {
	tests := []struct {
		action string
		want   []string
	}{
		{"stop", []string{"stop"}},
		{"move_forward", []string{"forward(30)"}},
		{"move_forward_slow", []string{"forward(15)"}},
		{"move_forward_fast", []string{"forward(50)"}},
		{"move_backward", []string{"backward(30)"}},
		{"turn_left", []string{"steer(-30)"}},
		{"turn_right", []string{"steer(30)"}},
		{"center_steering", []string{"steer(0)"}},
		{"turn_random", []string{"steer(-30)", "steer(0)"}},
		{"play_sound", []string{"sound(beep)"}},
		{"play_sound:alert", []string{"sound(alert)"}},
		{"speak:Hello there", []string{"speak(Hello there)"}},
		{"take_photo", []string{"photo(picar_20260301_123000)"}},
		{"look_up", []string{"tilt(5)"}},
		{"look_down", []string{"tilt(-25)"}},
		{"look_left", []string{"pan(-15)"}},
		{"look_right", []string{"pan(15)"}},
		{"center_camera", []string{"pan(0)", "tilt(-10)"}},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			d, sim, _ := newDispatcher(t)
			require.NoError(t, d.Execute(context.Background(), tt.action, Env{}))

			var got []string
			for _, c := range sim.Commands() {
				got = append(got, c.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	d, sim, _ := newDispatcher(t)
	boom := errors.New("motor jammed")
	sim.FailOn("forward", boom)

	errs := d.Dispatch(context.Background(), []string{"move_forward", "fly", "speak:still here"}, Env{})
	require.Len(t, errs, 2)

	var de *Error
	require.ErrorAs(t, errs[0], &de)
	assert.Equal(t, "move_forward", de.Action)
	assert.ErrorIs(t, errs[0], boom)

	require.ErrorAs(t, errs[1], &de)
	assert.Equal(t, "fly", de.Action)
	assert.ErrorIs(t, errs[1], ErrUnknownAction)

	assert.Equal(t, []string{"forward", "speak"}, sim.CommandNames())
	assert.Equal(t, Stats{Executed: 3, Failed: 2}, d.Stats())
}

func TestDispatch_CancelledContext(t *testing.T) {
	d, sim, _ := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := d.Dispatch(ctx, []string{"move_forward", "stop"}, Env{})
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Empty(t, sim.Commands())

	require.NoError(t, d.Halt(ctx), "halt ignores cancellation")
	assert.Equal(t, []string{"stop"}, sim.CommandNames())
}

func TestDispatch_AvoidObstacle(t *testing.T) {
	d, sim, p := newDispatcher(t)
	require.NoError(t, d.Execute(context.Background(), "avoid_obstacle", Env{}))

	assert.Equal(t, []string{"stop", "backward", "stop", "steer", "forward", "stop", "steer"}, sim.CommandNames())
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond, 500 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond,
	}, p.d)
	assert.Equal(t, 0, sim.State().Steering)
	assert.False(t, sim.State().Moving())
}

func TestDispatch_TimedDriveStopsAfterInterruptedPause(t *testing.T) {
	interrupted := errors.New("interrupted")
	d, sim, _ := newDispatcher(t, WithPause(func(context.Context, time.Duration) error { return interrupted }))
	env := Env{Context: perception.Context{VoiceDetected: true, VoiceText: "go forward"}}

	err := d.Execute(context.Background(), "execute_command", env)
	assert.ErrorIs(t, err, interrupted)
	assert.Equal(t, []string{"forward", "stop"}, sim.CommandNames())
	assert.False(t, sim.State().Moving())
}

func TestDispatch_Scan(t *testing.T) {
	d, sim, p := newDispatcher(t)
	require.NoError(t, d.Execute(context.Background(), "scan_environment", Env{}))

	var got []string
	for _, c := range sim.Commands() {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		"pan(-60)", "pan(-40)", "pan(-20)", "pan(0)", "pan(20)", "pan(40)", "pan(60)",
		"pan(0)", "tilt(-10)",
	}, got)
	assert.Len(t, p.d, 7)
}

func TestTrackStep(t *testing.T) {
	cfg := robot.DefaultConfig()
	st := robot.State{CameraPan: 0, CameraTilt: -10}

	tests := []struct {
		name      string
		x, y      float64
		pan, tilt int
	}{
		{"centered", 320, 240, 0, -10},
		{"inside dead zone", 325, 236, 0, -10},
		{"right", 400, 240, 2, -10},
		{"top right corner", 640, 0, 9, -3},
		{"bottom left corner", 0, 480, -9, -17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pan, tilt := TrackStep(st, cfg, tt.x, tt.y, 640, 480, 10)
			assert.Equal(t, tt.pan, pan)
			assert.Equal(t, tt.tilt, tilt)
		})
	}

	pan, tilt := TrackStep(robot.State{CameraPan: 88, CameraTilt: 29}, cfg, 640, 0, 640, 480, 0)
	assert.Equal(t, 90, pan, "clamped to pan range")
	assert.Equal(t, 30, tilt, "clamped to tilt range")
}

func TestDispatch_TrackFace(t *testing.T) {
	d, sim, _ := newDispatcher(t)
	env := Env{Report: perception.Report{
		FrameWidth:  640,
		FrameHeight: 480,
		Faces:       []perception.Detection{{X: 640, Y: 0, Width: 50, Height: 50}},
	}}
	require.NoError(t, d.Execute(context.Background(), "track_face", env))
	assert.Equal(t, 9, sim.State().CameraPan)
	assert.Equal(t, -3, sim.State().CameraTilt)

	sim.Reset()
	require.NoError(t, d.Execute(context.Background(), "track_color", env), "no colour is a no-op")
	assert.Empty(t, sim.Commands())
}

func TestDispatch_VoiceCommands(t *testing.T) {
	voice := func(text string) Env {
		return Env{Context: perception.Context{VoiceDetected: true, VoiceText: text}}
	}

	t.Run("turn right", func(t *testing.T) {
		d, sim, p := newDispatcher(t)
		errs := d.Dispatch(context.Background(), []string{"parse_command", "execute_command"}, voice("please turn right"))
		assert.Empty(t, errs)
		assert.Equal(t, []string{"steer", "forward", "stop", "steer"}, sim.CommandNames())
		assert.Equal(t, []time.Duration{500 * time.Millisecond}, p.d)
	})

	t.Run("follow me switches mode", func(t *testing.T) {
		m := &modes{mode: decision.ModeAutonomous}
		d, sim, _ := newDispatcher(t, WithModeSwitcher(m))
		require.NoError(t, d.Execute(context.Background(), "execute_command", voice("Follow me")))
		assert.Equal(t, decision.ModeTracking, m.mode)
		assert.Equal(t, "sound(success)", sim.Commands()[0].String())
	})

	t.Run("mode switch refused", func(t *testing.T) {
		m := &modes{err: errors.New("locked")}
		d, sim, _ := newDispatcher(t, WithModeSwitcher(m))
		assert.Error(t, d.Execute(context.Background(), "execute_command", voice("explore")))
		assert.Empty(t, sim.Commands())
	})

	t.Run("track colour", func(t *testing.T) {
		c := &colors{}
		d, _, _ := newDispatcher(t, WithColorSelector(c))
		require.NoError(t, d.Execute(context.Background(), "execute_command", voice("busca azul")))
		assert.Equal(t, "blue", c.target)
	})

	t.Run("unwired collaborators", func(t *testing.T) {
		d, _, _ := newDispatcher(t)
		assert.ErrorIs(t, d.Execute(context.Background(), "execute_command", voice("track red")), ErrUnsupported)
		assert.ErrorIs(t, d.Execute(context.Background(), "execute_command", voice("follow me")), ErrUnsupported)
	})

	t.Run("status", func(t *testing.T) {
		m := &modes{mode: decision.ModeExploration}
		d, sim, _ := newDispatcher(t, WithModeSwitcher(m))
		env := voice("status")
		env.Context.ObstacleDistance = perception.UnknownDistance
		require.NoError(t, d.Execute(context.Background(), "execute_command", env))

		cmds := sim.Commands()
		require.Len(t, cmds, 1)
		text := cmds[0].Args[0].(string)
		assert.Contains(t, text, "Mode exploration.")
		assert.Contains(t, text, `voice command: "status", obstacle distance unknown, stopped`)
		assert.Contains(t, text, "camera pan=0 tilt=-10")
	})

	t.Run("unrecognised utterance", func(t *testing.T) {
		d, sim, _ := newDispatcher(t)
		errs := d.Dispatch(context.Background(), []string{"parse_command", "execute_command"}, voice("sing a song"))
		assert.Empty(t, errs)
		assert.Empty(t, sim.Commands())
	})
}
