// Package dispatch turns action tokens into robot calls.
//
// The Dispatcher is the only place that understands the token encoding
// ("speak:<text>", "play_sound:<id>") and the voice command table. Every
// action in a batch runs even if an earlier one failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/robot"
)

// trackGain converts pixel error into servo degrees before smoothing.
const trackGain = 0.1

// Config holds dispatcher timing and geometry.
type Config struct {
	Robot robot.Config `yaml:"-" json:"-"`

	TurnDuration      time.Duration `yaml:"turn_duration" json:"turn_duration"`
	SettlePause       time.Duration `yaml:"settle_pause" json:"settle_pause"`
	BackOffDuration   time.Duration `yaml:"back_off_duration" json:"back_off_duration"`
	AvoidDriveOn      time.Duration `yaml:"avoid_drive_on" json:"avoid_drive_on"`
	ScanPause         time.Duration `yaml:"scan_pause" json:"scan_pause"`
	VoiceMoveDuration time.Duration `yaml:"voice_move_duration" json:"voice_move_duration"`
	VoiceTurnDuration time.Duration `yaml:"voice_turn_duration" json:"voice_turn_duration"`

	ScanFrom int `yaml:"scan_from" json:"scan_from"`
	ScanTo   int `yaml:"scan_to" json:"scan_to"`
	ScanStep int `yaml:"scan_step" json:"scan_step"`
	LookStep int `yaml:"look_step" json:"look_step"`

	// Frame size used for tracking when the report does not carry one.
	FrameWidth  int `yaml:"frame_width" json:"frame_width"`
	FrameHeight int `yaml:"frame_height" json:"frame_height"`

	// TrackDeadZone is the pixel error below which the camera is not moved.
	TrackDeadZone float64 `yaml:"track_dead_zone" json:"track_dead_zone"`

	VoiceCommands []VoiceCommand `yaml:"voice_commands" json:"voice_commands"`
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Robot:             robot.DefaultConfig(),
		TurnDuration:      500 * time.Millisecond,
		SettlePause:       200 * time.Millisecond,
		BackOffDuration:   500 * time.Millisecond,
		AvoidDriveOn:      800 * time.Millisecond,
		ScanPause:         300 * time.Millisecond,
		VoiceMoveDuration: time.Second,
		VoiceTurnDuration: 500 * time.Millisecond,
		ScanFrom:          -60,
		ScanTo:            60,
		ScanStep:          20,
		LookStep:          15,
		FrameWidth:        640,
		FrameHeight:       480,
		TrackDeadZone:     10,
		VoiceCommands:     DefaultVoiceCommands(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Robot.Validate(); err != nil {
		return err
	}
	if c.ScanStep <= 0 || c.ScanFrom > c.ScanTo {
		return fmt.Errorf("dispatch: scan sweep %d..%d step %d is empty", c.ScanFrom, c.ScanTo, c.ScanStep)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return errors.New("dispatch: frame size must be positive")
	}
	for _, vc := range c.VoiceCommands {
		if !KnownCommand(vc.Command) {
			return fmt.Errorf("dispatch: unknown voice command %q", vc.Command)
		}
	}
	return nil
}

// ModeSwitcher changes the loop's operating mode.
type ModeSwitcher interface {
	Mode() decision.Mode
	SetMode(decision.Mode) error
}

// ColorSelector chooses which colour the vision pipeline looks for.
type ColorSelector interface {
	SetTargetColor(color string) error
}

// Env is what the current cycle perceived. Actions that react to a
// detection or an utterance read it from here.
type Env struct {
	Context perception.Context
	Report  perception.Report
}

// Stats counts executed actions.
type Stats struct {
	Executed uint64 `json:"executed"`
	Failed   uint64 `json:"failed"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithModeSwitcher wires the follow_me and explore voice commands.
func WithModeSwitcher(m ModeSwitcher) Option {
	return func(d *Dispatcher) { d.modes = m }
}

// WithColorSelector wires the track_red and track_blue voice commands.
func WithColorSelector(c ColorSelector) Option {
	return func(d *Dispatcher) { d.colors = c }
}

// WithPause replaces the sleep used between timed steps.
func WithPause(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.pause = fn }
}

// WithCoin replaces the random left/right choice. It returns true for left.
func WithCoin(fn func() bool) Option {
	return func(d *Dispatcher) { d.coin = fn }
}

// WithClock replaces the clock used to name photos.
func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) { d.now = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher executes action tokens against a robot.
type Dispatcher struct {
	cfg    Config
	robot  robot.Robot
	modes  ModeSwitcher
	colors ColorSelector
	pause  func(ctx context.Context, d time.Duration) error
	coin   func() bool
	now    func() time.Time
	logger *slog.Logger

	executed atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Dispatcher.
func New(r robot.Robot, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg,
		robot: r,
		pause: Sleep,
		coin:  func() bool { return rand.Intn(2) == 0 },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.Or(d.logger).With("component", "dispatch")
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// batch carries parameters that live only for one Dispatch call.
type batch struct {
	env     Env
	parsed  bool
	command string
}

// Dispatch runs actions in order and returns one *Error per failed action.
// A failure never stops the remaining actions; only a cancelled context does.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []string, env Env) []error {
	b := &batch{env: env}
	var errs []error
	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			for _, skipped := range actions[i:] {
				errs = append(errs, &Error{Action: skipped, Err: err})
			}
			d.failed.Add(uint64(len(actions) - i))
			break
		}
		d.executed.Add(1)
		if err := d.execute(ctx, a, b); err != nil {
			d.failed.Add(1)
			d.logger.Warn("action failed", "action", a, "error", err)
			errs = append(errs, &Error{Action: a, Err: err})
		}
	}
	return errs
}

// Execute runs a single action.
func (d *Dispatcher) Execute(ctx context.Context, action string, env Env) error {
	if errs := d.Dispatch(ctx, []string{action}, env); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Halt stops the wheels even if ctx is already cancelled.
func (d *Dispatcher) Halt(ctx context.Context) error {
	if err := d.robot.Stop(context.WithoutCancel(ctx)); err != nil {
		return &Error{Action: ActionStop, Err: err}
	}
	return nil
}

// Stats returns action counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Executed: d.executed.Load(), Failed: d.failed.Load()}
}

func (d *Dispatcher) execute(ctx context.Context, token string, b *batch) error {
	if err := ValidateToken(token); err != nil {
		return err
	}
	name, arg := ParseToken(token)
	rc := d.cfg.Robot

	switch name {
	case ActionStop:
		return d.robot.Stop(ctx)
	case ActionForward:
		return d.robot.Forward(ctx, rc.DefaultSpeed)
	case ActionForwardSlow:
		return d.robot.Forward(ctx, rc.SlowSpeed)
	case ActionForwardFast:
		return d.robot.Forward(ctx, rc.FastSpeed)
	case ActionBackward:
		return d.robot.Backward(ctx, rc.DefaultSpeed)
	case ActionTurnLeft:
		return d.robot.SetSteering(ctx, rc.SteeringLeft)
	case ActionTurnRight:
		return d.robot.SetSteering(ctx, rc.SteeringRight)
	case ActionTurnRandom:
		return d.turnRandom(ctx)
	case ActionCenterSteering:
		return d.robot.SetSteering(ctx, rc.SteeringCenter)
	case ActionTrackFace:
		return d.track(ctx, perception.KindFace, b.env.Report)
	case ActionTrackColor:
		return d.track(ctx, perception.KindColor, b.env.Report)
	case ActionScan:
		return d.scan(ctx)
	case ActionAvoidObstacle:
		return d.avoidObstacle(ctx)
	case ActionTakePhoto:
		return d.takePhoto(ctx)
	case ActionPlaySound:
		if arg == "" {
			arg = defaultSound
		}
		return d.robot.PlaySound(ctx, arg)
	case ActionSpeak:
		return d.robot.Speak(ctx, strings.TrimSpace(arg))
	case ActionParseCommand:
		d.parse(b)
		return nil
	case ActionExecuteCommand:
		if !b.parsed {
			d.parse(b)
		}
		if b.command == "" {
			return nil
		}
		return d.runCommand(ctx, b.command, b.env)
	case ActionLookUp, ActionLookDown, ActionLookLeft, ActionLookRight:
		return d.look(ctx, name)
	case ActionCenterCamera:
		return d.centerCamera(ctx)
	}
	return fmt.Errorf("%w %q", ErrUnknownAction, token)
}

func (d *Dispatcher) parse(b *batch) {
	b.parsed = true
	cmd, ok := ParseVoice(d.cfg.VoiceCommands, b.env.Context.VoiceText)
	if !ok {
		b.command = ""
		if b.env.Context.VoiceText != "" {
			d.logger.Info("voice command not recognised", "text", b.env.Context.VoiceText)
		}
		return
	}
	b.command = cmd
	d.logger.Info("voice command", "command", cmd, "text", b.env.Context.VoiceText)
}

func (d *Dispatcher) runCommand(ctx context.Context, cmd string, env Env) error {
	rc := d.cfg.Robot
	switch cmd {
	case CommandForward:
		return d.timedDrive(ctx, robot.Forward, rc.DefaultSpeed, d.cfg.VoiceMoveDuration)
	case CommandBackward:
		return d.timedDrive(ctx, robot.Backward, rc.DefaultSpeed, d.cfg.VoiceMoveDuration)
	case CommandLeft, CommandRight:
		angle := rc.SteeringLeft
		if cmd == CommandRight {
			angle = rc.SteeringRight
		}
		if err := d.robot.SetSteering(ctx, angle); err != nil {
			return err
		}
		err := d.timedDrive(ctx, robot.Forward, rc.DefaultSpeed, d.cfg.VoiceTurnDuration)
		return errors.Join(err, d.robot.SetSteering(context.WithoutCancel(ctx), rc.SteeringCenter))
	case CommandStop:
		return d.robot.Stop(ctx)
	case CommandFollowMe:
		return d.switchMode(ctx, decision.ModeTracking)
	case CommandExplore:
		return d.switchMode(ctx, decision.ModeExploration)
	case CommandTrackRed, CommandTrackBlue:
		if d.colors == nil {
			return fmt.Errorf("%w: colour selection", ErrUnsupported)
		}
		return d.colors.SetTargetColor(strings.TrimPrefix(cmd, "track_"))
	case CommandLookUp:
		return d.look(ctx, ActionLookUp)
	case CommandLookDown:
		return d.look(ctx, ActionLookDown)
	case CommandLookLeft:
		return d.look(ctx, ActionLookLeft)
	case CommandLookRight:
		return d.look(ctx, ActionLookRight)
	case CommandTakePhoto:
		return d.takePhoto(ctx)
	case CommandStatus:
		return d.robot.Speak(ctx, d.status(env))
	}
	return fmt.Errorf("%w: voice command %q", ErrUnknownAction, cmd)
}

func (d *Dispatcher) switchMode(ctx context.Context, m decision.Mode) error {
	if d.modes == nil {
		return fmt.Errorf("%w: mode switching", ErrUnsupported)
	}
	if err := d.modes.SetMode(m); err != nil {
		return err
	}
	return d.robot.PlaySound(ctx, "success")
}

func (d *Dispatcher) status(env Env) string {
	mode := "unknown"
	if d.modes != nil {
		mode = string(d.modes.Mode())
	}
	seen := strings.ReplaceAll(env.Context.Summary(), "\n", ", ")
	return fmt.Sprintf("Mode %s. %s. %s", mode, seen, d.robot.State().Summary())
}

// timedDrive drives for dur and then stops. The stop is sent even when the
// pause was cut short by ctx.
func (d *Dispatcher) timedDrive(ctx context.Context, dir robot.MovementState, speed int, dur time.Duration) error {
	var err error
	if dir == robot.Backward {
		err = d.robot.Backward(ctx, speed)
	} else {
		err = d.robot.Forward(ctx, speed)
	}
	if err != nil {
		return err
	}
	perr := d.pause(ctx, dur)
	return errors.Join(perr, d.robot.Stop(context.WithoutCancel(ctx)))
}

func (d *Dispatcher) randomSteering() int {
	if d.coin() {
		return d.cfg.Robot.SteeringLeft
	}
	return d.cfg.Robot.SteeringRight
}

func (d *Dispatcher) turnRandom(ctx context.Context) error {
	if err := d.robot.SetSteering(ctx, d.randomSteering()); err != nil {
		return err
	}
	perr := d.pause(ctx, d.cfg.TurnDuration)
	return errors.Join(perr, d.robot.SetSteering(context.WithoutCancel(ctx), d.cfg.Robot.SteeringCenter))
}

func (d *Dispatcher) avoidObstacle(ctx context.Context) error {
	rc := d.cfg.Robot
	if err := d.robot.Stop(ctx); err != nil {
		return err
	}
	steps := []func() error{
		func() error { return d.pause(ctx, d.cfg.SettlePause) },
		func() error { return d.timedDrive(ctx, robot.Backward, rc.DefaultSpeed, d.cfg.BackOffDuration) },
		func() error { return d.pause(ctx, d.cfg.SettlePause) },
		func() error { return d.robot.SetSteering(ctx, d.randomSteering()) },
		func() error { return d.timedDrive(ctx, robot.Forward, rc.DefaultSpeed, d.cfg.AvoidDriveOn) },
	}
	var err error
	for _, step := range steps {
		if err = step(); err != nil {
			break
		}
	}
	return errors.Join(err, d.robot.SetSteering(context.WithoutCancel(ctx), rc.SteeringCenter))
}

// TrackStep returns the camera angles that move the view toward (x, y) in a
// w by h frame. Errors inside deadZone pixels leave that axis alone.
func TrackStep(st robot.State, cfg robot.Config, x, y, w, h, deadZone float64) (pan, tilt int) {
	pan, tilt = st.CameraPan, st.CameraTilt
	errX := x - w/2
	errY := y - h/2
	if math.Abs(errX) > deadZone {
		pan += int(errX * cfg.TrackSmoothness * trackGain)
	}
	if math.Abs(errY) > deadZone {
		tilt -= int(errY * cfg.TrackSmoothness * trackGain)
	}
	return cfg.PanRange.Clamp(pan), cfg.TiltRange.Clamp(tilt)
}

func (d *Dispatcher) track(ctx context.Context, kind string, r perception.Report) error {
	x, y, ok := r.Center(kind)
	if !ok {
		d.logger.Debug("nothing to track", "kind", kind)
		return nil
	}
	w, h := float64(r.FrameWidth), float64(r.FrameHeight)
	if w <= 0 || h <= 0 {
		w, h = float64(d.cfg.FrameWidth), float64(d.cfg.FrameHeight)
	}

	st := d.robot.State()
	pan, tilt := TrackStep(st, d.cfg.Robot, x, y, w, h, d.cfg.TrackDeadZone)
	if pan != st.CameraPan {
		if err := d.robot.SetCameraPan(ctx, pan); err != nil {
			return err
		}
	}
	if tilt != st.CameraTilt {
		if err := d.robot.SetCameraTilt(ctx, tilt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) scan(ctx context.Context) error {
	var err error
	for a := d.cfg.ScanFrom; a <= d.cfg.ScanTo; a += d.cfg.ScanStep {
		if err = d.robot.SetCameraPan(ctx, a); err != nil {
			break
		}
		if err = d.pause(ctx, d.cfg.ScanPause); err != nil {
			break
		}
	}
	return errors.Join(err, d.centerCamera(context.WithoutCancel(ctx)))
}

func (d *Dispatcher) look(ctx context.Context, action string) error {
	st := d.robot.State()
	step := d.cfg.LookStep
	switch action {
	case ActionLookUp:
		return d.robot.SetCameraTilt(ctx, st.CameraTilt+step)
	case ActionLookDown:
		return d.robot.SetCameraTilt(ctx, st.CameraTilt-step)
	case ActionLookLeft:
		return d.robot.SetCameraPan(ctx, st.CameraPan-step)
	default:
		return d.robot.SetCameraPan(ctx, st.CameraPan+step)
	}
}

func (d *Dispatcher) centerCamera(ctx context.Context) error {
	rc := d.cfg.Robot
	return errors.Join(d.robot.SetCameraPan(ctx, rc.PanCenter), d.robot.SetCameraTilt(ctx, rc.TiltCenter))
}

func (d *Dispatcher) takePhoto(ctx context.Context) error {
	path, err := d.robot.TakePhoto(ctx, "picar_"+d.now().Format(photoNameTimeTemplate))
	if err != nil {
		return err
	}
	d.logger.Info("photo saved", "path", path)
	return nil
}
