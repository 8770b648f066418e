package robot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Command is one call recorded by Sim.
type Command struct {
	Name string
	Args []any
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = fmt.Sprint(a)
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Sim is an in-memory PiCar-X. It records every command, answers distance
// reads from a script and can be told to fail specific commands.
type Sim struct {
	cfg Config
	*tracker

	mu        sync.Mutex
	log       []Command
	distances []float64
	fail      map[string]error
	photoDir  string
}

// NewSim creates a simulated car. Distance reads return the scripted values
// in order and then keep returning the last one; with no script they return 100.
func NewSim(cfg Config, distances ...float64) *Sim {
	return &Sim{
		cfg:       cfg,
		tracker:   newTracker(cfg, 0),
		distances: distances,
		fail:      make(map[string]error),
		photoDir:  "photos",
	}
}

// SetDistances replaces the distance script.
func (s *Sim) SetDistances(ds ...float64) {
	s.mu.Lock()
	s.distances = ds
	s.mu.Unlock()
}

// FailOn makes every call to the named command return err. A nil err clears it.
func (s *Sim) FailOn(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, name)
		return
	}
	s.fail[name] = err
}

// Commands returns a copy of the command log.
func (s *Sim) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.log...)
}

// CommandNames returns just the names from the command log.
func (s *Sim) CommandNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.log))
	for i, c := range s.log {
		names[i] = c.Name
	}
	return names
}

// Reset clears the command log.
func (s *Sim) Reset() {
	s.mu.Lock()
	s.log = nil
	s.mu.Unlock()
}

func (s *Sim) record(ctx context.Context, name string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, Command{Name: name, Args: args})
	return s.fail[name]
}

// Forward implements Mover.
func (s *Sim) Forward(ctx context.Context, speed int) error {
	if err := s.record(ctx, "forward", speed); err != nil {
		return err
	}
	s.update(func(st *State) { st.Movement, st.Speed = Forward, speed })
	return nil
}

// Backward implements Mover.
func (s *Sim) Backward(ctx context.Context, speed int) error {
	if err := s.record(ctx, "backward", speed); err != nil {
		return err
	}
	s.update(func(st *State) { st.Movement, st.Speed = Backward, speed })
	return nil
}

// Stop implements Mover.
func (s *Sim) Stop(ctx context.Context) error {
	if err := s.record(ctx, "stop"); err != nil {
		return err
	}
	s.update(func(st *State) { st.Movement, st.Speed = Stopped, 0 })
	return nil
}

// SetSteering implements Steerer.
func (s *Sim) SetSteering(ctx context.Context, angle int) error {
	if err := s.record(ctx, "steer", angle); err != nil {
		return err
	}
	s.update(func(st *State) { st.Steering = angle })
	return nil
}

// SetCameraPan implements CameraMount.
func (s *Sim) SetCameraPan(ctx context.Context, angle int) error {
	angle = s.cfg.PanRange.Clamp(angle)
	if err := s.record(ctx, "pan", angle); err != nil {
		return err
	}
	s.update(func(st *State) { st.CameraPan = angle })
	return nil
}

// SetCameraTilt implements CameraMount.
func (s *Sim) SetCameraTilt(ctx context.Context, angle int) error {
	angle = s.cfg.TiltRange.Clamp(angle)
	if err := s.record(ctx, "tilt", angle); err != nil {
		return err
	}
	s.update(func(st *State) { st.CameraTilt = angle })
	return nil
}

// Distance implements RangeFinder. Reads are not recorded in the command log.
func (s *Sim) Distance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if err := s.fail["distance"]; err != nil {
		s.mu.Unlock()
		return 0, err
	}
	d := 100.0
	switch len(s.distances) {
	case 0:
	case 1:
		d = s.distances[0]
	default:
		d = s.distances[0]
		s.distances = s.distances[1:]
	}
	s.mu.Unlock()

	s.update(func(st *State) { st.LastDistance = d })
	return d, nil
}

// Speak implements Speaker.
func (s *Sim) Speak(ctx context.Context, text string) error {
	return s.record(ctx, "speak", text)
}

// PlaySound implements Speaker.
func (s *Sim) PlaySound(ctx context.Context, id string) error {
	if _, err := lookupSound(id); err != nil {
		return err
	}
	return s.record(ctx, "sound", id)
}

// TakePhoto implements Photographer. Nothing is written to disk.
func (s *Sim) TakePhoto(ctx context.Context, name string) (string, error) {
	if err := s.record(ctx, "photo", name); err != nil {
		return "", err
	}
	return filepath.Join(s.photoDir, name+".jpg"), nil
}

// Close implements Robot.
func (s *Sim) Close() error { return nil }
