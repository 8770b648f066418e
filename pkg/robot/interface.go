// Package robot provides interfaces and implementations for PiCar-X control.
//
// The interfaces are deliberately small so consumers depend only on what they
// use: the safety path needs a Mover, tracking needs a CameraMount, and so on.
package robot

import "context"

// Mover drives the rear wheels.
type Mover interface {
	Forward(ctx context.Context, speed int) error
	Backward(ctx context.Context, speed int) error
	Stop(ctx context.Context) error
}

// Steerer sets the front wheel angle.
type Steerer interface {
	SetSteering(ctx context.Context, angle int) error
}

// CameraMount aims the pan/tilt camera head.
type CameraMount interface {
	SetCameraPan(ctx context.Context, angle int) error
	SetCameraTilt(ctx context.Context, angle int) error
}

// RangeFinder reads the ultrasonic sensor. Distances are in cm; a
// non-positive value means the echo was lost.
type RangeFinder interface {
	Distance(ctx context.Context) (float64, error)
}

// Speaker produces speech and tones.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	PlaySound(ctx context.Context, id string) error
}

// Photographer saves a still from the onboard camera and returns where it went.
type Photographer interface {
	TakePhoto(ctx context.Context, name string) (string, error)
}

// StateReader exposes the tracked actuator state.
type StateReader interface {
	State() State
}

// Robot is the composite interface for full car control.
type Robot interface {
	Mover
	Steerer
	CameraMount
	RangeFinder
	Speaker
	Photographer
	StateReader
	Close() error
}

var (
	_ Robot = (*HTTPController)(nil)
	_ Robot = (*Sim)(nil)
)
