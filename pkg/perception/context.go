// Package perception reduces raw sensor snapshots into the per-cycle Context that
// decision providers read.
//
// Build is pure: identical inputs always yield an identical Context, and nothing in
// this package owns a clock. The caller stamps Timestamp and computes IdleTime.
package perception

import (
	"fmt"
	"strings"
	"time"
)

// UnknownDistance marks a range reading that is missing or invalid.
const UnknownDistance = -1.0

// Kinds of detections reported by the vision collaborator.
const (
	KindFace        = "face"
	KindColor       = "color"
	KindQR          = "qr"
	KindGesture     = "gesture"
	KindTrafficSign = "traffic_sign"
)

// Detection is one bounding-box-tagged record from the vision collaborator.
// X and Y are the box centre in frame pixels.
type Detection struct {
	Kind       string  `json:"kind,omitempty"`
	Label      string  `json:"label,omitempty"` // colour name, QR payload, gesture or sign type
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Area returns width * height.
func (d Detection) Area() float64 {
	return d.Width * d.Height
}

// Report is a pre-computed detection report for one camera frame.
type Report struct {
	Timestamp    time.Time   `json:"timestamp"`
	FrameWidth   int         `json:"frame_width,omitempty"`
	FrameHeight  int         `json:"frame_height,omitempty"`
	Faces        []Detection `json:"faces,omitempty"`
	Colors       []Detection `json:"colors,omitempty"`
	QRCodes      []Detection `json:"qr_codes,omitempty"`
	Gestures     []Detection `json:"gestures,omitempty"`
	TrafficSigns []Detection `json:"traffic_signs,omitempty"`
}

// Of returns the detections of the given kind.
func (r Report) Of(kind string) []Detection {
	switch kind {
	case KindFace:
		return r.Faces
	case KindColor:
		return r.Colors
	case KindQR:
		return r.QRCodes
	case KindGesture:
		return r.Gestures
	case KindTrafficSign:
		return r.TrafficSigns
	default:
		return nil
	}
}

// Center returns the centre of the first detection of kind, if any.
func (r Report) Center(kind string) (x, y float64, ok bool) {
	dets := r.Of(kind)
	if len(dets) == 0 {
		return 0, 0, false
	}
	return dets[0].X, dets[0].Y, true
}

// Empty reports whether the frame produced no detections at all.
func (r Report) Empty() bool {
	return len(r.Faces) == 0 && len(r.Colors) == 0 && len(r.QRCodes) == 0 &&
		len(r.Gestures) == 0 && len(r.TrafficSigns) == 0
}

// RobotState is the slice of actuator state the context needs.
type RobotState struct {
	Moving bool `json:"moving"`
	Speed  int  `json:"speed"`
}

// Input is everything Build needs for one cycle.
type Input struct {
	Report     Report
	Transcript string // empty when no utterance is available
	State      RobotState
	Distance   float64 // cm, UnknownDistance when absent
	IdleTime   time.Duration
	Timestamp  time.Time
}

// Context is the normalized snapshot of all sensor-derived facts for one cycle.
// It is a value type; consumers receive copies and never mutate the builder's result.
type Context struct {
	Timestamp time.Time `json:"timestamp"`

	FaceDetected        bool    `json:"face_detected"`
	ColorDetected       bool    `json:"color_detected"`
	ColorSize           float64 `json:"color_size"`
	QRDetected          bool    `json:"qr_detected"`
	GestureDetected     bool    `json:"gesture_detected"`
	TrafficSignDetected bool    `json:"traffic_sign_detected"`

	VoiceDetected bool   `json:"voice_detected"`
	VoiceText     string `json:"voice_text,omitempty"`

	ObstacleDistance float64 `json:"obstacle_distance"`
	HasObstacle      bool    `json:"has_obstacle"`

	IdleTime     float64 `json:"idle_time"`
	IsMoving     bool    `json:"is_moving"`
	CurrentSpeed int     `json:"current_speed"`
}

// DistanceKnown reports whether ObstacleDistance holds a real reading.
func (c Context) DistanceKnown() bool {
	return c.ObstacleDistance >= 0
}

// Stimulated reports whether something worth reacting to was perceived.
func (c Context) Stimulated() bool {
	return c.FaceDetected || c.ColorDetected || c.VoiceDetected
}

// Builder turns sensor snapshots into contexts.
type Builder struct {
	// ObstacleThreshold is the distance (cm) below which has_obstacle is set.
	ObstacleThreshold float64
}

// NewBuilder returns a builder with the given obstacle threshold.
func NewBuilder(obstacleThreshold float64) Builder {
	return Builder{ObstacleThreshold: obstacleThreshold}
}

// Build derives a Context from in. It never fails; absent inputs produce false/zero fields.
func (b Builder) Build(in Input) Context {
	r := in.Report

	c := Context{
		Timestamp:           in.Timestamp,
		FaceDetected:        len(r.Faces) > 0,
		ColorDetected:       len(r.Colors) > 0,
		QRDetected:          len(r.QRCodes) > 0,
		GestureDetected:     len(r.Gestures) > 0,
		TrafficSignDetected: len(r.TrafficSigns) > 0,
		VoiceDetected:       len(in.Transcript) > 0,
		VoiceText:           in.Transcript,
		ObstacleDistance:    NormalizeDistance(in.Distance),
		IdleTime:            in.IdleTime.Seconds(),
		IsMoving:            in.State.Moving,
		CurrentSpeed:        in.State.Speed,
	}

	if c.ColorDetected {
		c.ColorSize = r.Colors[0].Area()
	}

	c.HasObstacle = c.DistanceKnown() && c.ObstacleDistance < b.ObstacleThreshold

	return c
}

// NormalizeDistance maps invalid hardware readings onto UnknownDistance.
// The ultrasonic driver reports 0 or a negative value when the echo is lost.
func NormalizeDistance(d float64) float64 {
	if d <= 0 || d != d {
		return UnknownDistance
	}
	return d
}

// Summary renders the context as short human-readable lines.
func (c Context) Summary() string {
	var parts []string

	if c.FaceDetected {
		parts = append(parts, "face detected")
	}
	if c.ColorDetected {
		parts = append(parts, fmt.Sprintf("colour detected (size %.0f)", c.ColorSize))
	}
	if c.QRDetected {
		parts = append(parts, "QR code detected")
	}
	if c.GestureDetected {
		parts = append(parts, "gesture detected")
	}
	if c.TrafficSignDetected {
		parts = append(parts, "traffic sign detected")
	}
	if c.VoiceDetected {
		parts = append(parts, fmt.Sprintf("voice command: %q", c.VoiceText))
	}

	if c.DistanceKnown() {
		d := fmt.Sprintf("obstacle distance %.1fcm", c.ObstacleDistance)
		if c.HasObstacle {
			d += " (close)"
		}
		parts = append(parts, d)
	} else {
		parts = append(parts, "obstacle distance unknown")
	}

	if c.IsMoving {
		parts = append(parts, fmt.Sprintf("moving at speed %d", c.CurrentSpeed))
	} else {
		parts = append(parts, "stopped")
	}

	if c.IdleTime > 5 {
		parts = append(parts, fmt.Sprintf("idle for %.1fs", c.IdleTime))
	}

	return strings.Join(parts, "\n")
}
