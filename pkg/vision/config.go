// Package vision runs onboard detection on camera frames: YuNet faces, HSV
// colour blobs for the selected target colour, and QR codes.
//
// Gesture and traffic-sign lists are always empty; no onboard model covers
// them.
package vision

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownColor is returned for a colour with no configured HSV range.
	ErrUnknownColor = errors.New("vision: unknown color")

	// ErrModelNotFound is returned when the face model file is missing.
	ErrModelNotFound = errors.New("vision: face model not found")

	// ErrEmptyFrame is returned for frames that decode to nothing.
	ErrEmptyFrame = errors.New("vision: empty frame")
)

// HSVRange is an inclusive OpenCV HSV box (H 0-180, S and V 0-255).
type HSVRange struct {
	Lower [3]float64 `yaml:"lower" json:"lower"`
	Upper [3]float64 `yaml:"upper" json:"upper"`
}

// Config holds detector and camera settings.
type Config struct {
	// FaceModel is the YuNet ONNX file. Empty disables face detection.
	FaceModel      string  `yaml:"face_model" json:"face_model"`
	FaceThreshold  float64 `yaml:"face_threshold" json:"face_threshold"`
	FaceNMS        float64 `yaml:"face_nms" json:"face_nms"`
	FaceInputWidth int     `yaml:"face_input_width" json:"face_input_width"`

	// Colors maps a colour name to one or more HSV ranges; red wraps
	// around hue 0 and needs two.
	Colors       map[string][]HSVRange `yaml:"colors" json:"colors"`
	TargetColor  string                `yaml:"target_color" json:"target_color"`
	MinColorArea float64               `yaml:"min_color_area" json:"min_color_area"`

	QRCodes bool `yaml:"qr_codes" json:"qr_codes"`

	// SnapshotURL serves the current camera frame as JPEG.
	SnapshotURL string        `yaml:"snapshot_url" json:"snapshot_url"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns settings for the PiCar-X camera at 640x480.
func DefaultConfig() Config {
	return Config{
		FaceModel:      "models/face_detection_yunet.onnx",
		FaceThreshold:  0.5,
		FaceNMS:        0.3,
		FaceInputWidth: 320,
		Colors: map[string][]HSVRange{
			"red": {
				{Lower: [3]float64{0, 120, 70}, Upper: [3]float64{10, 255, 255}},
				{Lower: [3]float64{170, 120, 70}, Upper: [3]float64{180, 255, 255}},
			},
			"blue":   {{Lower: [3]float64{100, 150, 50}, Upper: [3]float64{130, 255, 255}}},
			"green":  {{Lower: [3]float64{40, 70, 50}, Upper: [3]float64{80, 255, 255}}},
			"yellow": {{Lower: [3]float64{20, 100, 100}, Upper: [3]float64{35, 255, 255}}},
		},
		TargetColor:  "red",
		MinColorArea: 400,
		QRCodes:      true,
		Timeout:      2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FaceModel != "" {
		if c.FaceThreshold <= 0 || c.FaceThreshold > 1 {
			return fmt.Errorf("vision: face_threshold %v out of (0,1]", c.FaceThreshold)
		}
		if c.FaceNMS < 0 || c.FaceNMS > 1 {
			return fmt.Errorf("vision: face_nms %v out of [0,1]", c.FaceNMS)
		}
	}
	if c.MinColorArea < 0 {
		return errors.New("vision: min_color_area must not be negative")
	}
	for name, ranges := range c.Colors {
		if len(ranges) == 0 {
			return fmt.Errorf("vision: color %q has no ranges", name)
		}
		for _, r := range ranges {
			for i := range r.Lower {
				if r.Lower[i] > r.Upper[i] {
					return fmt.Errorf("vision: color %q: lower bound above upper", name)
				}
			}
		}
	}
	if c.TargetColor != "" {
		if _, err := c.ranges(c.TargetColor); err != nil {
			return err
		}
	}
	if c.Timeout <= 0 {
		return errors.New("vision: timeout must be positive")
	}
	return nil
}

// ColorNames lists the configured colours in order.
func (c Config) ColorNames() []string {
	names := make([]string, 0, len(c.Colors))
	for n := range c.Colors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c Config) ranges(color string) ([]HSVRange, error) {
	r, ok := c.Colors[normalizeColor(color)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownColor, color, strings.Join(c.ColorNames(), ", "))
	}
	return r, nil
}

func normalizeColor(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
