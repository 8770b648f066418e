package robot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/teslashibe/go-picar/internal/httpc"
	"github.com/teslashibe/go-picar/internal/log"
)

// DefaultPort is where the PiCar-X daemon listens.
const DefaultPort = 8000

// HTTPController drives the car through the PiCar-X daemon REST API.
// It remembers the last commanded state so the loop can read it without a
// round trip.
type HTTPController struct {
	BaseURL string

	cfg    Config
	client *http.Client
	logger *slog.Logger
	*tracker
}

// NewHTTPController creates a controller for the daemon at host, which may be
// a bare address ("192.168.1.40"), host:port or a full URL.
func NewHTTPController(host string, cfg Config, logger *slog.Logger) *HTTPController {
	base := host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if !strings.Contains(base, ":") {
			base = fmt.Sprintf("%s:%d", base, DefaultPort)
		}
		base = "http://" + base
	}

	return &HTTPController{
		BaseURL: strings.TrimSuffix(base, "/"),
		cfg:     cfg,
		client:  httpc.NewClient(httpc.DeviceTimeout),
		logger:  log.Or(logger).With("component", "robot.http"),
		tracker: newTracker(cfg, 0),
	}
}

type motorRequest struct {
	Direction string `json:"direction"`
	Speed     int    `json:"speed"`
}

type angleRequest struct {
	Angle int `json:"angle"`
}

type cameraRequest struct {
	Pan  *int `json:"pan,omitempty"`
	Tilt *int `json:"tilt,omitempty"`
}

type distanceResponse struct {
	Distance float64 `json:"distance"`
}

type speakRequest struct {
	Text string `json:"text"`
}

type photoRequest struct {
	Name string `json:"name"`
}

type photoResponse struct {
	Path string `json:"path"`
}

// Forward drives forward at speed (0-100).
func (r *HTTPController) Forward(ctx context.Context, speed int) error {
	return r.drive(ctx, Forward, speed)
}

// Backward drives backward at speed (0-100).
func (r *HTTPController) Backward(ctx context.Context, speed int) error {
	return r.drive(ctx, Backward, speed)
}

func (r *HTTPController) drive(ctx context.Context, dir MovementState, speed int) error {
	speed = Range{Min: 0, Max: 100}.Clamp(speed)
	if err := r.post(ctx, "/api/motor", motorRequest{Direction: string(dir), Speed: speed}, nil); err != nil {
		return fmt.Errorf("robot: %s: %w", dir, err)
	}
	r.update(func(s *State) {
		s.Movement = dir
		s.Speed = speed
	})
	r.logger.Debug("drive", "direction", dir, "speed", speed)
	return nil
}

// Stop halts the wheels.
func (r *HTTPController) Stop(ctx context.Context) error {
	if err := r.post(ctx, "/api/motor/stop", struct{}{}, nil); err != nil {
		return fmt.Errorf("robot: stop: %w", err)
	}
	r.update(func(s *State) {
		s.Movement = Stopped
		s.Speed = 0
	})
	return nil
}

// SetSteering sets the front wheel angle.
func (r *HTTPController) SetSteering(ctx context.Context, angle int) error {
	if err := r.post(ctx, "/api/servo/steering", angleRequest{Angle: angle}, nil); err != nil {
		return fmt.Errorf("robot: steering: %w", err)
	}
	r.update(func(s *State) { s.Steering = angle })
	return nil
}

// SetCameraPan aims the camera horizontally, clamped to the pan range.
func (r *HTTPController) SetCameraPan(ctx context.Context, angle int) error {
	angle = r.cfg.PanRange.Clamp(angle)
	if err := r.post(ctx, "/api/servo/camera", cameraRequest{Pan: &angle}, nil); err != nil {
		return fmt.Errorf("robot: camera pan: %w", err)
	}
	r.update(func(s *State) { s.CameraPan = angle })
	return nil
}

// SetCameraTilt aims the camera vertically, clamped to the tilt range.
func (r *HTTPController) SetCameraTilt(ctx context.Context, angle int) error {
	angle = r.cfg.TiltRange.Clamp(angle)
	if err := r.post(ctx, "/api/servo/camera", cameraRequest{Tilt: &angle}, nil); err != nil {
		return fmt.Errorf("robot: camera tilt: %w", err)
	}
	r.update(func(s *State) { s.CameraTilt = angle })
	return nil
}

// Distance reads the ultrasonic sensor.
func (r *HTTPController) Distance(ctx context.Context) (float64, error) {
	var out distanceResponse
	if err := httpc.GetJSON(ctx, r.client, r.BaseURL+"/api/ultrasonic", &out); err != nil {
		return 0, fmt.Errorf("robot: distance: %w", err)
	}
	r.update(func(s *State) { s.LastDistance = out.Distance })
	return out.Distance, nil
}

// Speak says text through the onboard TTS.
func (r *HTTPController) Speak(ctx context.Context, text string) error {
	if err := r.post(ctx, "/api/tts", speakRequest{Text: text}, nil); err != nil {
		return fmt.Errorf("robot: speak: %w", err)
	}
	r.logger.Info("speaking", "text", text)
	return nil
}

// PlaySound plays one of the named tones in Sounds.
func (r *HTTPController) PlaySound(ctx context.Context, id string) error {
	snd, err := lookupSound(id)
	if err != nil {
		return err
	}
	if err := r.post(ctx, "/api/sound", snd, nil); err != nil {
		return fmt.Errorf("robot: sound %s: %w", id, err)
	}
	return nil
}

// TakePhoto asks the daemon to save a still and returns its path on the car.
func (r *HTTPController) TakePhoto(ctx context.Context, name string) (string, error) {
	var out photoResponse
	if err := r.post(ctx, "/api/camera/photo", photoRequest{Name: name}, &out); err != nil {
		return "", fmt.Errorf("robot: photo: %w", err)
	}
	return out.Path, nil
}

// DaemonStatus returns the daemon's reported state.
func (r *HTTPController) DaemonStatus(ctx context.Context) (string, error) {
	var status struct {
		State string `json:"state"`
	}
	if err := httpc.GetJSON(ctx, r.client, r.BaseURL+"/api/status", &status); err != nil {
		return "", fmt.Errorf("robot: daemon status: %w", err)
	}
	return status.State, nil
}

// Close releases idle connections.
func (r *HTTPController) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *HTTPController) post(ctx context.Context, path string, payload, out any) error {
	return httpc.PostJSON(ctx, r.client, r.BaseURL+path, payload, out)
}
