package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/teslashibe/go-picar/internal/httpc"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// FrameSource returns the current camera frame as JPEG.
type FrameSource interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// JPEGDetector turns a JPEG frame into a detection report.
type JPEGDetector interface {
	DetectJPEG(ctx context.Context, jpeg []byte) (perception.Report, error)
}

// HTTPFrames fetches frames from a snapshot endpoint such as the one the car
// daemon or mjpg-streamer serves.
type HTTPFrames struct {
	URL    string
	client *http.Client
}

// NewHTTPFrames creates an HTTP frame source.
func NewHTTPFrames(cfg Config) (*HTTPFrames, error) {
	if cfg.SnapshotURL == "" {
		return nil, errors.New("vision: snapshot_url is required")
	}
	return &HTTPFrames{URL: cfg.SnapshotURL, client: httpc.NewClient(cfg.Timeout)}, nil
}

// CaptureFrame implements FrameSource.
func (h *HTTPFrames) CaptureFrame(ctx context.Context) ([]byte, error) {
	data, err := httpc.GetBytes(ctx, h.client, h.URL)
	if err != nil {
		return nil, fmt.Errorf("vision: fetch frame: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	return data, nil
}

// Camera pairs a frame source with a detector. It is the vision source the
// sensor hub polls.
type Camera struct {
	frames   FrameSource
	detector JPEGDetector

	captured atomic.Uint64
	last     atomic.Pointer[[]byte]
}

// NewCamera creates a Camera.
func NewCamera(frames FrameSource, detector JPEGDetector) *Camera {
	return &Camera{frames: frames, detector: detector}
}

// Detect captures one frame and runs detection on it.
func (c *Camera) Detect(ctx context.Context) (perception.Report, error) {
	frame, err := c.frames.CaptureFrame(ctx)
	if err != nil {
		return perception.Report{}, err
	}
	c.captured.Add(1)
	c.last.Store(&frame)
	return c.detector.DetectJPEG(ctx, frame)
}

// LastFrame returns the most recently captured JPEG, if any.
func (c *Camera) LastFrame() ([]byte, bool) {
	p := c.last.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Captured counts frames fetched.
func (c *Camera) Captured() uint64 { return c.captured.Load() }
