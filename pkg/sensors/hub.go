// Package sensors gathers vision, audio and range readings for the loop.
//
// Capture tasks run in the background and publish into Cells. The loop
// calls Snapshot once per cycle; it never waits on a capture task, only on
// the range finder and only up to a bounded timeout.
package sensors

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/robot"
)

// VisionSource produces a detection report for the current camera frame.
type VisionSource interface {
	Detect(ctx context.Context) (perception.Report, error)
}

// AudioSource returns the next utterance, or "" if nothing was heard
// before ctx expired.
type AudioSource interface {
	Listen(ctx context.Context) (string, error)
}

// VisionFunc adapts a function to VisionSource.
type VisionFunc func(ctx context.Context) (perception.Report, error)

// Detect implements VisionSource.
func (f VisionFunc) Detect(ctx context.Context) (perception.Report, error) { return f(ctx) }

// AudioFunc adapts a function to AudioSource.
type AudioFunc func(ctx context.Context) (string, error)

// Listen implements AudioSource.
func (f AudioFunc) Listen(ctx context.Context) (string, error) { return f(ctx) }

// Config holds capture cadence and freshness limits.
type Config struct {
	VisionInterval   time.Duration `yaml:"vision_interval" json:"vision_interval"`
	VisionTimeout    time.Duration `yaml:"vision_timeout" json:"vision_timeout"`
	VisionMaxAge     time.Duration `yaml:"vision_max_age" json:"vision_max_age"`
	ListenTimeout    time.Duration `yaml:"listen_timeout" json:"listen_timeout"`
	TranscriptMaxAge time.Duration `yaml:"transcript_max_age" json:"transcript_max_age"`
	DistanceTimeout  time.Duration `yaml:"distance_timeout" json:"distance_timeout"`
}

// DefaultConfig returns capture settings suited to a 10 Hz loop.
func DefaultConfig() Config {
	return Config{
		VisionInterval:   100 * time.Millisecond,
		VisionTimeout:    time.Second,
		VisionMaxAge:     time.Second,
		ListenTimeout:    5 * time.Second,
		TranscriptMaxAge: 10 * time.Second,
		DistanceTimeout:  50 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.VisionInterval <= 0 || c.VisionTimeout <= 0 || c.ListenTimeout <= 0 || c.DistanceTimeout <= 0 {
		return errors.New("sensors: intervals and timeouts must be positive")
	}
	if c.VisionMaxAge < 0 || c.TranscriptMaxAge < 0 {
		return errors.New("sensors: max ages must not be negative")
	}
	return nil
}

// Snapshot is what the sensors offered for one cycle. Missing lists the
// sensors that gave nothing usable; their fields hold absent values.
type Snapshot struct {
	Report     perception.Report
	Transcript string
	Distance   float64
	State      robot.State
	Missing    []error
}

// RobotState reduces the actuator state to what the context needs.
func (s Snapshot) RobotState() perception.RobotState {
	return perception.RobotState{Moving: s.State.Moving(), Speed: s.State.Speed}
}

// Stats counts capture outcomes.
type Stats struct {
	Frames         uint64 `json:"frames"`
	VisionErrors   uint64 `json:"vision_errors"`
	Transcripts    uint64 `json:"transcripts"`
	AudioErrors    uint64 `json:"audio_errors"`
	DistanceErrors uint64 `json:"distance_errors"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithVision sets the vision source.
func WithVision(v VisionSource) Option { return func(h *Hub) { h.vision = v } }

// WithAudio sets the audio source.
func WithAudio(a AudioSource) Option { return func(h *Hub) { h.audio = a } }

// WithRangeFinder sets the distance sensor.
func WithRangeFinder(r robot.RangeFinder) Option { return func(h *Hub) { h.ranger = r } }

// WithStateReader sets where actuator state comes from.
func WithStateReader(s robot.StateReader) Option { return func(h *Hub) { h.state = s } }

// WithClock replaces time.Now for freshness checks.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// Hub owns the capture tasks and the latest readings.
type Hub struct {
	cfg    Config
	vision VisionSource
	audio  AudioSource
	ranger robot.RangeFinder
	state  robot.StateReader
	now    func() time.Time
	logger *slog.Logger

	report     *Cell[perception.Report]
	transcript *Cell[string]

	frames, visionErrs, transcripts, audioErrs, distanceErrs atomic.Uint64
}

// NewHub creates a Hub. Sources left unset are reported as missing.
func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = log.Or(h.logger).With("component", "sensors")
	h.report = NewCell[perception.Report](cfg.VisionMaxAge, h.now)
	h.transcript = NewCell[string](cfg.TranscriptMaxAge, h.now)
	return h
}

// PushReport publishes a detection report from outside the Hub, for
// sources that push rather than get polled.
func (h *Hub) PushReport(r perception.Report) {
	h.report.Set(r)
	h.frames.Add(1)
}

// PushTranscript publishes an utterance. Empty text is ignored.
func (h *Hub) PushTranscript(text string) {
	if text == "" {
		return
	}
	h.transcript.Set(text)
	h.transcripts.Add(1)
}

// Run polls the configured sources until ctx is done. It returns nil on
// cancellation.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if h.vision != nil {
		g.Go(func() error { return h.runVision(gctx) })
	}
	if h.audio != nil {
		g.Go(func() error { return h.runAudio(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (h *Hub) runVision(ctx context.Context) error {
	t := time.NewTicker(h.cfg.VisionInterval)
	defer t.Stop()
	failing := false
	for {
		cctx, cancel := context.WithTimeout(ctx, h.cfg.VisionTimeout)
		r, err := h.vision.Detect(cctx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			h.visionErrs.Add(1)
			if !failing {
				h.logger.Warn("vision capture failed", "error", err)
			}
			failing = true
		default:
			if failing {
				h.logger.Info("vision capture recovered")
			}
			failing = false
			if r.Timestamp.IsZero() {
				r.Timestamp = h.now()
			}
			h.PushReport(r)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (h *Hub) runAudio(ctx context.Context) error {
	failing := false
	for {
		cctx, cancel := context.WithTimeout(ctx, h.cfg.ListenTimeout)
		text, err := h.audio.Listen(cctx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			h.audioErrs.Add(1)
			if !failing {
				h.logger.Warn("audio capture failed", "error", err)
			}
			failing = true
			// back off so a dead microphone does not spin
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.cfg.VisionInterval):
			}
		default:
			failing = false
			if text != "" {
				h.logger.Debug("heard", "text", text)
				h.PushTranscript(text)
			}
		}
	}
}

// Snapshot gathers the readings for one cycle. It consumes the pending
// transcript and reads the range finder under DistanceTimeout.
func (h *Hub) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{Distance: perception.UnknownDistance}

	if h.vision != nil {
		if r, _, ok := h.report.Get(); ok {
			s.Report = r
		} else {
			s.Missing = append(s.Missing, unavailable(SourceVision, ErrStale))
		}
	} else if r, _, ok := h.report.Get(); ok {
		s.Report = r
	}

	if text, ok := h.transcript.Take(); ok {
		s.Transcript = text
	}

	s.Distance = h.readDistance(ctx, &s)

	if h.state != nil {
		s.State = h.state.State()
	} else {
		s.State = robot.State{Movement: robot.Stopped}
	}
	return s
}

func (h *Hub) readDistance(ctx context.Context, s *Snapshot) float64 {
	if h.ranger == nil {
		s.Missing = append(s.Missing, unavailable(SourceRange, ErrNoSource))
		return perception.UnknownDistance
	}
	dctx, cancel := context.WithTimeout(ctx, h.cfg.DistanceTimeout)
	defer cancel()

	type result struct {
		d   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := h.ranger.Distance(dctx)
		ch <- result{d, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			h.distanceErrs.Add(1)
			s.Missing = append(s.Missing, unavailable(SourceRange, r.err))
			return perception.UnknownDistance
		}
		return perception.NormalizeDistance(r.d)
	case <-dctx.Done():
		h.distanceErrs.Add(1)
		s.Missing = append(s.Missing, unavailable(SourceRange, dctx.Err()))
		return perception.UnknownDistance
	}
}

// Stats returns capture counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Frames:         h.frames.Load(),
		VisionErrors:   h.visionErrs.Load(),
		Transcripts:    h.transcripts.Load(),
		AudioErrors:    h.audioErrs.Load(),
		DistanceErrors: h.distanceErrs.Load(),
	}
}
