// Package bridge lets a remote car stream its sensor readings to the
// controller over a websocket.
//
// The car connects to /ws/sensors and sends protocol messages: vision
// reports, transcripts, distance readings and optionally raw JPEG frames
// for onboard detection. Reports and transcripts are pushed into a Sink
// (normally a sensors.Hub); the latest distance is served through the
// Bridge's own robot.RangeFinder implementation.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/protocol"
	"github.com/teslashibe/go-picar/pkg/robot"
	"github.com/teslashibe/go-picar/pkg/sensors"
)

var (
	// ErrNoReading is returned by Distance when no fresh reading arrived.
	ErrNoReading = errors.New("bridge: no fresh distance reading")

	// ErrNoDetector is returned for frames when no detector is configured.
	ErrNoDetector = errors.New("bridge: frame received but no detector configured")

	// ErrUnsupported is returned for message types a car may not send.
	ErrUnsupported = errors.New("bridge: unsupported message type")

	// ErrCarGone is returned when sending to a car whose connection closed.
	ErrCarGone = errors.New("bridge: car has no connection")
)

// Sink receives readings pushed by a car.
type Sink interface {
	PushReport(perception.Report)
	PushTranscript(text string)
}

// FrameDetector turns a JPEG frame into a detection report.
type FrameDetector interface {
	DetectJPEG(ctx context.Context, jpeg []byte) (perception.Report, error)
}

// Config holds the endpoint path and freshness limits.
type Config struct {
	Path           string        `yaml:"path" json:"path"`
	DistanceMaxAge time.Duration `yaml:"distance_max_age" json:"distance_max_age"`
	DetectTimeout  time.Duration `yaml:"detect_timeout" json:"detect_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size" json:"max_message_size"`
}

// DefaultConfig serves /ws/sensors and treats distances older than half a
// second as lost.
func DefaultConfig() Config {
	return Config{
		Path:           "/ws/sensors",
		DistanceMaxAge: 500 * time.Millisecond,
		DetectTimeout:  time.Second,
		MaxMessageSize: 4 << 20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("bridge: path %q must start with /", c.Path)
	}
	if c.DistanceMaxAge <= 0 || c.DetectTimeout <= 0 || c.MaxMessageSize <= 0 {
		return errors.New("bridge: max age, detect timeout and message size must be positive")
	}
	return nil
}

// Car is one connected car.
type Car struct {
	ID        string
	Name      string
	Version   string
	Connected time.Time
	LastSeen  time.Time

	conn   *websocket.Conn
	closed bool
	mu     sync.Mutex
}

// Send writes msg to the car.
func (c *Car) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return ErrCarGone
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// drop closes the connection. Later sends fail with ErrCarGone.
func (c *Car) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	c.closed = true
	c.conn.Close()
}

// CarInfo describes a connected car.
type CarInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Version   string    `json:"version,omitempty"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Stats counts bridge traffic.
type Stats struct {
	Cars        int    `json:"cars"`
	Messages    uint64 `json:"messages"`
	Rejected    uint64 `json:"rejected"`
	Reports     uint64 `json:"reports"`
	Frames      uint64 `json:"frames"`
	Transcripts uint64 `json:"transcripts"`
	Distances   uint64 `json:"distances"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDetector enables frame messages.
func WithDetector(d FrameDetector) Option { return func(b *Bridge) { b.detector = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(b *Bridge) { b.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// Bridge accepts car connections and forwards their readings.
type Bridge struct {
	cfg      Config
	sink     Sink
	detector FrameDetector
	now      func() time.Time
	logger   *slog.Logger

	distance *sensors.Cell[float64]

	mu   sync.RWMutex
	cars map[string]*Car

	messages, rejected, reports, frames, transcripts, distances atomic.Uint64
}

// New creates a Bridge that pushes into sink.
func New(cfg Config, sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
		cars: make(map[string]*Car),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.Or(b.logger).With("component", "bridge")
	b.distance = sensors.NewCell[float64](cfg.DistanceMaxAge, b.now)
	return b
}

// RegisterRoutes mounts the websocket endpoint. A car may name itself in
// the path (/ws/sensors/:id); otherwise it gets a generated ID.
func (b *Bridge) RegisterRoutes(r fiber.Router) {
	upgrade := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	handler := websocket.New(b.handleCar, websocket.Config{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 4 * 1024,
	})
	r.Get(b.cfg.Path, upgrade, handler)
	r.Get(b.cfg.Path+"/:id", upgrade, handler)
}

// Distance returns the latest fresh distance reading.
func (b *Bridge) Distance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d, _, ok := b.distance.Get()
	if !ok {
		return 0, ErrNoReading
	}
	return d, nil
}

func (b *Bridge) handleCar(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}
	now := b.now()
	car := &Car{ID: id, Connected: now, LastSeen: now, conn: c}

	b.mu.Lock()
	if old, ok := b.cars[id]; ok {
		b.logger.Warn("car reconnected, dropping old connection", "car", id)
		old.drop()
	}
	b.cars[id] = car
	count := len(b.cars)
	b.mu.Unlock()
	b.logger.Info("car connected", "car", id, "cars", count)

	defer func() {
		b.mu.Lock()
		if b.cars[id] == car {
			delete(b.cars, id)
		}
		count := len(b.cars)
		b.mu.Unlock()
		b.logger.Info("car disconnected", "car", id, "cars", count)
	}()

	c.SetReadLimit(b.cfg.MaxMessageSize)
	ctx := context.Background()
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("car read failed", "car", id, "error", err)
			}
			return
		}

		car.mu.Lock()
		car.LastSeen = b.now()
		car.mu.Unlock()

		if err := b.handleMessage(ctx, car, data); err != nil {
			b.rejected.Add(1)
			b.logger.Debug("message rejected", "car", id, "error", err)
			if msg, merr := protocol.NewErrorMessage(err.Error()); merr == nil {
				if err := car.Send(msg); err != nil {
					return
				}
			}
		}
	}
}

// handleMessage applies one message from car.
func (b *Bridge) handleMessage(ctx context.Context, car *Car, data []byte) error {
	b.messages.Add(1)
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeHello:
		hello, err := protocol.Decode[protocol.HelloData](msg, protocol.TypeHello)
		if err != nil {
			return err
		}
		car.mu.Lock()
		car.Name, car.Version = hello.RobotID, hello.Version
		car.mu.Unlock()
		b.logger.Info("car introduced itself", "car", car.ID, "name", hello.RobotID, "version", hello.Version)

	case protocol.TypeVision:
		report, err := protocol.Decode[protocol.VisionData](msg, protocol.TypeVision)
		if err != nil {
			return err
		}
		b.pushReport(report)

	case protocol.TypeFrame:
		return b.handleFrame(ctx, msg)

	case protocol.TypeTranscript:
		t, err := protocol.Decode[protocol.TranscriptData](msg, protocol.TypeTranscript)
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(t.Text); text != "" {
			b.transcripts.Add(1)
			b.sink.PushTranscript(text)
		}

	case protocol.TypeDistance:
		d, err := protocol.Decode[protocol.DistanceData](msg, protocol.TypeDistance)
		if err != nil {
			return err
		}
		b.distances.Add(1)
		b.distance.Set(d.CM)

	case protocol.TypePing:
		ping, err := protocol.Decode[protocol.PingData](msg, protocol.TypePing)
		if err != nil {
			return err
		}
		pong, err := protocol.NewPongMessage(ping)
		if err != nil {
			return err
		}
		return car.Send(pong)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, msg.Type)
	}
	return nil
}

func (b *Bridge) handleFrame(ctx context.Context, msg *protocol.Message) error {
	if b.detector == nil {
		return ErrNoDetector
	}
	frame, err := protocol.Decode[protocol.FrameData](msg, protocol.TypeFrame)
	if err != nil {
		return err
	}
	jpeg, err := frame.JPEG()
	if err != nil {
		return fmt.Errorf("bridge: decode frame: %w", err)
	}
	b.frames.Add(1)

	dctx, cancel := context.WithTimeout(ctx, b.cfg.DetectTimeout)
	defer cancel()
	report, err := b.detector.DetectJPEG(dctx, jpeg)
	if err != nil {
		return fmt.Errorf("bridge: detect frame %d: %w", frame.FrameID, err)
	}
	b.pushReport(report)
	return nil
}

func (b *Bridge) pushReport(r perception.Report) {
	if r.Timestamp.IsZero() {
		r.Timestamp = b.now()
	}
	b.reports.Add(1)
	b.sink.PushReport(r)
}

// Cars lists the connected cars.
func (b *Bridge) Cars() []CarInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CarInfo, 0, len(b.cars))
	for _, c := range b.cars {
		c.mu.Lock()
		out = append(out, CarInfo{ID: c.ID, Name: c.Name, Version: c.Version, Connected: c.Connected, LastSeen: c.LastSeen})
		c.mu.Unlock()
	}
	return out
}

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	cars := len(b.cars)
	b.mu.RUnlock()
	return Stats{
		Cars:        cars,
		Messages:    b.messages.Load(),
		Rejected:    b.rejected.Load(),
		Reports:     b.reports.Load(),
		Frames:      b.frames.Load(),
		Transcripts: b.transcripts.Load(),
		Distances:   b.distances.Load(),
	}
}

var (
	_ robot.RangeFinder = (*Bridge)(nil)
	_ Sink              = (*sensors.Hub)(nil)
)
