package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/protocol"
	"github.com/teslashibe/go-picar/pkg/sensors"
)

type recordSink struct {
	mu          sync.Mutex
	reports     []perception.Report
	transcripts []string
}

func (s *recordSink) PushReport(r perception.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordSink) PushTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, text)
}

func (s *recordSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports), len(s.transcripts)
}

type detectorFunc func(ctx context.Context, jpeg []byte) (perception.Report, error)

func (f detectorFunc) DetectJPEG(ctx context.Context, jpeg []byte) (perception.Report, error) {
	return f(ctx, jpeg)
}

// serve mounts b on a local listener and returns the endpoint URL.
func serve(t *testing.T, b *Bridge) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	b.RegisterRoutes(app)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { _ = app.Shutdown() })
	return "ws://" + ln.Addr().String() + b.cfg.Path
}

func dial(t *testing.T, url string) *Publisher {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Dial(ctx, url, "picar-1", "test", log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestBridge_ForwardsReadings(t *testing.T) {
	sink := &recordSink{}
	b := New(DefaultConfig(), sink, WithLogger(log.Discard()))
	p := dial(t, serve(t, b)+"/front")

	require.Eventually(t, func() bool {
		cars := b.Cars()
		return len(cars) == 1 && cars[0].Name == "picar-1"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "front", b.Cars()[0].ID)

	require.NoError(t, p.Vision(perception.Report{Faces: []perception.Detection{{X: 100, Y: 80, Width: 40, Height: 40}}}))
	require.NoError(t, p.Transcript("  go forward "))
	require.NoError(t, p.Transcript("   "))
	require.NoError(t, p.Distance(42.5))

	require.Eventually(t, func() bool {
		return b.Stats().Distances == 1
	}, 2*time.Second, 5*time.Millisecond)

	reports, transcripts := sink.counts()
	assert.Equal(t, 1, reports)
	assert.Equal(t, 1, transcripts)
	sink.mu.Lock()
	assert.Equal(t, "go forward", sink.transcripts[0])
	assert.False(t, sink.reports[0].Timestamp.IsZero(), "bridge stamps unstamped reports")
	sink.mu.Unlock()

	d, err := b.Distance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, d)

	pong, err := p.Ping(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pong.ID)
	assert.GreaterOrEqual(t, pong.LatencyMs, int64(0))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Cars)
	assert.Zero(t, stats.Rejected)

	require.NoError(t, p.Close())
	require.Eventually(t, func() bool { return b.Stats().Cars == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_ReconnectReplacesCar(t *testing.T) {
	b := New(DefaultConfig(), &recordSink{}, WithLogger(log.Discard()))
	url := serve(t, b) + "/front"

	first := dial(t, url)
	require.Eventually(t, func() bool { return b.Stats().Cars == 1 }, 2*time.Second, 5*time.Millisecond)
	b.mu.RLock()
	old := b.cars["front"]
	b.mu.RUnlock()
	require.NotNil(t, old)

	second := dial(t, url)
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.cars["front"] != old
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection was not closed")
	}

	msg, err := protocol.NewErrorMessage("late")
	require.NoError(t, err)
	assert.ErrorIs(t, old.Send(msg), ErrCarGone)
	old.drop()

	_, err = second.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().Cars)
}

func TestBridge_RejectsAndReplies(t *testing.T) {
	b := New(DefaultConfig(), &recordSink{}, WithLogger(log.Discard()))
	p := dial(t, serve(t, b))

	require.NoError(t, p.Frame(320, 240, []byte{0xff, 0xd8}, 1))
	require.Eventually(t, func() bool { return p.Rejected() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, p.LastError(), "no detector")

	cycle, err := protocol.NewCycleMessage(protocol.CycleData{Seq: 1})
	require.NoError(t, err)
	require.NoError(t, p.send(cycle))
	require.Eventually(t, func() bool { return p.Rejected() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, p.LastError(), "unsupported message type")
	assert.Equal(t, uint64(2), b.Stats().Rejected)
}

func TestBridge_Frames(t *testing.T) {
	sink := &recordSink{}
	var got []byte
	det := detectorFunc(func(_ context.Context, jpeg []byte) (perception.Report, error) {
		got = jpeg
		if len(jpeg) == 0 {
			return perception.Report{}, errors.New("empty frame")
		}
		return perception.Report{Colors: []perception.Detection{{Label: "red"}}}, nil
	})
	b := New(DefaultConfig(), sink, WithDetector(det), WithLogger(log.Discard()))
	car := &Car{ID: "c"}

	frame, err := protocol.NewFrameMessage(320, 240, []byte{1, 2, 3}, 9)
	require.NoError(t, err)
	data, _ := frame.Bytes()
	require.NoError(t, b.handleMessage(context.Background(), car, data))
	assert.Equal(t, []byte{1, 2, 3}, got)

	reports, _ := sink.counts()
	require.Equal(t, 1, reports)
	assert.Equal(t, "red", sink.reports[0].Colors[0].Label)

	empty, _ := protocol.NewFrameMessage(320, 240, nil, 10)
	data, _ = empty.Bytes()
	err = b.handleMessage(context.Background(), car, data)
	assert.ErrorContains(t, err, "detect frame 10")
	assert.Equal(t, uint64(2), b.Stats().Frames)
}

func TestBridge_MessageErrors(t *testing.T) {
	b := New(DefaultConfig(), &recordSink{}, WithLogger(log.Discard()))
	car := &Car{ID: "c"}
	ctx := context.Background()

	assert.Error(t, b.handleMessage(ctx, car, []byte("not json")))
	assert.Error(t, b.handleMessage(ctx, car, []byte(`{"data":{}}`)), "type is required")
	assert.Error(t, b.handleMessage(ctx, car, []byte(`{"type":"distance"}`)), "data is required")
	assert.ErrorIs(t, b.handleMessage(ctx, car, []byte(`{"type":"status","data":{}}`)), ErrUnsupported)
	assert.ErrorIs(t, b.handleMessage(ctx, car, []byte(`{"type":"frame","data":{}}`)), ErrNoDetector)
}

func TestBridge_DistanceGoesStale(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	b := New(DefaultConfig(), &recordSink{}, WithClock(clock), WithLogger(log.Discard()))
	ctx := context.Background()

	_, err := b.Distance(ctx)
	assert.ErrorIs(t, err, ErrNoReading)

	msg, _ := protocol.NewDistanceMessage(15)
	data, _ := msg.Bytes()
	require.NoError(t, b.handleMessage(ctx, &Car{}, data))

	d, err := b.Distance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15.0, d)

	now = now.Add(600 * time.Millisecond)
	_, err = b.Distance(ctx)
	assert.ErrorIs(t, err, ErrNoReading)
}

func TestBridge_FeedsSensorHub(t *testing.T) {
	b := New(DefaultConfig(), nil, WithLogger(log.Discard()))
	hub := sensors.NewHub(sensors.DefaultConfig(), sensors.WithRangeFinder(b), sensors.WithLogger(log.Discard()))
	b.sink = hub
	ctx := context.Background()

	for _, mk := range []func() (*protocol.Message, error){
		func() (*protocol.Message, error) {
			return protocol.NewVisionMessage(perception.Report{QRCodes: []perception.Detection{{Label: "dock"}}})
		},
		func() (*protocol.Message, error) { return protocol.NewTranscriptMessage("stop") },
		func() (*protocol.Message, error) { return protocol.NewDistanceMessage(12) },
	} {
		msg, err := mk()
		require.NoError(t, err)
		data, _ := msg.Bytes()
		require.NoError(t, b.handleMessage(ctx, &Car{}, data))
	}

	snap := hub.Snapshot(ctx)
	assert.Empty(t, snap.Missing)
	assert.Equal(t, "dock", snap.Report.QRCodes[0].Label)
	assert.Equal(t, "stop", snap.Transcript)
	assert.Equal(t, 12.0, snap.Distance)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Path = "ws"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DistanceMaxAge = 0
	assert.Error(t, cfg.Validate())
}
