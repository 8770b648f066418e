package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/protocol"
)

// ErrClosed is returned after the publisher's connection is gone.
var ErrClosed = errors.New("bridge: publisher closed")

// Publisher is the car side of the bridge: it streams readings to a
// controller's /ws/sensors endpoint.
type Publisher struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.PongData
	lastErr string

	rejected atomic.Uint64
	done     chan struct{}
}

// Dial connects to url and introduces the car as robotID.
func Dial(ctx context.Context, url, robotID, version string, logger *slog.Logger) (*Publisher, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}

	p := &Publisher{
		conn:    conn,
		logger:  log.Or(logger).With("component", "publisher"),
		pending: make(map[string]chan protocol.PongData),
		done:    make(chan struct{}),
	}
	go p.readLoop()

	hello, err := protocol.NewHelloMessage(robotID, version)
	if err == nil {
		err = p.send(hello)
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Vision sends a detection report.
func (p *Publisher) Vision(r perception.Report) error {
	msg, err := protocol.NewVisionMessage(r)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// Frame sends a JPEG frame for detection on the controller.
func (p *Publisher) Frame(width, height int, jpeg []byte, id uint64) error {
	msg, err := protocol.NewFrameMessage(width, height, jpeg, id)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// Transcript sends an utterance.
func (p *Publisher) Transcript(text string) error {
	msg, err := protocol.NewTranscriptMessage(text)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// Distance sends an ultrasonic reading in cm.
func (p *Publisher) Distance(cm float64) error {
	msg, err := protocol.NewDistanceMessage(cm)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// Ping measures the round trip to the controller.
func (p *Publisher) Ping(ctx context.Context) (protocol.PongData, error) {
	id := uuid.NewString()
	ch := make(chan protocol.PongData, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	msg, err := protocol.NewPingMessage(id)
	if err != nil {
		return protocol.PongData{}, err
	}
	if err := p.send(msg); err != nil {
		return protocol.PongData{}, err
	}

	select {
	case pong := <-ch:
		return pong, nil
	case <-p.done:
		return protocol.PongData{}, ErrClosed
	case <-ctx.Done():
		return protocol.PongData{}, ctx.Err()
	}
}

// Rejected counts error replies from the controller.
func (p *Publisher) Rejected() uint64 { return p.rejected.Load() }

// LastError returns the most recent rejection reason.
func (p *Publisher) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Done is closed once the connection has ended.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// Close sends a close frame and waits for the reader to exit.
func (p *Publisher) Close() error {
	p.writeMu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()

	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	err := p.conn.Close()
	<-p.done
	return err
}

func (p *Publisher) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Publisher) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("read ended", "error", err)
			}
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			p.logger.Warn("bad message from controller", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypePong:
			pong, err := protocol.Decode[protocol.PongData](msg, protocol.TypePong)
			if err != nil {
				continue
			}
			p.mu.Lock()
			ch := p.pending[pong.ID]
			p.mu.Unlock()
			if ch != nil {
				select {
				case ch <- pong:
				default:
				}
			}
		case protocol.TypeError:
			var e protocol.ErrorData
			if err := msg.ParseData(&e); err != nil {
				continue
			}
			p.rejected.Add(1)
			p.mu.Lock()
			p.lastErr = e.Message
			p.mu.Unlock()
			p.logger.Warn("controller rejected message", "reason", e.Message)
		}
	}
}
