// Package hub fans JSON frames out to websocket watchers. It keeps a short
// history so a watcher that joins mid-run sees the most recent frames first.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-picar/internal/log"
)

const (
	queueSize      = 256
	defaultHistory = 16
)

// Stats is a point-in-time view of a hub.
type Stats struct {
	Name     string `json:"name"`
	Watchers int    `json:"watchers"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Evicted  uint64 `json:"evicted"`
}

// Hub owns the watcher set. All set changes happen on the Run goroutine.
type Hub struct {
	name    string
	logger  *slog.Logger
	history int

	frames chan []byte
	join   chan *watcher
	leave  chan *watcher
	done   chan struct{}

	mu       sync.RWMutex
	watchers map[*watcher]struct{}
	recent   [][]byte

	running atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithHistory sets how many recent frames are replayed to new watchers.
// Zero disables replay.
func WithHistory(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.history = n
		}
	}
}

// New creates a hub. name only labels log lines.
func New(name string, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		name:     name,
		logger:   log.Or(logger).With("component", "hub", "hub", name),
		history:  defaultHistory,
		frames:   make(chan []byte, queueSize),
		join:     make(chan *watcher),
		leave:    make(chan *watcher),
		done:     make(chan struct{}),
		watchers: make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers frames until ctx is cancelled, then disconnects every
// watcher. A Hub runs once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-h.join:
			h.add(w)
		case w := <-h.leave:
			h.remove(w, "left")
		case frame := <-h.frames:
			h.deliver(frame)
		}
	}
}

func (h *Hub) add(w *watcher) {
	h.mu.Lock()
	for _, frame := range h.recent {
		select {
		case w.out <- frame:
		default:
		}
	}
	h.watchers[w] = struct{}{}
	n := len(h.watchers)
	h.mu.Unlock()
	h.logger.Info("watcher joined", "watchers", n, "remote", w.remote)
}

func (h *Hub) remove(w *watcher, reason string) {
	h.mu.Lock()
	_, ok := h.watchers[w]
	if ok {
		delete(h.watchers, w)
		close(w.out)
	}
	n := len(h.watchers)
	h.mu.Unlock()
	if ok {
		h.logger.Info("watcher "+reason, "watchers", n, "remote", w.remote)
	}
}

func (h *Hub) deliver(frame []byte) {
	h.mu.Lock()
	if h.history > 0 {
		if len(h.recent) == h.history {
			copy(h.recent, h.recent[1:])
			h.recent = h.recent[:h.history-1]
		}
		h.recent = append(h.recent, frame)
	}
	var slow []*watcher
	for w := range h.watchers {
		select {
		case w.out <- frame:
			h.sent.Add(1)
		default:
			slow = append(slow, w)
		}
	}
	h.mu.Unlock()

	for _, w := range slow {
		h.evicted.Add(1)
		h.remove(w, "evicted")
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for w := range h.watchers {
		delete(h.watchers, w)
		close(w.out)
	}
	h.mu.Unlock()
	h.running.Store(false)
	close(h.done)
}

// Publish queues frame for every watcher without blocking. When the queue
// is full the frame is dropped and counted.
func (h *Hub) Publish(frame []byte) {
	select {
	case h.frames <- frame:
	default:
		h.dropped.Add(1)
		h.logger.Debug("queue full, dropping frame")
	}
}

// BroadcastJSON encodes v and publishes it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Publish(data)
	return nil
}

// ClientCount returns the number of connected watchers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Running reports whether Run is active.
func (h *Hub) Running() bool { return h.running.Load() }

// Dropped counts frames lost to a full queue.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Name:     h.name,
		Watchers: h.ClientCount(),
		Sent:     h.sent.Load(),
		Dropped:  h.dropped.Load(),
		Evicted:  h.evicted.Load(),
	}
}
