package hub

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-picar/internal/log"
)

// serve exposes h on a local listener and returns its websocket URL.
func serve(t *testing.T, h *Hub, greeting ...[]byte) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) { h.Serve(c, greeting...) }))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { _ = app.Shutdown() })
	return "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *gws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.TextMessage, kind)
	return string(data)
}

func start(t *testing.T, h *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return cancel
}

func watchers(h *Hub, n int) func() bool {
	return func() bool { return h.ClientCount() == n }
}

func TestHub_Fanout(t *testing.T) {
	h := New("test", log.Discard(), WithHistory(0))
	start(t, h)

	url := serve(t, h, []byte(`{"hello":true}`))
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, watchers(h, 2), 2*time.Second, 5*time.Millisecond)

	assert.JSONEq(t, `{"hello":true}`, read(t, a), "greeting comes first")
	read(t, b)

	require.NoError(t, h.BroadcastJSON(map[string]int{"seq": 1}))
	for _, c := range []*gws.Conn{a, b} {
		assert.JSONEq(t, `{"seq":1}`, read(t, c))
	}
	require.Eventually(t, func() bool { return h.Stats().Sent == 2 }, time.Second, time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, watchers(h, 1), 2*time.Second, 5*time.Millisecond)
}

func TestHub_ReplaysRecentFrames(t *testing.T) {
	h := New("test", log.Discard(), WithHistory(3))
	start(t, h)

	for i := 1; i <= 5; i++ {
		h.Publish([]byte(strconv.Itoa(i)))
	}
	url := serve(t, h, []byte(`"status"`))

	// frames are queued, so wait until the last one was recorded
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.recent) == 3 && string(h.recent[2]) == "5"
	}, time.Second, time.Millisecond)

	c := dial(t, url)
	assert.Equal(t, `"status"`, read(t, c))
	assert.Equal(t, []string{"3", "4", "5"}, []string{read(t, c), read(t, c), read(t, c)})

	h.Publish([]byte("6"))
	assert.Equal(t, "6", read(t, c))
}

func TestHub_ShutdownClosesWatchers(t *testing.T) {
	h := New("test", log.Discard())
	cancel := start(t, h)

	conn := dial(t, serve(t, h))
	require.Eventually(t, watchers(h, 1), 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !h.Running() }, time.Second, time.Millisecond)
	assert.Zero(t, h.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "shutdown ends the connection")
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := New("test", log.Discard())
	for i := 0; i < queueSize+10; i++ {
		h.Publish([]byte("{}"))
	}
	assert.Equal(t, uint64(10), h.Dropped())
	assert.Equal(t, uint64(10), h.Stats().Dropped)
	assert.Error(t, h.BroadcastJSON(make(chan int)))
}

func TestHub_EvictsSlowWatcher(t *testing.T) {
	h := New("test", log.Discard(), WithHistory(0))
	w := &watcher{out: make(chan []byte, 1)}
	h.add(w)

	h.deliver([]byte("a"))
	h.deliver([]byte("b"))

	assert.Zero(t, h.ClientCount())
	assert.Equal(t, uint64(1), h.Stats().Evicted)
	assert.Equal(t, uint64(1), h.Stats().Sent)
	_, open := <-w.out
	assert.True(t, open, "buffered frame is still readable")
	_, open = <-w.out
	assert.False(t, open)
}
