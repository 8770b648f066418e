package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
	pingEvery    = idleTimeout * 9 / 10

	// watchers only send control frames
	readLimit = 4 * 1024
	outBuffer = 64
)

type watcher struct {
	conn   *websocket.Conn
	remote string
	out    chan []byte
}

// Serve attaches conn as a watcher and blocks until it disconnects. The
// greeting frames go out before the replayed history and any live frame.
// Use it as a fiber websocket handler.
func (h *Hub) Serve(conn *websocket.Conn, greeting ...[]byte) {
	w := &watcher{
		conn: conn,
		out:  make(chan []byte, outBuffer+h.history+len(greeting)),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		w.remote = addr.String()
	}
	for _, frame := range greeting {
		w.out <- frame
	}

	select {
	case h.join <- w:
	case <-h.done:
		conn.Close()
		return
	}

	go w.write()
	w.read()

	select {
	case h.leave <- w:
	case <-h.done:
	}
	conn.Close()
}

// read discards everything but keeps the deadline moving on pongs, so a
// dead peer is noticed within idleTimeout.
func (w *watcher) read() {
	w.conn.SetReadLimit(readLimit)
	w.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write is the only goroutine that writes to conn.
func (w *watcher) write() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-w.out:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
