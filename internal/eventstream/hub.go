// Package eventstream pushes circuit breaker events to websocket clients.
//
// Each event is written as one JSON text frame. A client that cannot keep
// up loses events rather than slowing the breakers down.
package eventstream

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
)

const defaultBuffer = 64

type Option func(*Hub)

// WithBuffer sets how many events may queue per client.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

type subscriber struct {
	events chan []byte
}

type Hub struct {
	mutex       sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool

	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subscribers: make(map[*subscriber]struct{}),
		buffer:      defaultBuffer,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish fans e out to every connected client without blocking.
func (h *Hub) Publish(e circuitbreaker.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode breaker event", "breaker", e.Breaker, "err", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for sub := range h.subscribers {
		select {
		case sub.events <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Listener adapts the hub for circuitbreaker.Subscribe.
func (h *Hub) Listener() circuitbreaker.Listener {
	return h.Publish
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	sub := h.add()
	if sub == nil {
		writeClose(conn)
		return
	}
	defer h.remove(sub)

	h.logger.Debug("Event stream client connected", "remote", r.RemoteAddr)
	defer h.logger.Debug("Event stream client disconnected", "remote", r.RemoteAddr)

	// Clients only ever send control frames; reading them lets us notice
	// when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-sub.events:
			if !ok {
				writeClose(conn)
				return
			}
			if err := wsutil.WriteServerText(conn, data); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		close(sub.events)
		delete(h.subscribers, sub)
	}
}

func (h *Hub) Subscribers() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.subscribers)
}

// Dropped counts events lost to full client buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) add() *subscriber {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return nil
	}
	sub := &subscriber{events: make(chan []byte, h.buffer)}
	h.subscribers[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *subscriber) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.events)
	}
}

func writeClose(conn net.Conn) {
	body := ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
}
