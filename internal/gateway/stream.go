package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamBuffer     = 32
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type streamClient struct {
	send chan []byte
}

// streamHub fans messages out to websocket clients.
type streamHub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	done    chan struct{}
	closed  bool
	dropped atomic.Int64
	logger  zerolog.Logger
}

func newStreamHub(logger zerolog.Logger) *streamHub {
	return &streamHub{
		clients: make(map[*streamClient]struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (h *streamHub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// publish encodes data once and offers it to every client without blocking.
func (h *streamHub) publish(kind string, data interface{}) {
	msg, err := json.Marshal(streamMessage{Type: kind, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", kind).Msg("failed to encode stream message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// close disconnects every client and refuses new ones. Hijacked
// connections are not closed by http.Server.Shutdown.
func (h *streamHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (s *Server) handleV1Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, "EVAL-001", "Method not allowed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := &streamClient{send: make(chan []byte, streamBuffer)}
	if !s.hub.add(client) {
		return
	}
	defer s.hub.remove(client)

	s.logger.Debug().Str("client", clientAddr(r)).Msg("stream client connected")

	// The read side only services control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.hub.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case msg := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
