package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/sensor"
)

const (
	liveSendQueue  = 64
	livePingPeriod = (pongWait * 9) / 10
)

// LiveEvent is one monitor update pushed to live viewers
type LiveEvent struct {
	Type      string                 `json:"type"` // state, reading or error
	State     models.ConnectionState `json:"state"`
	Reading   *CurrentReading        `json:"reading,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewLiveEvent converts a monitor update
func NewLiveEvent(u sensor.Update) LiveEvent {
	ev := LiveEvent{State: u.State, Timestamp: time.Now()}
	switch u.Kind {
	case sensor.UpdateReading:
		ev.Type = "reading"
		ev.Reading = newCurrentReading(u.Reading)
	case sensor.UpdateError:
		ev.Type = "error"
		if u.Err != nil {
			ev.Error = u.Err.Error()
		}
	default:
		ev.Type = "state"
	}
	return ev
}

// LiveHub fans monitor updates out to websocket viewers.
// Publish never blocks: a viewer whose queue is full misses the event.
type LiveHub struct {
	upgrader       websocket.Upgrader
	allowedOrigins []string
	logger         zerolog.Logger

	mutex   sync.RWMutex
	clients map[*liveClient]struct{}
	closed  bool

	dropped int64
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewLiveHub creates a hub
func NewLiveHub(logger zerolog.Logger, allowedOrigins ...string) *LiveHub {
	h := &LiveHub{
		allowedOrigins: allowedOrigins,
		logger:         logger,
		clients:        make(map[*liveClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, h.allowedOrigins, h.logger)
		},
	}
	return h
}

// Publish sends u to every viewer. Safe to use as a monitor subscriber.
func (h *LiveHub) Publish(u sensor.Update) {
	data, err := json.Marshal(NewLiveEvent(u))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode live event")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped++
		}
	}
}

// ClientCount returns the number of connected viewers
func (h *LiveHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow viewers
func (h *LiveHub) Dropped() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.dropped
}

// ServeHTTP upgrades a viewer connection
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade live connection")
		return
	}

	c := &liveClient{conn: conn, send: make(chan []byte, liveSendQueue)}
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mutex.Unlock()

	h.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Live viewer connected")

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards viewer messages and detects disconnects
func (h *LiveHub) readPump(c *liveClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("Live viewer error")
			}
			return
		}
	}
}

func (h *LiveHub) writePump(c *liveClient) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LiveHub) remove(c *liveClient) {
	h.mutex.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mutex.Unlock()

	if ok {
		c.close()
		h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("Live viewer disconnected")
	}
}

// Close disconnects every viewer and rejects new ones
func (h *LiveHub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}
