package server

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/storage"
)

// Constants for WebSocket timeouts
const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Handler manages WebSocket uplinks from band clients
type Handler struct {
	upgrader       websocket.Upgrader
	authToken      string
	store          ReadingStore
	writer         SessionWriter
	logger         zerolog.Logger
	activeBands    map[string]*BandConnection
	allowedOrigins []string
	mutex          sync.RWMutex
}

// BandConnection represents an active band uplink
type BandConnection struct {
	DeviceID    string                 `json:"device_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	State       models.ConnectionState `json:"state"`
	LastError   string                 `json:"last_error,omitempty"`
	BufferSize  int                    `json:"buffer_size"`
	LastSeen    time.Time              `json:"last_seen"`
	ConnectedAt time.Time              `json:"connected_at"`
	Conn        *websocket.Conn        `json:"-"`
}

// NewHandler creates a new WebSocket handler
func NewHandler(authToken string, store ReadingStore, logger zerolog.Logger, allowedOrigins ...string) *Handler {
	h := &Handler{
		authToken:      authToken,
		store:          store,
		logger:         logger,
		activeBands:    make(map[string]*BandConnection),
		allowedOrigins: allowedOrigins,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// SetSessionWriter enables persistence of uplinked sessions and batches
func (h *Handler) SetSessionWriter(w SessionWriter) {
	h.writer = w
}

// checkOrigin validates the incoming request's Origin against the configured allowlist
func (h *Handler) checkOrigin(r *http.Request) bool {
	return originAllowed(r, h.allowedOrigins, h.logger)
}

// originAllowed accepts requests without an Origin header and those in the allowlist
func originAllowed(r *http.Request, allowed []string, logger zerolog.Logger) bool {
	origin := r.Header.Get("Origin")
	// No Origin header means same-origin request
	if origin == "" {
		return true
	}

	for _, a := range allowed {
		if origin == a {
			return true
		}
	}

	logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// ServeHTTP handles WebSocket connection requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected format: "Bearer <token>"
	if !h.validateToken(r.Header.Get("Authorization")) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	h.handleConnection(conn)
}

// validateToken checks if the auth token is valid
func (h *Handler) validateToken(authHeader string) bool {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	return ok && token != "" && token == h.authToken
}

// handleConnection manages a single WebSocket connection
func (h *Handler) handleConnection(conn *websocket.Conn) {
	connKey := conn.RemoteAddr().String()
	now := time.Now()
	band := &BandConnection{
		DeviceID:    connKey, // Replaced by the band ID from its first heartbeat
		Conn:        conn,
		LastSeen:    now,
		ConnectedAt: now,
	}

	h.mutex.Lock()
	h.activeBands[connKey] = band
	h.mutex.Unlock()

	defer conn.Close()
	defer h.removeBand(connKey)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(conn, connKey, &msg)
	}
}

// handleMessage processes a single message from the band
func (h *Handler) handleMessage(conn *websocket.Conn, connKey string, msg *models.Message) {
	h.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")

	var err error
	switch msg.Type {
	case models.MessageTypeHeartbeat:
		err = h.handleHeartbeat(connKey, msg)
	case models.MessageTypeReading:
		err = h.handleReading(connKey, msg)
	case models.MessageTypeBatch:
		err = h.handleBatch(connKey, msg)
	case models.MessageTypeSessionStart:
		err = h.handleSessionStart(connKey, msg)
	case models.MessageTypeSessionEnd:
		err = h.handleSessionEnd(connKey, msg)
	case models.MessageTypeState:
		err = h.handleState(connKey, msg)
	default:
		h.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
		h.sendError(conn, "unknown_type", "unknown message type: "+string(msg.Type))
		return
	}

	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to unmarshal payload")
		h.sendError(conn, "bad_payload", err.Error())
		return
	}

	h.touch(connKey)
	h.sendAck(conn)
}

// handleHeartbeat records the band's ID and buffer depth
func (h *Handler) handleHeartbeat(connKey string, msg *models.Message) error {
	var heartbeat models.HeartbeatMessage
	if err := msg.UnmarshalPayload(&heartbeat); err != nil {
		return err
	}

	h.mutex.Lock()
	if band, ok := h.activeBands[connKey]; ok {
		if heartbeat.DeviceID != "" {
			band.DeviceID = heartbeat.DeviceID
		}
		band.BufferSize = heartbeat.BufferSize
	}
	h.mutex.Unlock()

	h.logger.Debug().
		Str("device_id", heartbeat.DeviceID).
		Int64("uptime", heartbeat.Uptime).
		Int("buffer_size", heartbeat.BufferSize).
		Msg("Heartbeat received")
	return nil
}

// handleReading stores a single live reading
func (h *Handler) handleReading(connKey string, msg *models.Message) error {
	var rm models.ReadingMessage
	if err := msg.UnmarshalPayload(&rm); err != nil {
		return err
	}
	if rm.Reading == nil {
		h.logger.Warn().Str("device_id", rm.DeviceID).Msg("Reading ignored: empty")
		return nil
	}

	deviceID := h.deviceID(connKey, rm.DeviceID)
	h.store.Add(deviceID, rm.Reading)
	h.logger.Debug().
		Str("device_id", deviceID).
		Float64("heart_rate", rm.Reading.HeartRate).
		Float64("temperature", rm.Reading.Temperature).
		Msg("Reading stored")
	return nil
}

// handleBatch stores a drained batch in memory and, when enabled, in SQLite
func (h *Handler) handleBatch(connKey string, msg *models.Message) error {
	var batch models.BatchMessage
	if err := msg.UnmarshalPayload(&batch); err != nil {
		return err
	}

	deviceID := h.deviceID(connKey, batch.DeviceID)
	readings := make([]*models.Reading, 0, len(batch.Readings))
	for _, r := range batch.Readings {
		if r == nil {
			continue
		}
		h.store.Add(deviceID, r)
		readings = append(readings, r)
	}

	if h.writer != nil && len(readings) > 0 {
		h.writer.WriteBatch(deviceID, batch.SessionID, readings)
	}

	h.logger.Info().
		Str("device_id", deviceID).
		Str("session_id", batch.SessionID).
		Int("count", len(readings)).
		Msg("Batch stored")
	return nil
}

// handleSessionStart opens the session row for the band
func (h *Handler) handleSessionStart(connKey string, msg *models.Message) error {
	var sm models.SessionMessage
	if err := msg.UnmarshalPayload(&sm); err != nil {
		return err
	}

	deviceID := h.deviceID(connKey, sm.DeviceID)
	h.setSession(connKey, sm.SessionID)

	if h.writer != nil {
		start := sm.StartTime
		if start.IsZero() {
			start = msg.Timestamp
		}
		h.writer.OpenSession(&storage.SessionRecord{
			ID:        sm.SessionID,
			DeviceID:  deviceID,
			UserID:    sm.UserID,
			StartTime: start,
		})
	}

	h.logger.Info().Str("device_id", deviceID).Str("session_id", sm.SessionID).Msg("Band session started")
	return nil
}

// handleSessionEnd completes the session row with the band's summary
func (h *Handler) handleSessionEnd(connKey string, msg *models.Message) error {
	var sm models.SessionMessage
	if err := msg.UnmarshalPayload(&sm); err != nil {
		return err
	}

	h.setSession(connKey, "")
	if h.writer != nil {
		h.writer.CloseSession(sm.SessionID, sm.Summary)
	}

	event := h.logger.Info().Str("device_id", h.deviceID(connKey, sm.DeviceID)).Str("session_id", sm.SessionID)
	if sm.Summary != nil {
		event = event.Int("total_readings", sm.Summary.TotalReadings)
	}
	event.Msg("Band session ended")
	return nil
}

// handleState records the band's BLE connection state
func (h *Handler) handleState(connKey string, msg *models.Message) error {
	var st models.StateMessage
	if err := msg.UnmarshalPayload(&st); err != nil {
		return err
	}

	h.mutex.Lock()
	if band, ok := h.activeBands[connKey]; ok {
		band.State = st.State
		band.LastError = st.Error
	}
	h.mutex.Unlock()

	h.logger.Info().
		Str("device_id", h.deviceID(connKey, st.DeviceID)).
		Str("state", st.State.String()).
		Str("error", st.Error).
		Msg("Band state changed")
	return nil
}

// deviceID prefers the ID in the payload, then the heartbeat ID, then the connection key
func (h *Handler) deviceID(connKey, fromPayload string) string {
	if fromPayload != "" {
		return fromPayload
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if band, ok := h.activeBands[connKey]; ok {
		return band.DeviceID
	}
	return connKey
}

func (h *Handler) setSession(connKey, sessionID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if band, ok := h.activeBands[connKey]; ok {
		band.SessionID = sessionID
	}
}

// sendAck sends an acknowledgment message
func (h *Handler) sendAck(conn *websocket.Conn) {
	h.write(conn, models.MessageTypeAck, models.AckMessage{Status: "ok"})
}

func (h *Handler) sendError(conn *websocket.Conn, code, message string) {
	h.write(conn, models.MessageTypeError, models.ErrorMessage{Code: code, Message: message})
}

func (h *Handler) write(conn *websocket.Conn, msgType models.MessageType, payload interface{}) {
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create message")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", string(msgType)).Msg("Failed to send message")
	}
}

// touch updates the last seen timestamp for a band
func (h *Handler) touch(connKey string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if band, exists := h.activeBands[connKey]; exists {
		band.LastSeen = time.Now()
	}
}

// removeBand removes a band from the active map
func (h *Handler) removeBand(connKey string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	deviceID := connKey
	if band, ok := h.activeBands[connKey]; ok {
		deviceID = band.DeviceID
	}
	delete(h.activeBands, connKey)
	h.logger.Info().Str("device_id", deviceID).Msg("Band disconnected")
}

// GetActiveBands returns the currently connected bands sorted by ID
func (h *Handler) GetActiveBands() []BandConnection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	bands := make([]BandConnection, 0, len(h.activeBands))
	for _, band := range h.activeBands {
		b := *band
		b.Conn = nil
		bands = append(bands, b)
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].DeviceID < bands[j].DeviceID })
	return bands
}
