package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by send methods while the uplink is down
var ErrNotConnected = errors.New("not connected")

// LinkState represents the current state of the uplink
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Uplink keeps a WebSocket to the collector server and forwards session data to it
type Uplink struct {
	URL                      string
	AuthToken                string
	conn                     *websocket.Conn
	state                    LinkState
	stateMutex               sync.RWMutex
	logger                   zerolog.Logger
	device                   *models.DeviceInfo
	pending                  func() int
	reconnectInterval        time.Duration
	maxReconnectInterval     time.Duration
	currentReconnectInterval time.Duration
	pingInterval             time.Duration
	pongTimeout              time.Duration
	lastPong                 time.Time
	lastPongMutex            sync.RWMutex
	stopChan                 chan struct{}
	stopOnce                 sync.Once
}

// UplinkConfig holds configuration for the uplink
type UplinkConfig struct {
	URL                  string
	AuthToken            string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
}

// NewUplink creates a new uplink manager
func NewUplink(config UplinkConfig, device *models.DeviceInfo, logger zerolog.Logger) *Uplink {
	return &Uplink{
		URL:                      config.URL,
		AuthToken:                config.AuthToken,
		state:                    LinkDisconnected,
		logger:                   logger,
		device:                   device,
		reconnectInterval:        config.ReconnectInterval,
		maxReconnectInterval:     config.MaxReconnectInterval,
		currentReconnectInterval: config.ReconnectInterval,
		pingInterval:             config.PingInterval,
		pongTimeout:              config.PongTimeout,
		stopChan:                 make(chan struct{}),
	}
}

// ReportPending sets the function that reports how many readings are buffered
// locally. Its value is sent with every heartbeat.
func (u *Uplink) ReportPending(fn func() int) {
	u.stateMutex.Lock()
	defer u.stateMutex.Unlock()
	u.pending = fn
}

// setState safely updates the uplink state
func (u *Uplink) setState(state LinkState) {
	u.stateMutex.Lock()
	defer u.stateMutex.Unlock()
	u.state = state
	u.logger.Info().Str("state", state.String()).Msg("Uplink state updated")
}

// State returns the current uplink state
func (u *Uplink) State() LinkState {
	u.stateMutex.RLock()
	defer u.stateMutex.RUnlock()
	return u.state
}

// IsConnected returns true if currently connected
func (u *Uplink) IsConnected() bool {
	u.stateMutex.RLock()
	defer u.stateMutex.RUnlock()
	return u.state == LinkConnected
}

// Connect establishes a WebSocket connection to the collector
func (u *Uplink) Connect(ctx context.Context) error {
	u.setState(LinkConnecting)
	u.logger.Info().Str("url", u.URL).Msg("Connecting to collector...")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, u.URL, header)
	if err != nil {
		u.setState(LinkDisconnected)
		return fmt.Errorf("dial failed: %w", err)
	}
	defer resp.Body.Close()

	u.stateMutex.Lock()
	u.conn = conn
	u.stateMutex.Unlock()

	u.setState(LinkConnected)
	u.currentReconnectInterval = u.reconnectInterval // reset backoff
	u.logger.Info().Msg("Connected to collector")

	if err := u.sendHeartbeat(); err != nil {
		u.logger.Warn().Err(err).Msg("Failed to send registration")
		return err
	}

	return nil
}

// Run keeps the uplink connected with exponential backoff.
// Blocks until the context is cancelled or Close is called.
func (u *Uplink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-u.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := u.Connect(ctx); err != nil {
			u.logger.Warn().Err(err).Msg("Uplink connection failed")
			u.waitBeforeReconnect(ctx)
			continue
		}

		u.runMessageLoops(ctx)

		u.logger.Info().Msg("Uplink lost, will reconnect")
		u.waitBeforeReconnect(ctx)
	}
}

// waitBeforeReconnect waits before next reconnection attempt with exponential backoff
func (u *Uplink) waitBeforeReconnect(ctx context.Context) {
	u.logger.Info().Dur("delay", u.currentReconnectInterval).Msg("Waiting before reconnect")
	select {
	case <-time.After(u.currentReconnectInterval):
	case <-ctx.Done():
		return
	}
	u.currentReconnectInterval *= 2
	if u.currentReconnectInterval > u.maxReconnectInterval {
		u.currentReconnectInterval = u.maxReconnectInterval
	}
}

// runMessageLoops runs read and heartbeat loops until the connection fails
func (u *Uplink) runMessageLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		u.readLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		u.heartbeatLoop(ctx)
	}()

	// A blocked read only returns once the socket closes
	<-ctx.Done()
	u.disconnect()
	wg.Wait()
}

// disconnect closes the WebSocket connection
func (u *Uplink) disconnect() {
	u.stateMutex.Lock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	u.state = LinkDisconnected
	u.stateMutex.Unlock()
	u.logger.Info().Msg("Uplink disconnected")
}

// Send sends a single reading to the collector
func (u *Uplink) Send(sessionID string, reading *models.Reading) error {
	return u.send(models.MessageTypeReading, models.ReadingMessage{
		DeviceID:  u.device.ID,
		SessionID: sessionID,
		Reading:   reading,
	})
}

// SendBatch sends multiple readings of a session in one message
func (u *Uplink) SendBatch(sessionID string, readings []*models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	err := u.send(models.MessageTypeBatch, models.BatchMessage{
		SessionID: sessionID,
		DeviceID:  u.device.ID,
		Readings:  readings,
		Count:     len(readings),
	})
	if err != nil {
		return err
	}
	u.logger.Info().Int("count", len(readings)).Str("session", sessionID).Msg("Sent batch of readings")
	return nil
}

// SendState reports a BLE connection state change
func (u *Uplink) SendState(state models.ConnectionState, cause error) error {
	msg := models.StateMessage{DeviceID: u.device.ID, State: state}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return u.send(models.MessageTypeState, msg)
}

// MirrorSessionStart forwards a new session to the collector
func (u *Uplink) MirrorSessionStart(sessionID, userID string, start time.Time) error {
	return u.send(models.MessageTypeSessionStart, models.SessionMessage{
		SessionID: sessionID,
		DeviceID:  u.device.ID,
		UserID:    userID,
		StartTime: start,
	})
}

// MirrorBatch forwards a stored batch to the collector
func (u *Uplink) MirrorBatch(sessionID string, readings []*models.Reading) error {
	return u.SendBatch(sessionID, readings)
}

// MirrorSessionEnd forwards the closing summary to the collector
func (u *Uplink) MirrorSessionEnd(sessionID string, summary *models.SessionSummary) error {
	msg := models.SessionMessage{
		SessionID: sessionID,
		DeviceID:  u.device.ID,
		Summary:   summary,
	}
	if summary != nil {
		msg.StartTime = summary.StartTime
	}
	return u.send(models.MessageTypeSessionEnd, msg)
}

func (u *Uplink) send(msgType models.MessageType, payload interface{}) error {
	if !u.IsConnected() {
		return ErrNotConnected
	}
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("failed to create %s message: %w", msgType, err)
	}
	return u.sendMessage(msg)
}

// sendMessage sends a message over the WebSocket
func (u *Uplink) sendMessage(msg *models.Message) error {
	u.stateMutex.Lock()
	defer u.stateMutex.Unlock()
	if u.conn == nil {
		return ErrNotConnected
	}
	u.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return u.conn.WriteJSON(msg)
}

// readLoop reads messages from the collector
func (u *Uplink) readLoop(ctx context.Context) {
	u.logger.Debug().Msg("Starting read loop")
	defer u.logger.Debug().Msg("Read loop stopped")

	u.stateMutex.RLock()
	conn := u.conn
	u.stateMutex.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			u.logger.Warn().Err(err).Msg("Read error")
			return
		}
		u.handleMessage(&msg)
	}
}

// handleMessage processes a message received from the collector
func (u *Uplink) handleMessage(msg *models.Message) {
	u.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")
	switch msg.Type {
	case models.MessageTypeAck:
		u.updateLastPong()
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			u.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Collector error")
		}
	default:
		u.logger.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

// updateLastPong records that we received an ack
func (u *Uplink) updateLastPong() {
	u.lastPongMutex.Lock()
	defer u.lastPongMutex.Unlock()
	u.lastPong = time.Now()
}

// timeSinceLastPong returns duration since last ack
func (u *Uplink) timeSinceLastPong() time.Duration {
	u.lastPongMutex.RLock()
	defer u.lastPongMutex.RUnlock()
	return time.Since(u.lastPong)
}

// heartbeatLoop sends periodic heartbeats and monitors connection health
func (u *Uplink) heartbeatLoop(ctx context.Context) {
	u.logger.Debug().Msg("Starting heartbeat loop")
	defer u.logger.Debug().Msg("Heartbeat loop stopped")

	ticker := time.NewTicker(u.pingInterval)
	defer ticker.Stop()
	u.updateLastPong()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.sendHeartbeat(); err != nil {
				u.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
			if u.timeSinceLastPong() > u.pongTimeout {
				u.logger.Warn().Msg("No ack received, uplink appears dead")
				return
			}
		}
	}
}

// sendHeartbeat sends a heartbeat message to the collector
func (u *Uplink) sendHeartbeat() error {
	u.stateMutex.RLock()
	pending := u.pending
	u.stateMutex.RUnlock()

	heartbeat := models.HeartbeatMessage{
		DeviceID: u.device.ID,
		Uptime:   int64(u.device.Uptime().Seconds()),
	}
	if pending != nil {
		heartbeat.BufferSize = pending()
	}
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, heartbeat)
	if err != nil {
		return err
	}
	return u.sendMessage(msg)
}

// Close gracefully shuts down the uplink and stops Run
func (u *Uplink) Close() error {
	u.logger.Info().Msg("Closing uplink")
	u.stopOnce.Do(func() { close(u.stopChan) })

	u.stateMutex.Lock()
	if u.conn != nil {
		u.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		u.conn.Close()
		u.conn = nil
	}
	u.state = LinkDisconnected
	u.stateMutex.Unlock()

	u.logger.Info().Msg("Uplink closed")
	return nil
}
