package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/storage"
)

const testToken = "collector-token"

type collector struct {
	handler *Handler
	store   *MemoryStore
	db      *storage.SQLiteStore
	rec     *storage.Recorder
	server  *httptest.Server
}

func newCollector(t *testing.T, origins ...string) *collector {
	t.Helper()
	logger := zerolog.Nop()

	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "collector.db"), logger)
	require.NoError(t, err)
	rec := storage.NewRecorder(db, storage.RecorderConfig{ChannelSize: 100}, logger)

	store := NewMemoryStore(100)
	h := NewHandler(testToken, store, logger, origins...)
	h.SetSessionWriter(rec)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		rec.Stop()
		db.Close()
	})
	return &collector{handler: h, store: store, db: db, rec: rec, server: srv}
}

func (c *collector) wsURL() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func (c *collector) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Authorization") == "" {
		header.Set("Authorization", "Bearer "+testToken)
	}
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// exchange sends one message and returns the server's reply
func exchange(t *testing.T, conn *websocket.Conn, msgType models.MessageType, payload interface{}) *models.Message {
	t.Helper()
	msg, err := models.NewMessage(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply models.Message
	require.NoError(t, conn.ReadJSON(&reply))
	return &reply
}

func TestHandler_RejectsBadToken(t *testing.T) {
	c := newCollector(t)

	for _, auth := range []string{"", "Bearer wrong", testToken, "Bearer "} {
		header := http.Header{}
		if auth != "" {
			header.Set("Authorization", auth)
		}
		_, resp, err := websocket.DefaultDialer.Dial(c.wsURL(), header)
		require.Error(t, err, "auth %q", auth)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestHandler_OriginAllowlist(t *testing.T) {
	c := newCollector(t, "http://dashboard.local")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(c.wsURL(), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://dashboard.local")
	c.dial(t, header)
}

func TestHandler_SessionFlow(t *testing.T) {
	c := newCollector(t)
	conn := c.dial(t, nil)

	reply := exchange(t, conn, models.MessageTypeHeartbeat, models.HeartbeatMessage{DeviceID: "band-01", BufferSize: 3})
	assert.Equal(t, models.MessageTypeAck, reply.Type)

	bands := c.handler.GetActiveBands()
	require.Len(t, bands, 1)
	assert.Equal(t, "band-01", bands[0].DeviceID)
	assert.Equal(t, 3, bands[0].BufferSize)

	start := time.Now().UTC().Truncate(time.Millisecond)
	exchange(t, conn, models.MessageTypeSessionStart, models.SessionMessage{
		SessionID: "session_a", DeviceID: "band-01", UserID: "ana", StartTime: start,
	})
	assert.Equal(t, "session_a", c.handler.GetActiveBands()[0].SessionID)

	readings := []*models.Reading{
		newTestReading(70, start.Add(time.Second)),
		newTestReading(80, start.Add(2*time.Second)),
	}
	reply = exchange(t, conn, models.MessageTypeBatch, models.BatchMessage{
		SessionID: "session_a", DeviceID: "band-01", Readings: readings, Count: 2,
	})
	assert.Equal(t, models.MessageTypeAck, reply.Type)

	avg := 75.0
	exchange(t, conn, models.MessageTypeSessionEnd, models.SessionMessage{
		SessionID: "session_a", DeviceID: "band-01",
		Summary: &models.SessionSummary{StartTime: start, EndTime: start.Add(time.Minute), TotalReadings: 2, AverageHeartRate: &avg},
	})
	assert.Empty(t, c.handler.GetActiveBands()[0].SessionID)

	c.rec.Flush()

	// Memory
	assert.Equal(t, 80.0, c.store.GetCurrentReading("band-01").HeartRate)
	assert.Len(t, c.store.GetLatest("band-01", 10), 2)

	// SQLite
	rec, err := c.db.GetSession("session_a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ana", rec.UserID)
	assert.Equal(t, "band-01", rec.DeviceID)
	assert.True(t, rec.Completed)
	require.NotNil(t, rec.Summary)
	assert.Equal(t, 2, rec.Summary.TotalReadings)

	stored, err := c.db.GetSessionReadings("session_a", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.NoError(t, c.rec.LastError())
}

func TestHandler_StateAndReading(t *testing.T) {
	c := newCollector(t)
	conn := c.dial(t, nil)

	exchange(t, conn, models.MessageTypeHeartbeat, models.HeartbeatMessage{DeviceID: "band-02"})
	exchange(t, conn, models.MessageTypeState, models.StateMessage{
		DeviceID: "band-02", State: models.StateDisconnected, Error: "Connection lost: timeout",
	})

	band := c.handler.GetActiveBands()[0]
	assert.Equal(t, models.StateDisconnected, band.State)
	assert.Equal(t, "Connection lost: timeout", band.LastError)

	exchange(t, conn, models.MessageTypeState, models.StateMessage{DeviceID: "band-02", State: models.StateSubscribed})
	assert.Equal(t, models.StateSubscribed, c.handler.GetActiveBands()[0].State)

	// Device ID falls back to the heartbeat ID
	exchange(t, conn, models.MessageTypeReading, models.ReadingMessage{Reading: newTestReading(66, time.Now())})
	assert.NotNil(t, c.store.GetCurrentReading("band-02"))
}

func TestHandler_BadMessages(t *testing.T) {
	c := newCollector(t)
	conn := c.dial(t, nil)

	reply := exchange(t, conn, models.MessageType("telemetry"), map[string]int{"x": 1})
	require.Equal(t, models.MessageTypeError, reply.Type)
	var em models.ErrorMessage
	require.NoError(t, reply.UnmarshalPayload(&em))
	assert.Equal(t, "unknown_type", em.Code)

	reply = exchange(t, conn, models.MessageTypeBatch, "not an object")
	require.Equal(t, models.MessageTypeError, reply.Type)
	require.NoError(t, reply.UnmarshalPayload(&em))
	assert.Equal(t, "bad_payload", em.Code)

	// The connection survives bad messages
	reply = exchange(t, conn, models.MessageTypeHeartbeat, models.HeartbeatMessage{DeviceID: "band-03"})
	assert.Equal(t, models.MessageTypeAck, reply.Type)
}

func TestHandler_RemovesBandOnDisconnect(t *testing.T) {
	c := newCollector(t)
	conn := c.dial(t, nil)
	exchange(t, conn, models.MessageTypeHeartbeat, models.HeartbeatMessage{DeviceID: "band-04"})
	require.Len(t, c.handler.GetActiveBands(), 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return len(c.handler.GetActiveBands()) == 0 },
		2*time.Second, 10*time.Millisecond)
}
