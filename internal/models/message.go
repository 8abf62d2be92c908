package models

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeReading      MessageType = "reading"
	MessageTypeBatch        MessageType = "batch"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeAck          MessageType = "ack"
	MessageTypeError        MessageType = "error"
	MessageTypeSessionStart MessageType = "session_start"
	MessageTypeSessionEnd   MessageType = "session_end"
	MessageTypeState        MessageType = "state"
	MessageTypeSummary      MessageType = "summary"
)

// Message is the envelope for all WebSocket communications
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// ReadingMessage is the payload for MessageTypeReading
type ReadingMessage struct {
	DeviceID  string   `json:"device_id"`
	SessionID string   `json:"session_id,omitempty"`
	Reading   *Reading `json:"reading"`
}

// BatchMessage is the payload for MessageTypeBatch
type BatchMessage struct {
	SessionID string     `json:"session_id"`
	DeviceID  string     `json:"device_id"`
	Readings  []*Reading `json:"readings"`
	Count     int        `json:"count"`
}

// SessionMessage is the payload for MessageTypeSessionStart and MessageTypeSessionEnd.
// Summary is only set on session end.
type SessionMessage struct {
	SessionID string          `json:"session_id"`
	DeviceID  string          `json:"device_id"`
	UserID    string          `json:"user_id,omitempty"`
	StartTime time.Time       `json:"start_time"`
	Summary   *SessionSummary `json:"summary,omitempty"`
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	DeviceID   string `json:"device_id"`
	Uptime     int64  `json:"uptime"`
	BufferSize int    `json:"buffer_size"`
}

// StateMessage is the payload for MessageTypeState
type StateMessage struct {
	DeviceID string          `json:"device_id"`
	State    ConnectionState `json:"state"`
	Error    string          `json:"error,omitempty"`
}

// AckMessage is the payload for MessageTypeAck
type AckMessage struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
