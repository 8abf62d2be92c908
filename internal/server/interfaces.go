package server

import (
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/storage"
)

// ReadingStore defines the interface for real-time reading storage
// MemoryStore implements this interface
type ReadingStore interface {
	// Add adds a reading from a band
	Add(deviceID string, reading *models.Reading)

	// GetLatest returns the n most recent readings for a band (newest first)
	GetLatest(deviceID string, n int) []*models.Reading

	// GetCurrentReading returns the most recent reading for a band
	GetCurrentReading(deviceID string) *models.Reading

	// GetDeviceIDs returns the bands that have sent data, sorted
	GetDeviceIDs() []string

	// Stats returns statistics about the store
	Stats() StoreStats

	// GetAll returns all readings from all bands
	GetAll() []*models.Reading

	// Clear removes all data from the store
	Clear()
}

// HistoricalStore defines the interface for historical/persistent storage
// storage.SQLiteStore implements this interface
type HistoricalStore interface {
	// GetReadingsInRange returns readings within a time range
	GetReadingsInRange(deviceID string, start, end time.Time, limit int) ([]*models.Reading, error)

	// GetLatestReading returns the most recent reading for a band
	GetLatestReading(deviceID string) (*models.Reading, error)

	// GetDeviceIDs returns list of all unique band IDs
	GetDeviceIDs() ([]string, error)

	// ListSessions returns the most recent sessions, newest first
	ListSessions(deviceID string, limit int) ([]*storage.SessionRecord, error)

	// GetSession returns one session, nil when unknown
	GetSession(sessionID string) (*storage.SessionRecord, error)

	// GetSessionReadings returns the readings of a session, oldest first
	GetSessionReadings(sessionID string, limit int) ([]*models.Reading, error)

	// GetStorageStats returns database statistics
	GetStorageStats() (*storage.StorageStats, error)
}

// SessionWriter persists uplinked sessions without blocking the connection
// storage.Recorder implements this interface
type SessionWriter interface {
	OpenSession(rec *storage.SessionRecord) bool
	WriteBatch(deviceID, sessionID string, readings []*models.Reading) bool
	CloseSession(sessionID string, summary *models.SessionSummary) bool
}

// SessionView is the read side of a band's session coordinator
// session.Coordinator implements this interface
type SessionView interface {
	IsActive() bool
	SessionID() string
	StartTime() time.Time
	CurrentSessionStats() *models.SessionStats
	History() []*models.IntegratedReading
	Summary() *models.SessionSummary
	ErrorMessage() string
	ConnectionState() models.ConnectionState
	CurrentReading() *models.Reading
	LastEmotion() *models.EmotionLabel
}

// SessionControl starts and stops sessions
// session.Coordinator implements this interface
type SessionControl interface {
	SessionView
	StartSession() bool
	StopSession() *models.SessionSummary
}
