package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
)

// timestampLayout keeps millisecond precision and sorts lexicographically
const timestampLayout = "2006-01-02 15:04:05.000"

// Store defines the interface for band data storage
type Store interface {
	Close() error
	Migrate() error
	CreateSession(session *SessionRecord) error
	CompleteSession(sessionID string, summary *models.SessionSummary) error
	InsertBatch(deviceID, sessionID string, readings []*models.Reading) error
	TrimReadings(max int) (int64, error)
	GetReadingsInRange(deviceID string, start, end time.Time, limit int) ([]*models.Reading, error)
	GetLatestReading(deviceID string) (*models.Reading, error)
	GetSessionReadings(sessionID string, limit int) ([]*models.Reading, error)
	ListSessions(deviceID string, limit int) ([]*SessionRecord, error)
	GetSession(sessionID string) (*SessionRecord, error)
	CountReadings() (int64, error)
	DeleteOlderThan(days int) (int64, error)
	GetStorageStats() (*StorageStats, error)
	GetDeviceIDs() ([]string, error)
	Clear() error
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore handles persistent storage of sessions and band readings
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SessionRecord is one row of the sessions table
type SessionRecord struct {
	ID        string                 `json:"id"`
	DeviceID  string                 `json:"device_id"`
	UserID    string                 `json:"user_id"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Completed bool                   `json:"completed"`
	Summary   *models.SessionSummary `json:"summary,omitempty"`
}

// StorageStats contains information about the database
type StorageStats struct {
	TotalReadings  int64     `json:"total_readings"`
	TotalSessions  int64     `json:"total_sessions"`
	OldestReading  time.Time `json:"oldest_reading,omitempty"`
	NewestReading  time.Time `json:"newest_reading,omitempty"`
	UniqueDevices  int       `json:"unique_devices"`
	DatabaseSizeMB float64   `json:"database_size_mb"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Apply performance pragmas for SQLite
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := newSQLiteStoreWithDB(db, logger)

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("SQLite store initialized")

	return store, nil
}

// newSQLiteStoreWithDB wraps an already open handle without migrating
func newSQLiteStoreWithDB(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger,
	}
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the database schema if it doesn't exist
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		completed INTEGER NOT NULL DEFAULT 0,
		total_readings INTEGER NOT NULL DEFAULT 0,
		valid_heart_rate_readings INTEGER NOT NULL DEFAULT 0,
		average_heart_rate REAL,
		min_heart_rate REAL,
		max_heart_rate REAL,
		average_temperature REAL,
		emotion_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		heart_rate REAL NOT NULL,
		temperature REAL NOT NULL,
		raw_temperature REAL NOT NULL,
		ir_value INTEGER NOT NULL,
		finger_detected INTEGER NOT NULL,
		valid_heart_rate INTEGER NOT NULL,
		device_timestamp INTEGER NOT NULL,
		received_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_readings_device_time ON readings(device_id, received_at DESC);
	CREATE INDEX IF NOT EXISTS idx_readings_session ON readings(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time DESC);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// CreateSession inserts a new open session
func (s *SQLiteStore) CreateSession(session *SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, device_id, user_id, start_time) VALUES (?, ?, ?, ?)`,
		session.ID,
		session.DeviceID,
		session.UserID,
		formatTimestamp(session.StartTime),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CompleteSession closes a session and stores its summary. A nil summary only
// marks the session completed.
func (s *SQLiteStore) CompleteSession(sessionID string, summary *models.SessionSummary) error {
	var (
		result sql.Result
		err    error
	)
	if summary == nil {
		result, err = s.db.Exec(
			`UPDATE sessions SET completed = 1, end_time = ? WHERE id = ?`,
			formatTimestamp(time.Now()),
			sessionID,
		)
	} else {
		result, err = s.db.Exec(`
			UPDATE sessions SET
				completed = 1,
				end_time = ?,
				total_readings = ?,
				valid_heart_rate_readings = ?,
				average_heart_rate = ?,
				min_heart_rate = ?,
				max_heart_rate = ?,
				average_temperature = ?,
				emotion_count = ?
			WHERE id = ?`,
			formatTimestamp(summary.EndTime),
			summary.TotalReadings,
			summary.ValidHeartRateReadings,
			nullFloat(summary.AverageHeartRate),
			nullFloat(summary.MinHeartRate),
			nullFloat(summary.MaxHeartRate),
			nullFloat(summary.AverageTemperature),
			summary.EmotionIntegrationCount,
			sessionID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, sql.ErrNoRows)
	}
	return nil
}

// InsertBatch inserts multiple readings of a session in a single transaction
func (s *SQLiteStore) InsertBatch(deviceID, sessionID string, readings []*models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO readings (device_id, session_id, heart_rate, temperature, raw_temperature,
			ir_value, finger_detected, valid_heart_rate, device_timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		_, err := stmt.Exec(
			deviceID,
			sessionID,
			r.HeartRate,
			r.Temperature,
			r.RawTemperature,
			r.IRValue,
			r.FingerDetected,
			r.ValidHeartRate,
			r.DeviceTimestamp,
			formatTimestamp(r.ReceivedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert reading in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Int("count", len(readings)).Str("session_id", sessionID).Msg("Batch insert completed")
	return nil
}

// TrimReadings keeps only the newest max readings and returns how many were removed
func (s *SQLiteStore) TrimReadings(max int) (int64, error) {
	if max < 0 {
		max = 0
	}
	result, err := s.db.Exec(
		`DELETE FROM readings WHERE id NOT IN (SELECT id FROM readings ORDER BY id DESC LIMIT ?)`,
		max,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to trim readings: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted > 0 {
		s.logger.Debug().Int64("deleted", deleted).Int("max", max).Msg("Trimmed reading log")
	}
	return deleted, nil
}

const readingColumns = `id, heart_rate, temperature, raw_temperature, ir_value,
	finger_detected, valid_heart_rate, device_timestamp, received_at`

// GetReadingsInRange returns readings within a time range, newest first.
// An empty deviceID matches every device.
func (s *SQLiteStore) GetReadingsInRange(deviceID string, start, end time.Time, limit int) ([]*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings
		WHERE received_at BETWEEN ? AND ?`
	args := []interface{}{formatTimestamp(start), formatTimestamp(end)}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return s.scanReadings(rows)
}

// GetLatestReading returns the most recent reading, or nil when there is none
func (s *SQLiteStore) GetLatestReading(deviceID string) (*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings`
	var args []interface{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRow(query, args...)
	reading, err := s.scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}

	return reading, nil
}

// GetSessionReadings returns the readings of a session in arrival order.
// A limit <= 0 returns all of them.
func (s *SQLiteStore) GetSessionReadings(sessionID string, limit int) ([]*models.Reading, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+readingColumns+` FROM readings WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session readings: %w", err)
	}
	defer rows.Close()

	return s.scanReadings(rows)
}

const sessionColumns = `id, device_id, user_id, start_time, end_time, completed,
	total_readings, valid_heart_rate_readings, average_heart_rate, min_heart_rate,
	max_heart_rate, average_temperature, emotion_count`

// ListSessions returns the most recent sessions first
func (s *SQLiteStore) ListSessions(deviceID string, limit int) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return sessions, nil
}

// GetSession returns one session, or nil when it does not exist
func (s *SQLiteStore) GetSession(sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	rec, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// CountReadings returns the size of the reading log
func (s *SQLiteStore) CountReadings() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes readings received more than days ago, and completed
// sessions that ended before the same cutoff
func (s *SQLiteStore) DeleteOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	result, err := s.db.Exec(
		"DELETE FROM readings WHERE received_at < ?",
		formatTimestamp(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old readings: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := s.db.Exec(
		"DELETE FROM sessions WHERE completed = 1 AND end_time < ?",
		formatTimestamp(cutoff),
	); err != nil {
		return deleted, fmt.Errorf("failed to delete old sessions: %w", err)
	}

	s.logger.Info().
		Int("days", days).
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Deleted old readings")

	return deleted, nil
}

// GetStorageStats returns statistics about the database
func (s *SQLiteStore) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	err := s.db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&stats.TotalReadings)
	if err != nil {
		return nil, fmt.Errorf("failed to count readings: %w", err)
	}

	err = s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&stats.TotalSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	if stats.TotalReadings == 0 {
		return stats, nil
	}

	var oldestStr, newestStr string
	err = s.db.QueryRow("SELECT MIN(received_at), MAX(received_at) FROM readings").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("failed to get timestamp range: %w", err)
	}

	stats.OldestReading, _ = parseTimestamp(oldestStr)
	stats.NewestReading, _ = parseTimestamp(newestStr)

	err = s.db.QueryRow("SELECT COUNT(DISTINCT device_id) FROM readings").Scan(&stats.UniqueDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

// GetDeviceIDs returns a list of all devices that stored readings
func (s *SQLiteStore) GetDeviceIDs() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT device_id FROM readings ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query device IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device ID: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return ids, nil
}

// Clear deletes every session and reading
func (s *SQLiteStore) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM readings"); err != nil {
		return fmt.Errorf("failed to clear readings: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info().Msg("Storage cleared")
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanReading scans one row selected with readingColumns
func (s *SQLiteStore) scanReading(row scanner) (*models.Reading, error) {
	var r models.Reading
	var id int64
	var receivedAt string

	err := row.Scan(
		&id,
		&r.HeartRate,
		&r.Temperature,
		&r.RawTemperature,
		&r.IRValue,
		&r.FingerDetected,
		&r.ValidHeartRate,
		&r.DeviceTimestamp,
		&receivedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ReceivedAt, err = parseTimestamp(receivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse received_at: %w", err)
	}

	return &r, nil
}

// scanReadings scans multiple rows into a slice of readings
func (s *SQLiteStore) scanReadings(rows *sql.Rows) ([]*models.Reading, error) {
	var readings []*models.Reading

	for rows.Next() {
		r, err := s.scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return readings, nil
}

// scanSession scans one row selected with sessionColumns
func (s *SQLiteStore) scanSession(row scanner) (*SessionRecord, error) {
	var (
		rec        SessionRecord
		startStr   string
		endStr     sql.NullString
		total      int
		valid      int
		avgHR      sql.NullFloat64
		minHR      sql.NullFloat64
		maxHR      sql.NullFloat64
		avgTemp    sql.NullFloat64
		emotionCnt int
	)

	err := row.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.UserID,
		&startStr,
		&endStr,
		&rec.Completed,
		&total,
		&valid,
		&avgHR,
		&minHR,
		&maxHR,
		&avgTemp,
		&emotionCnt,
	)
	if err != nil {
		return nil, err
	}

	rec.StartTime, err = parseTimestamp(startStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if endStr.Valid {
		end, err := parseTimestamp(endStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		rec.EndTime = &end
	}

	if rec.Completed {
		summary := &models.SessionSummary{
			SessionID:               rec.ID,
			StartTime:               rec.StartTime,
			TotalReadings:           total,
			ValidHeartRateReadings:  valid,
			AverageHeartRate:        floatPtr(avgHR),
			MinHeartRate:            floatPtr(minHR),
			MaxHeartRate:            floatPtr(maxHR),
			AverageTemperature:      floatPtr(avgTemp),
			EmotionIntegrationCount: emotionCnt,
		}
		if rec.EndTime != nil {
			summary.EndTime = *rec.EndTime
			summary.Duration = rec.EndTime.Sub(rec.StartTime)
		}
		rec.Summary = summary
	}

	return &rec, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp tries multiple formats to parse a SQLite timestamp
func parseTimestamp(ts string) (time.Time, error) {
	formats := []string{
		timestampLayout,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z07:00",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
