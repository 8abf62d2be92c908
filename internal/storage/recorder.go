package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
)

// Mirror receives a copy of everything the recorder persists
type Mirror interface {
	MirrorSessionStart(sessionID, userID string, start time.Time) error
	MirrorBatch(sessionID string, readings []*models.Reading) error
	MirrorSessionEnd(sessionID string, summary *models.SessionSummary) error
}

type jobKind int

const (
	jobSessionStart jobKind = iota
	jobBatch
	jobSessionEnd
	jobFlush
)

type job struct {
	kind     jobKind
	session  *SessionRecord
	deviceID string
	readings []*models.Reading
	summary  *models.SessionSummary
	done     chan struct{}
}

// Recorder handles async, ordered writes of sessions and reading batches
type Recorder struct {
	store       *SQLiteStore
	mirror      Mirror
	logger      zerolog.Logger
	deviceID    string
	maxReadings int
	jobs        chan job
	stopChan    chan struct{}
	exited      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	now         func() time.Time

	// Stats
	mu             sync.RWMutex
	currentSession string
	uploadCount    int64
	totalBatches   int64
	totalSessions  int64
	totalErrors    int64
	lastUploadTime time.Time
	lastErr        error
}

// RecorderConfig holds configuration for the recorder
type RecorderConfig struct {
	DeviceID    string // Stored with every row written by the session API
	MaxReadings int    // Rolling cap of the reading log, 0 disables trimming (default: 1000)
	ChannelSize int    // Size of the job queue (default: 100)
}

// DefaultRecorderConfig returns sensible defaults
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		MaxReadings: 1000,
		ChannelSize: 100,
	}
}

// RecorderStats contains statistics about the recorder
type RecorderStats struct {
	UploadCount    int64     `json:"upload_count"`
	TotalBatches   int64     `json:"total_batches"`
	TotalSessions  int64     `json:"total_sessions"`
	TotalErrors    int64     `json:"total_errors"`
	LastUploadTime time.Time `json:"last_upload_time,omitempty"`
	QueueLength    int       `json:"queue_length"`
	LastError      string    `json:"last_error,omitempty"`
}

// NewRecorder creates a new async recorder
func NewRecorder(store *SQLiteStore, config RecorderConfig, logger zerolog.Logger) *Recorder {
	if config.ChannelSize <= 0 {
		config.ChannelSize = DefaultRecorderConfig().ChannelSize
	}
	r := &Recorder{
		store:       store,
		logger:      logger,
		deviceID:    config.DeviceID,
		maxReadings: config.MaxReadings,
		jobs:        make(chan job, config.ChannelSize),
		stopChan:    make(chan struct{}),
		exited:      make(chan struct{}),
		now:         time.Now,
	}

	r.wg.Add(1)
	go r.writerLoop()

	logger.Info().
		Str("device_id", config.DeviceID).
		Int("max_readings", config.MaxReadings).
		Int("channel_size", config.ChannelSize).
		Msg("Recorder started")

	return r
}

// SetMirror forwards every persisted session and batch to m
func (r *Recorder) SetMirror(m Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = m
}

// NewSessionID returns an identifier like session_20240101_120000_1a2b3c4d
func NewSessionID(t time.Time) string {
	return fmt.Sprintf("session_%s_%s", t.Format("20060102_150405"), uuid.New().String()[:8])
}

// StartSession opens a session for userID and returns its identifier.
// The session row is written before returning; a failure is reported through
// LastError and the identifier is still usable.
func (r *Recorder) StartSession(userID string) string {
	start := r.now()
	rec := &SessionRecord{
		ID:        NewSessionID(start),
		DeviceID:  r.deviceID,
		UserID:    userID,
		StartTime: start,
	}

	r.mu.Lock()
	r.currentSession = rec.ID
	r.mu.Unlock()

	done := make(chan struct{})
	if r.enqueue(job{kind: jobSessionStart, session: rec, done: done}, OpSessionCreate) {
		r.wait(done)
	}
	return rec.ID
}

// StoreBatch queues readings of the current session for writing
func (r *Recorder) StoreBatch(readings []*models.Reading) {
	if len(readings) == 0 {
		return
	}
	r.mu.RLock()
	sessionID := r.currentSession
	r.mu.RUnlock()

	r.WriteBatch(r.deviceID, sessionID, readings)
}

// EndSession queues the closing summary of a session. Batches queued
// earlier are written first.
func (r *Recorder) EndSession(sessionID string, summary *models.SessionSummary) {
	r.mu.Lock()
	if r.currentSession == sessionID {
		r.currentSession = ""
	}
	r.mu.Unlock()

	r.CloseSession(sessionID, summary)
}

// OpenSession queues a session row created elsewhere, e.g. by a remote band
func (r *Recorder) OpenSession(rec *SessionRecord) bool {
	return r.enqueue(job{kind: jobSessionStart, session: rec}, OpSessionCreate)
}

// WriteBatch queues readings for a device and session.
// Returns true if queued, false if dropped (queue full or stopped).
func (r *Recorder) WriteBatch(deviceID, sessionID string, readings []*models.Reading) bool {
	if len(readings) == 0 {
		return true
	}
	batch := make([]*models.Reading, len(readings))
	copy(batch, readings)
	return r.enqueue(job{
		kind:     jobBatch,
		session:  &SessionRecord{ID: sessionID},
		deviceID: deviceID,
		readings: batch,
	}, OpBatchUpload)
}

// CloseSession queues completion of a session
func (r *Recorder) CloseSession(sessionID string, summary *models.SessionSummary) bool {
	return r.enqueue(job{
		kind:    jobSessionEnd,
		session: &SessionRecord{ID: sessionID},
		summary: summary,
	}, OpSessionUpdate)
}

// Flush blocks until every job queued before it has been processed
func (r *Recorder) Flush() {
	done := make(chan struct{})
	select {
	case r.jobs <- job{kind: jobFlush, done: done}:
		r.wait(done)
	case <-r.exited:
	}
}

// wait returns once done is closed or the writer has exited
func (r *Recorder) wait(done chan struct{}) {
	select {
	case <-done:
	case <-r.exited:
	}
}

func (r *Recorder) enqueue(j job, op Op) bool {
	select {
	case <-r.stopChan:
		r.recordError(storageErr(op, fmt.Errorf("recorder stopped")))
		return false
	default:
	}
	select {
	case r.jobs <- j:
		return true
	default:
		r.logger.Warn().Str("op", string(op)).Msg("Recorder queue full, dropping job")
		r.recordError(storageErr(op, ErrQueueFull))
		return false
	}
}

// writerLoop is the background goroutine that applies jobs in order
func (r *Recorder) writerLoop() {
	defer r.wg.Done()
	defer close(r.exited)

	for {
		select {
		case j := <-r.jobs:
			r.apply(j)

		case <-r.stopChan:
			// Drain remaining jobs from channel
			for {
				select {
				case j := <-r.jobs:
					r.apply(j)
				default:
					r.logger.Info().Msg("Recorder stopped")
					return
				}
			}
		}
	}
}

func (r *Recorder) apply(j job) {
	if j.done != nil {
		defer close(j.done)
	}

	switch j.kind {
	case jobSessionStart:
		r.createSession(j.session)
	case jobBatch:
		r.flush(j.deviceID, j.session.ID, j.readings)
	case jobSessionEnd:
		r.completeSession(j.session.ID, j.summary)
	}
}

func (r *Recorder) createSession(rec *SessionRecord) {
	if err := r.store.CreateSession(rec); err != nil {
		r.logger.Error().Err(err).Str("session_id", rec.ID).Msg("Failed to create session")
		r.recordError(storageErr(OpSessionCreate, err))
		return
	}

	r.mu.Lock()
	r.totalSessions++
	mirror := r.mirror
	r.mu.Unlock()

	r.logger.Info().Str("session_id", rec.ID).Str("user_id", rec.UserID).Msg("Session created")

	if mirror != nil {
		if err := mirror.MirrorSessionStart(rec.ID, rec.UserID, rec.StartTime); err != nil {
			r.logger.Debug().Err(err).Str("session_id", rec.ID).Msg("Session start not mirrored")
		}
	}
}

// flush writes a batch to the database and trims the rolling log
func (r *Recorder) flush(deviceID, sessionID string, batch []*models.Reading) {
	if err := r.store.InsertBatch(deviceID, sessionID, batch); err != nil {
		r.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to write batch")
		r.recordError(storageErr(OpBatchUpload, err))
		return
	}

	r.mu.Lock()
	r.uploadCount += int64(len(batch))
	r.totalBatches++
	r.lastUploadTime = r.now()
	mirror := r.mirror
	r.mu.Unlock()

	r.logger.Debug().Int("count", len(batch)).Str("session_id", sessionID).Msg("Flushed batch")

	if r.maxReadings > 0 {
		if _, err := r.store.TrimReadings(r.maxReadings); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to trim reading log")
			r.recordError(storageErr(OpStorage, err))
		}
	}

	if mirror != nil {
		if err := mirror.MirrorBatch(sessionID, batch); err != nil {
			r.logger.Debug().Err(err).Int("count", len(batch)).Msg("Batch not mirrored")
		}
	}
}

func (r *Recorder) completeSession(sessionID string, summary *models.SessionSummary) {
	if err := r.store.CompleteSession(sessionID, summary); err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to complete session")
		r.recordError(storageErr(OpSessionUpdate, err))
		return
	}

	r.mu.RLock()
	mirror := r.mirror
	r.mu.RUnlock()

	r.logger.Info().Str("session_id", sessionID).Msg("Session completed")

	if mirror != nil {
		if err := mirror.MirrorSessionEnd(sessionID, summary); err != nil {
			r.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Session end not mirrored")
		}
	}
}

func (r *Recorder) recordError(err *StorageError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalErrors++
	r.lastErr = err
}

// LastError returns the most recent persistence failure, or nil
func (r *Recorder) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// ClearError empties the error slot
func (r *Recorder) ClearError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = nil
}

// CurrentSession returns the identifier of the open session, if any
func (r *Recorder) CurrentSession() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentSession
}

// Stop gracefully stops the recorder, applying any queued jobs
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
	})
}

// Stats returns current recorder statistics
func (r *Recorder) Stats() RecorderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RecorderStats{
		UploadCount:    r.uploadCount,
		TotalBatches:   r.totalBatches,
		TotalSessions:  r.totalSessions,
		TotalErrors:    r.totalErrors,
		LastUploadTime: r.lastUploadTime,
		QueueLength:    len(r.jobs),
	}
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	return stats
}
