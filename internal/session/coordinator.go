// Package session runs one monitoring session at a time on top of the band
// monitor: it pairs readings with the latest emotion, keeps a bounded
// history, drains readings to persistence and summarizes the session.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/client"
	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/sensor"
)

// DefaultUserID is used when no user is configured
const DefaultUserID = "default_user"

// DefaultHistorySize is the number of integrated readings kept in memory
const DefaultHistorySize = 100

// Connector is the part of the band monitor a session drives
type Connector interface {
	Connect()
	Disconnect()
	EnableAutoReconnect()
	DisableAutoReconnect()
	State() models.ConnectionState
	CurrentReading() *models.Reading
	LastError() error
	Subscribe(fn func(sensor.Update)) (cancel func())
}

// Persistence receives session boundaries and drained batches.
// StoreBatch and EndSession must not block on I/O.
type Persistence interface {
	// StartSession may block until the session row is written
	StartSession(userID string) string
	StoreBatch(readings []*models.Reading)
	EndSession(sessionID string, summary *models.SessionSummary)
	LastError() error
}

// EmotionSource supplies the most recent emotion label, nil when none
type EmotionSource interface {
	Latest() *models.EmotionLabel
}

// Config holds session settings
type Config struct {
	UserID        string
	BufferSize    int           // Readings held between drains (default: 50)
	DrainOnFull   bool          // Drain as soon as the buffer fills
	DrainInterval time.Duration // Periodic drain, 0 disables
	HistorySize   int           // Integrated readings kept (default: 100)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		UserID:        DefaultUserID,
		BufferSize:    client.DefaultBufferCapacity,
		DrainOnFull:   true,
		DrainInterval: 10 * time.Second,
		HistorySize:   DefaultHistorySize,
	}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the wall clock used for timestamps and the drain timer
func WithClock(c sensor.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithEmotionSource attaches the emotion collaborator
func WithEmotionSource(src EmotionSource) Option {
	return func(co *Coordinator) {
		co.emotions = src
	}
}

// Coordinator owns the session lifecycle.
//
// Start and stop are serialized by lifeMu. Reading delivery, drains and the
// getters share mu, which is never held while calling into the monitor.
type Coordinator struct {
	cfg         Config
	monitor     Connector
	persistence Persistence
	emotions    EmotionSource
	clock       sensor.Clock
	logger      zerolog.Logger
	unsubscribe func()

	lifeMu sync.Mutex

	mu         sync.RWMutex
	active     bool
	generation uint64
	sessionID  string
	startTime  time.Time
	buffer     *client.ReadingBuffer
	history    []*models.IntegratedReading
	tally      models.SessionTally
	summary    *models.SessionSummary
	drainTimer sensor.Timer
}

// NewCoordinator creates a Coordinator and subscribes it to monitor readings
func NewCoordinator(cfg Config, monitor Connector, persistence Persistence, logger zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.UserID == "" {
		cfg.UserID = DefaultUserID
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = client.DefaultBufferCapacity
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.DrainInterval < 0 {
		cfg.DrainInterval = 0
	}

	c := &Coordinator{
		cfg:         cfg,
		monitor:     monitor,
		persistence: persistence,
		clock:       sensor.SystemClock(),
		logger:      logger,
		buffer:      client.NewReadingBuffer(cfg.BufferSize, true),
		history:     make([]*models.IntegratedReading, 0, cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unsubscribe = monitor.Subscribe(func(u sensor.Update) {
		if u.Kind == sensor.UpdateReading {
			c.HandleReading(u.Reading)
		}
	})
	return c
}

// StartSession opens a new session and asks the monitor to connect.
// Returns false without touching any state if a session is already active.
func (c *Coordinator) StartSession() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.start()
}

// StopSession ends the active session and returns its summary.
// Returns nil and does nothing when no session is active.
func (c *Coordinator) StopSession() *models.SessionSummary {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.stop()
}

// ToggleSession stops the active session or starts a new one
func (c *Coordinator) ToggleSession() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.IsActive() {
		c.stop()
		return
	}
	c.start()
}

func (c *Coordinator) start() bool {
	if c.IsActive() {
		c.logger.Warn().Str("session_id", c.SessionID()).Msg("Session already active")
		return false
	}

	c.mu.Lock()
	c.history = c.history[:0]
	c.buffer.Clear()
	c.tally.Reset()
	c.summary = nil
	c.mu.Unlock()

	id := c.persistence.StartSession(c.cfg.UserID)

	c.mu.Lock()
	c.active = true
	c.generation++
	c.sessionID = id
	c.startTime = c.clock.Now()
	c.scheduleDrain(c.generation)
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", id).
		Str("user_id", c.cfg.UserID).
		Msg("Session started")

	c.monitor.Connect()
	c.monitor.EnableAutoReconnect()
	return true
}

func (c *Coordinator) stop() *models.SessionSummary {
	if !c.IsActive() {
		return nil
	}

	c.monitor.DisableAutoReconnect()
	c.monitor.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = false
	c.generation++
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	c.drainLocked()

	summary := c.tally.Summary(c.startTime, c.clock.Now())
	summary.SessionID = c.sessionID
	c.persistence.EndSession(c.sessionID, summary)
	c.summary = summary

	c.logger.Info().
		Str("session_id", c.sessionID).
		Str("duration", summary.FormattedDuration()).
		Int("total_readings", summary.TotalReadings).
		Int("valid_readings", summary.ValidHeartRateReadings).
		Int("emotions", summary.EmotionIntegrationCount).
		Msg("Session stopped")

	c.sessionID = ""
	c.startTime = time.Time{}
	return summary
}

// HandleReading folds one monitor reading into the active session.
// Readings that arrive with no session active are dropped.
func (c *Coordinator) HandleReading(r *models.Reading) {
	if r == nil {
		return
	}

	var emotion *models.EmotionLabel
	if c.emotions != nil {
		emotion = c.emotions.Latest()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}

	ir := models.NewIntegratedReading(r, emotion, c.clock.Now())
	if len(c.history) >= c.cfg.HistorySize {
		copy(c.history, c.history[1:])
		c.history[len(c.history)-1] = ir
	} else {
		c.history = append(c.history, ir)
	}
	c.tally.Add(ir)

	c.buffer.Push(r)
	if c.cfg.DrainOnFull && c.buffer.IsFull() {
		c.drainLocked()
	}
}

// Drain hands every buffered reading to persistence as one batch
func (c *Coordinator) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
}

func (c *Coordinator) drainLocked() {
	batch := c.buffer.Drain()
	if len(batch) == 0 {
		return
	}
	c.persistence.StoreBatch(batch)
	c.logger.Debug().
		Str("session_id", c.sessionID).
		Int("count", len(batch)).
		Msg("Drained readings to storage")
}

// scheduleDrain arms the periodic drain for session generation gen. Caller holds mu.
func (c *Coordinator) scheduleDrain(gen uint64) {
	if c.cfg.DrainInterval <= 0 {
		return
	}
	c.drainTimer = c.clock.AfterFunc(c.cfg.DrainInterval, func() {
		c.onDrainTick(gen)
	})
}

func (c *Coordinator) onDrainTick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || c.generation != gen {
		return
	}
	c.drainLocked()
	c.scheduleDrain(gen)
}

// CurrentSessionStats returns a live snapshot, nil when no session is active
func (c *Coordinator) CurrentSessionStats() *models.SessionStats {
	state := c.monitor.State()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.active {
		return nil
	}
	duration := c.clock.Now().Sub(c.startTime)
	if duration < 0 {
		duration = 0
	}
	return &models.SessionStats{
		SessionID:              c.sessionID,
		Duration:               duration,
		TotalReadings:          c.tally.Total(),
		ValidHeartRateReadings: c.tally.Valid(),
		AverageHeartRate:       c.tally.AverageHeartRate(),
		ConnectionState:        state,
	}
}

// IsActive reports whether a session is running
func (c *Coordinator) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// SessionID returns the active session's identifier, empty when idle
func (c *Coordinator) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// StartTime returns when the active session started
func (c *Coordinator) StartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime
}

// ConnectionState returns the monitor's connection state
func (c *Coordinator) ConnectionState() models.ConnectionState {
	return c.monitor.State()
}

// CurrentReading returns the monitor's latest reading
func (c *Coordinator) CurrentReading() *models.Reading {
	return c.monitor.CurrentReading()
}

// History returns a copy of the integrated readings, oldest first
func (c *Coordinator) History() []*models.IntegratedReading {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.IntegratedReading, len(c.history))
	copy(out, c.history)
	return out
}

// BufferedCount returns the number of readings waiting for the next drain
func (c *Coordinator) BufferedCount() int {
	return c.buffer.Size()
}

// ErrorMessage returns the monitor's last error, or the storage error when
// the monitor has none. Empty when neither has failed.
func (c *Coordinator) ErrorMessage() string {
	if err := c.monitor.LastError(); err != nil {
		return err.Error()
	}
	if err := c.persistence.LastError(); err != nil {
		return "Storage: " + err.Error()
	}
	return ""
}

// Summary returns the summary of the last stopped session
func (c *Coordinator) Summary() *models.SessionSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

// LastEmotion returns the emotion source's current label
func (c *Coordinator) LastEmotion() *models.EmotionLabel {
	if c.emotions == nil {
		return nil
	}
	return c.emotions.Latest()
}

// Close stops any active session and detaches from the monitor
func (c *Coordinator) Close() *models.SessionSummary {
	summary := c.StopSession()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return summary
}
