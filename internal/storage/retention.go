package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionCleaner periodically removes old readings and keeps the reading
// log under its rolling cap
type RetentionCleaner struct {
	store         *SQLiteStore
	logger        zerolog.Logger
	retentionDays int
	maxReadings   int
	cleanupPeriod time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	// Stats
	mu              sync.RWMutex
	totalDeleted    int64
	totalTrimmed    int64
	totalCleanups   int64
	lastCleanup     time.Time
	lastDeleteCount int64
}

// RetentionCleanerConfig holds configuration for the cleaner
type RetentionCleanerConfig struct {
	RetentionDays int           // Number of days to keep data, 0 disables age cleanup (default: 30)
	MaxReadings   int           // Rolling cap of the reading log, 0 disables trimming
	CleanupPeriod time.Duration // How often to run cleanup (default: 1 hour)
}

// DefaultRetentionCleanerConfig returns sensible defaults
func DefaultRetentionCleanerConfig() RetentionCleanerConfig {
	return RetentionCleanerConfig{
		RetentionDays: 30,
		MaxReadings:   1000,
		CleanupPeriod: 1 * time.Hour,
	}
}

// RetentionCleanerStats contains statistics about the cleaner
type RetentionCleanerStats struct {
	TotalDeleted    int64     `json:"total_deleted"`
	TotalTrimmed    int64     `json:"total_trimmed"`
	TotalCleanups   int64     `json:"total_cleanups"`
	LastCleanup     time.Time `json:"last_cleanup,omitempty"`
	LastDeleteCount int64     `json:"last_delete_count"`
	RetentionDays   int       `json:"retention_days"`
}

// NewRetentionCleaner creates and starts a new retention cleaner
func NewRetentionCleaner(store *SQLiteStore, config RetentionCleanerConfig, logger zerolog.Logger) *RetentionCleaner {
	cleanupPeriod := config.CleanupPeriod

	// Validate CleanupPeriod to prevent time.NewTicker panic
	if cleanupPeriod <= 0 {
		defaultPeriod := 1 * time.Hour
		logger.Warn().
			Dur("provided_period", cleanupPeriod).
			Dur("default_period", defaultPeriod).
			Msg("Invalid CleanupPeriod provided (zero or negative), using default")
		cleanupPeriod = defaultPeriod
	}

	c := &RetentionCleaner{
		store:         store,
		logger:        logger,
		retentionDays: config.RetentionDays,
		maxReadings:   config.MaxReadings,
		cleanupPeriod: cleanupPeriod,
		stopChan:      make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupLoop()

	logger.Info().
		Int("retention_days", config.RetentionDays).
		Int("max_readings", config.MaxReadings).
		Dur("cleanup_period", cleanupPeriod).
		Msg("RetentionCleaner started")

	return c
}

// cleanupLoop runs the periodic cleanup
func (c *RetentionCleaner) cleanupLoop() {
	defer c.wg.Done()

	c.runCleanup()

	ticker := time.NewTicker(c.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.stopChan:
			c.logger.Info().Msg("RetentionCleaner stopped")
			return
		}
	}
}

// runCleanup performs the actual cleanup operation
func (c *RetentionCleaner) runCleanup() {
	var deleted, trimmed int64
	var err error

	if c.retentionDays > 0 {
		deleted, err = c.store.DeleteOlderThan(c.retentionDays)
		if err != nil {
			c.logger.Error().Err(err).Msg("Retention cleanup failed")
		}
	}

	if c.maxReadings > 0 {
		var trimErr error
		trimmed, trimErr = c.store.TrimReadings(c.maxReadings)
		if trimErr != nil {
			c.logger.Error().Err(trimErr).Msg("Reading log trim failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCleanups++
	c.lastCleanup = time.Now()
	c.totalTrimmed += trimmed
	if err != nil {
		return
	}
	c.totalDeleted += deleted
	c.lastDeleteCount = deleted

	if deleted > 0 || trimmed > 0 {
		c.logger.Info().
			Int64("deleted", deleted).
			Int64("trimmed", trimmed).
			Int("retention_days", c.retentionDays).
			Msg("Retention cleanup completed")
	} else {
		c.logger.Debug().
			Int("retention_days", c.retentionDays).
			Msg("Retention cleanup completed, no old data to delete")
	}
}

// Stop gracefully stops the cleaner
func (c *RetentionCleaner) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
}

// Stats returns current cleaner statistics
func (c *RetentionCleaner) Stats() RetentionCleanerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return RetentionCleanerStats{
		TotalDeleted:    c.totalDeleted,
		TotalTrimmed:    c.totalTrimmed,
		TotalCleanups:   c.totalCleanups,
		LastCleanup:     c.lastCleanup,
		LastDeleteCount: c.lastDeleteCount,
		RetentionDays:   c.retentionDays,
	}
}

// RunNow triggers an immediate cleanup
func (c *RetentionCleaner) RunNow() {
	c.runCleanup()
}
