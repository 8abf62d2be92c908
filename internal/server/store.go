package server

import (
	"sort"
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
)

// MemoryStore is an in-memory ring buffer of readings per band
type MemoryStore struct {
	capacity      int
	data          map[string][]*models.Reading
	mutex         sync.RWMutex
	totalReadings int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryStore{
		capacity: capacity,
		data:     make(map[string][]*models.Reading),
	}
}

// Add adds a reading to the store
func (ms *MemoryStore) Add(deviceID string, reading *models.Reading) {
	if reading == nil {
		return
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	readings := ms.data[deviceID]
	if len(readings) >= ms.capacity {
		readings = readings[1:] // Remove oldest
	}
	readings = append(readings, reading)
	ms.data[deviceID] = readings
	ms.totalReadings++
}

// GetLatest returns the n most recent readings for a band
func (ms *MemoryStore) GetLatest(deviceID string, n int) []*models.Reading {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	readings := ms.data[deviceID]
	if len(readings) == 0 {
		return nil
	}

	start := len(readings) - n
	if start < 0 {
		start = 0
	}

	// Return copies, newest first
	result := make([]*models.Reading, len(readings)-start)
	for i, j := len(readings)-1, 0; i >= start; i, j = i-1, j+1 {
		result[j] = readings[i].Copy()
	}
	return result
}

// GetAll returns all readings from all bands
func (ms *MemoryStore) GetAll() []*models.Reading {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	result := make([]*models.Reading, 0)
	for _, deviceReadings := range ms.data {
		for _, reading := range deviceReadings {
			result = append(result, reading.Copy())
		}
	}
	return result
}

// GetCurrentReading returns the most recent reading for a band
func (ms *MemoryStore) GetCurrentReading(deviceID string) *models.Reading {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	readings := ms.data[deviceID]
	if len(readings) == 0 {
		return nil
	}
	return readings[len(readings)-1].Copy()
}

// GetDeviceIDs returns the bands that have sent data, sorted
func (ms *MemoryStore) GetDeviceIDs() []string {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	keys := make([]string, 0, len(ms.data))
	for key := range ms.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns statistics about the store
func (ms *MemoryStore) Stats() StoreStats {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	stats := StoreStats{
		TotalReadings: ms.totalReadings,
		UniqueDevices: len(ms.data),
	}
	for _, readings := range ms.data {
		stats.CurrentReadings += len(readings)
		if len(readings) == 0 {
			continue
		}
		oldest := readings[0].ReceivedAt
		newest := readings[len(readings)-1].ReceivedAt
		if stats.OldestReading.IsZero() || oldest.Before(stats.OldestReading) {
			stats.OldestReading = oldest
		}
		if newest.After(stats.NewestReading) {
			stats.NewestReading = newest
		}
	}
	return stats
}

// StoreStats contains statistics about the memory store
type StoreStats struct {
	TotalReadings   int64     `json:"total_readings"`
	UniqueDevices   int       `json:"unique_devices"`
	CurrentReadings int       `json:"current_readings"` // In memory now
	OldestReading   time.Time `json:"oldest_reading,omitempty"`
	NewestReading   time.Time `json:"newest_reading,omitempty"`
}

// Clear removes all data from the store
func (ms *MemoryStore) Clear() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.data = make(map[string][]*models.Reading)
	ms.totalReadings = 0
}
