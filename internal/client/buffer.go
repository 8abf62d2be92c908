package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
)

// DefaultBufferCapacity is the number of readings held between drains
const DefaultBufferCapacity = 50

// ReadingBuffer is a thread-safe bounded buffer of band readings awaiting persistence
type ReadingBuffer struct {
	readings   []*models.Reading
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	TotalDrained  int64
	Drains        int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
	LastDrainTime time.Time
}

// NewReadingBuffer creates a buffer. With dropOldest a full buffer evicts its
// oldest reading on push, otherwise the new reading is rejected.
func NewReadingBuffer(capacity int, dropOldest bool) *ReadingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &ReadingBuffer{
		readings:   make([]*models.Reading, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push adds a reading to the buffer
// Returns true if stored, false if rejected (when full and dropOldest=false)
func (rb *ReadingBuffer) Push(reading *models.Reading) bool {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	now := time.Now()
	if len(rb.readings) >= rb.capacity {
		rb.stats.TotalDropped++
		rb.stats.LastDropTime = now
		if !rb.dropOldest {
			return false
		}
		rb.readings[0] = nil
		rb.readings = rb.readings[1:]
	}
	rb.readings = append(rb.readings, reading)
	rb.stats.TotalPushed++
	rb.stats.LastPushTime = now

	if len(rb.readings) > rb.stats.HighWaterMark {
		rb.stats.HighWaterMark = len(rb.readings)
	}

	return true
}

// Drain removes and returns every buffered reading, oldest first.
// Returns nil when the buffer is empty.
func (rb *ReadingBuffer) Drain() []*models.Reading {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	if len(rb.readings) == 0 {
		return nil
	}
	out := rb.readings
	rb.readings = make([]*models.Reading, 0, rb.capacity)
	rb.stats.TotalDrained += int64(len(out))
	rb.stats.Drains++
	rb.stats.LastDrainTime = time.Now()
	return out
}

// Size returns the current number of readings in the buffer
func (rb *ReadingBuffer) Size() int {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings)
}

// IsFull returns true if buffer is at capacity
func (rb *ReadingBuffer) IsFull() bool {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings) >= rb.capacity
}

// IsEmpty returns true if buffer has no readings
func (rb *ReadingBuffer) IsEmpty() bool {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return len(rb.readings) == 0
}

// Clear removes all readings and resets statistics
func (rb *ReadingBuffer) Clear() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	rb.readings = make([]*models.Reading, 0, rb.capacity)
	rb.stats = BufferStats{}
}

// Capacity returns the maximum capacity of the buffer
func (rb *ReadingBuffer) Capacity() int {
	// No lock needed, capacity doesn't change
	return rb.capacity
}

// Stats returns a copy of current buffer statistics
func (rb *ReadingBuffer) Stats() BufferStats {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()
	return rb.stats
}

// String returns a human-readable representation of buffer state
func (rb *ReadingBuffer) String() string {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	mode := "drop-newest"
	if rb.dropOldest {
		mode = "drop-oldest"
	}

	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, drained: %d, mode: %s]",
		len(rb.readings),
		rb.capacity,
		rb.stats.TotalDropped,
		rb.stats.TotalDrained,
		mode,
	)
}
