// Package emotion tracks the emotion label published by the external
// recognizer so readings can be paired with it.
package emotion

import (
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
)

// Latest holds the most recent emotion label. The zero value is ready to use.
type Latest struct {
	mu      sync.RWMutex
	label   *models.EmotionLabel
	updated time.Time
}

// Set replaces the current label. A nil label clears it.
func (l *Latest) Set(label *models.EmotionLabel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.label = label.Copy()
	l.updated = time.Now()
}

// Clear drops the current label
func (l *Latest) Clear() {
	l.Set(nil)
}

// Latest returns a copy of the current label, nil when none is known
func (l *Latest) Latest() *models.EmotionLabel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.label.Copy()
}

// UpdatedAt returns when the label last changed
func (l *Latest) UpdatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updated
}
