package models

import (
	"fmt"
	"strings"
	"time"
)

// highConfidence is the minimum confidence for a label to be trusted on its own
const highConfidence = 0.7

// EmotionCategory groups emotion labels by valence
type EmotionCategory int

const (
	EmotionUnknown EmotionCategory = iota
	EmotionPositive
	EmotionNegative
	EmotionNeutral
)

func (c EmotionCategory) String() string {
	switch c {
	case EmotionPositive:
		return "positive"
	case EmotionNegative:
		return "negative"
	case EmotionNeutral:
		return "neutral"
	default:
		return "unknown"
	}
}

// Labels are matched lowercased. The band's feed publishes Spanish labels.
var emotionCategories = map[string]EmotionCategory{
	"happy":     EmotionPositive,
	"feliz":     EmotionPositive,
	"alegre":    EmotionPositive,
	"surprise":  EmotionPositive,
	"sorpresa":  EmotionPositive,
	"sad":       EmotionNegative,
	"triste":    EmotionNegative,
	"angry":     EmotionNegative,
	"enojado":   EmotionNegative,
	"enojo":     EmotionNegative,
	"fear":      EmotionNegative,
	"miedo":     EmotionNegative,
	"disgust":   EmotionNegative,
	"asco":      EmotionNegative,
	"neutral":   EmotionNeutral,
	"calm":      EmotionNeutral,
	"tranquilo": EmotionNeutral,
}

// EmotionLabel is the most recent emotion produced by the external recognizer
type EmotionLabel struct {
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEmotionLabel creates a label stamped with the current time.
// Confidence is clamped to [0, 1].
func NewEmotionLabel(emotion string, confidence float64, message string) *EmotionLabel {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return &EmotionLabel{
		Emotion:    emotion,
		Confidence: confidence,
		Message:    message,
		Timestamp:  time.Now(),
	}
}

// Category returns the valence of the label
func (e *EmotionLabel) Category() EmotionCategory {
	if e == nil {
		return EmotionUnknown
	}
	if c, ok := emotionCategories[strings.ToLower(strings.TrimSpace(e.Emotion))]; ok {
		return c
	}
	return EmotionUnknown
}

// IsValid reports whether the label carries an emotion and a usable confidence
func (e *EmotionLabel) IsValid() bool {
	return e != nil &&
		strings.TrimSpace(e.Emotion) != "" &&
		e.Confidence >= 0 && e.Confidence <= 1
}

// IsHighConfidence reports whether the confidence is at least 0.7
func (e *EmotionLabel) IsHighConfidence() bool {
	return e != nil && e.Confidence >= highConfidence
}

// ConfidencePercentage returns the confidence as a whole percentage
func (e *EmotionLabel) ConfidencePercentage() int {
	if e == nil {
		return 0
	}
	return int(e.Confidence*100 + 0.5)
}

func (e *EmotionLabel) String() string {
	return fmt.Sprintf("%s (%d%%)", e.Emotion, e.ConfidencePercentage())
}

// Copy returns a copy of the label
func (e *EmotionLabel) Copy() *EmotionLabel {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
