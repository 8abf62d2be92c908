package models

import (
	"fmt"
	"math"
	"time"
)

// heart rate range used to normalize against emotion confidence
const (
	correlationBaseBPM  = 60.0
	correlationRangeBPM = 40.0
)

// IntegratedReading pairs a reading with the emotion label that was current when it arrived
type IntegratedReading struct {
	Reading    *Reading      `json:"reading"`
	Emotion    *EmotionLabel `json:"emotion,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// NewIntegratedReading creates an IntegratedReading. emotion may be nil.
func NewIntegratedReading(r *Reading, emotion *EmotionLabel, capturedAt time.Time) *IntegratedReading {
	return &IntegratedReading{
		Reading:    r,
		Emotion:    emotion,
		CapturedAt: capturedAt,
	}
}

// HasEmotion reports whether an emotion label is attached
func (ir *IntegratedReading) HasEmotion() bool {
	return ir.Emotion != nil
}

// CorrelationScore returns |confidence - (hr-60)/40|.
// It is only defined when an emotion is attached and the heart rate is valid.
func (ir *IntegratedReading) CorrelationScore() (float64, bool) {
	if ir.Emotion == nil || ir.Reading == nil || !ir.Reading.ValidHeartRate {
		return 0, false
	}
	normalized := (ir.Reading.HeartRate - correlationBaseBPM) / correlationRangeBPM
	return math.Abs(ir.Emotion.Confidence - normalized), true
}

// SessionSummary is computed once when a session stops
type SessionSummary struct {
	SessionID               string        `json:"session_id,omitempty"`
	StartTime               time.Time     `json:"start_time"`
	EndTime                 time.Time     `json:"end_time"`
	Duration                time.Duration `json:"duration"`
	TotalReadings           int           `json:"total_readings"`
	ValidHeartRateReadings  int           `json:"valid_heart_rate_readings"`
	AverageHeartRate        *float64      `json:"average_heart_rate,omitempty"`
	MinHeartRate            *float64      `json:"min_heart_rate,omitempty"`
	MaxHeartRate            *float64      `json:"max_heart_rate,omitempty"`
	AverageTemperature      *float64      `json:"average_temperature,omitempty"`
	EmotionIntegrationCount int           `json:"emotion_integration_count"`
}

// FormattedDuration returns the duration as MM:SS
func (s *SessionSummary) FormattedDuration() string {
	return formatMinutesSeconds(s.Duration)
}

// HeartRateVariability returns max-min heart rate, or false when no valid readings exist
func (s *SessionSummary) HeartRateVariability() (float64, bool) {
	if s.MinHeartRate == nil || s.MaxHeartRate == nil {
		return 0, false
	}
	return *s.MaxHeartRate - *s.MinHeartRate, true
}

func (s *SessionSummary) String() string {
	avg := "n/a"
	if s.AverageHeartRate != nil {
		avg = fmt.Sprintf("%.1f BPM", *s.AverageHeartRate)
	}
	return fmt.Sprintf("duration=%s readings=%d valid=%d avg_hr=%s emotions=%d",
		s.FormattedDuration(), s.TotalReadings, s.ValidHeartRateReadings, avg, s.EmotionIntegrationCount)
}

// SessionStats is a live snapshot of the active session
type SessionStats struct {
	SessionID              string          `json:"session_id"`
	Duration               time.Duration   `json:"duration"`
	TotalReadings          int             `json:"total_readings"`
	ValidHeartRateReadings int             `json:"valid_heart_rate_readings"`
	AverageHeartRate       *float64        `json:"average_heart_rate,omitempty"`
	ConnectionState        ConnectionState `json:"connection_state"`
}

// ReadingsPerMinute returns the reading rate over the session so far
func (s *SessionStats) ReadingsPerMinute() float64 {
	minutes := s.Duration.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(s.TotalReadings) / minutes
}

// ValidHeartRatePercentage returns the share of readings with a valid heart rate
func (s *SessionStats) ValidHeartRatePercentage() float64 {
	if s.TotalReadings == 0 {
		return 0
	}
	return float64(s.ValidHeartRateReadings) / float64(s.TotalReadings) * 100
}

// FormattedDuration returns the duration as MM:SS
func (s *SessionStats) FormattedDuration() string {
	return formatMinutesSeconds(s.Duration)
}

// SessionTally accumulates the figures a summary needs over every reading of a
// session, independent of how much history is retained.
type SessionTally struct {
	total     int
	valid     int
	emotions  int
	hrSum     float64
	hrMin     float64
	hrMax     float64
	tempSum   float64
	tempCount int
}

// Add folds one integrated reading into the tally
func (t *SessionTally) Add(ir *IntegratedReading) {
	if ir == nil || ir.Reading == nil {
		return
	}
	r := ir.Reading
	t.total++

	if ir.HasEmotion() {
		t.emotions++
	}

	if !math.IsNaN(r.Temperature) {
		t.tempSum += r.Temperature
		t.tempCount++
	}

	if !r.ValidHeartRate {
		return
	}
	if t.valid == 0 || r.HeartRate < t.hrMin {
		t.hrMin = r.HeartRate
	}
	if t.valid == 0 || r.HeartRate > t.hrMax {
		t.hrMax = r.HeartRate
	}
	t.valid++
	t.hrSum += r.HeartRate
}

// Total returns the number of readings seen
func (t *SessionTally) Total() int {
	return t.total
}

// Valid returns the number of readings with a valid heart rate
func (t *SessionTally) Valid() int {
	return t.valid
}

// AverageHeartRate returns the mean over valid readings, nil when there are none
func (t *SessionTally) AverageHeartRate() *float64 {
	if t.valid == 0 {
		return nil
	}
	avg := t.hrSum / float64(t.valid)
	return &avg
}

// Summary builds a SessionSummary for a session spanning start to end
func (t *SessionTally) Summary(start, end time.Time) *SessionSummary {
	s := &SessionSummary{
		StartTime:               start,
		EndTime:                 end,
		Duration:                end.Sub(start),
		TotalReadings:           t.total,
		ValidHeartRateReadings:  t.valid,
		AverageHeartRate:        t.AverageHeartRate(),
		EmotionIntegrationCount: t.emotions,
	}
	if s.Duration < 0 {
		s.Duration = 0
	}
	if t.valid > 0 {
		minHR, maxHR := t.hrMin, t.hrMax
		s.MinHeartRate = &minHR
		s.MaxHeartRate = &maxHR
	}
	if t.tempCount > 0 {
		avg := t.tempSum / float64(t.tempCount)
		s.AverageTemperature = &avg
	}
	return s
}

// Reset clears the tally
func (t *SessionTally) Reset() {
	*t = SessionTally{}
}

// SummarizeReadings computes a summary directly from a list of integrated readings
func SummarizeReadings(readings []*IntegratedReading, start, end time.Time) *SessionSummary {
	var t SessionTally
	for _, ir := range readings {
		t.Add(ir)
	}
	return t.Summary(start, end)
}

func formatMinutesSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
