package models

import (
	"fmt"
	"math"
	"time"
)

// Reading is a single biometric sample streamed by the SmartBand.
// Readings are never mutated once decoded.
type Reading struct {
	HeartRate       float64   `json:"heart_rate"`
	Temperature     float64   `json:"temperature"`
	RawTemperature  float64   `json:"raw_temperature"`
	IRValue         int64     `json:"ir_value"`
	FingerDetected  bool      `json:"finger_detected"`
	ValidHeartRate  bool      `json:"valid_heart_rate"`
	DeviceTimestamp int64     `json:"device_timestamp"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Heart rate thresholds in BPM
const (
	lowHeartRate      = 60.0
	elevatedHeartRate = 100.0
	highHeartRate     = 120.0
)

// Body temperature thresholds in °C
const (
	normalTempMin = 36.0
	normalTempMax = 37.5
)

// Infrared amplitude thresholds for skin contact quality
const (
	poorContactIR = 50000
	goodContactIR = 100000
	excellentIR   = 200000
)

// HeartRateCategory classifies a heart rate value
type HeartRateCategory int

const (
	HeartRateUnknown HeartRateCategory = iota
	HeartRateLow
	HeartRateNormal
	HeartRateElevated
	HeartRateHigh
)

func (c HeartRateCategory) String() string {
	switch c {
	case HeartRateLow:
		return "Low"
	case HeartRateNormal:
		return "Normal"
	case HeartRateElevated:
		return "Elevated"
	case HeartRateHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// Color returns the display color used by dashboards
func (c HeartRateCategory) Color() string {
	switch c {
	case HeartRateLow:
		return "blue"
	case HeartRateNormal:
		return "green"
	case HeartRateElevated:
		return "orange"
	case HeartRateHigh:
		return "red"
	default:
		return "gray"
	}
}

// TemperatureStatus classifies a body temperature value
type TemperatureStatus int

const (
	TemperatureUnknown TemperatureStatus = iota
	TemperatureLow
	TemperatureNormal
	TemperatureElevated
)

func (s TemperatureStatus) String() string {
	switch s {
	case TemperatureLow:
		return "Below Normal"
	case TemperatureNormal:
		return "Normal"
	case TemperatureElevated:
		return "Elevated"
	default:
		return "Unknown"
	}
}

// Color returns the display color used by dashboards
func (s TemperatureStatus) Color() string {
	switch s {
	case TemperatureLow:
		return "blue"
	case TemperatureNormal:
		return "green"
	case TemperatureElevated:
		return "red"
	default:
		return "gray"
	}
}

// SensorQuality describes how well the sensor touches the skin
type SensorQuality int

const (
	SensorNoContact SensorQuality = iota
	SensorPoorContact
	SensorFair
	SensorGood
	SensorExcellent
)

func (q SensorQuality) String() string {
	switch q {
	case SensorPoorContact:
		return "Poor Contact"
	case SensorFair:
		return "Fair"
	case SensorGood:
		return "Good"
	case SensorExcellent:
		return "Excellent"
	default:
		return "No Contact"
	}
}

// Color returns the display color used by dashboards
func (q SensorQuality) Color() string {
	switch q {
	case SensorFair:
		return "orange"
	case SensorGood:
		return "yellow"
	case SensorExcellent:
		return "green"
	default:
		return "red"
	}
}

// HeartRateCategory returns the category of the reading's heart rate.
// Invalid or zero heart rates are always unknown.
func (r *Reading) HeartRateCategory() HeartRateCategory {
	if !r.ValidHeartRate || r.HeartRate <= 0 || math.IsNaN(r.HeartRate) {
		return HeartRateUnknown
	}

	switch {
	case r.HeartRate < lowHeartRate:
		return HeartRateLow
	case r.HeartRate < elevatedHeartRate:
		return HeartRateNormal
	case r.HeartRate < highHeartRate:
		return HeartRateElevated
	default:
		return HeartRateHigh
	}
}

// TemperatureStatus returns the status of the reading's temperature
func (r *Reading) TemperatureStatus() TemperatureStatus {
	t := r.Temperature
	switch {
	case math.IsNaN(t) || t < 0:
		return TemperatureUnknown
	case t < normalTempMin:
		return TemperatureLow
	case t <= normalTempMax:
		return TemperatureNormal
	default:
		return TemperatureElevated
	}
}

// SensorQuality returns the contact quality. No contact overrides the IR value.
func (r *Reading) SensorQuality() SensorQuality {
	if !r.FingerDetected {
		return SensorNoContact
	}

	switch {
	case r.IRValue < poorContactIR:
		return SensorPoorContact
	case r.IRValue > excellentIR:
		return SensorExcellent
	case r.IRValue > goodContactIR:
		return SensorGood
	default:
		return SensorFair
	}
}

// HeartRateStatus returns the heart rate as shown to a user
func (r *Reading) HeartRateStatus() string {
	if !r.FingerDetected {
		return "No finger detected"
	}
	if !r.ValidHeartRate {
		return "Calculating..."
	}
	return fmt.Sprintf("%d BPM", int(r.HeartRate))
}

// FormattedTemperature returns the temperature with one decimal
func (r *Reading) FormattedTemperature() string {
	return fmt.Sprintf("%.1f°C", r.Temperature)
}

// Equal compares every field except ReceivedAt, which is local decode time
func (r *Reading) Equal(other *Reading) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.HeartRate == other.HeartRate &&
		r.Temperature == other.Temperature &&
		r.RawTemperature == other.RawTemperature &&
		r.IRValue == other.IRValue &&
		r.FingerDetected == other.FingerDetected &&
		r.ValidHeartRate == other.ValidHeartRate &&
		r.DeviceTimestamp == other.DeviceTimestamp
}

// String returns the reading as a log-friendly line
func (r *Reading) String() string {
	return fmt.Sprintf("HR: %s, Temp: %s, IR: %d, Quality: %s",
		r.HeartRateStatus(),
		r.FormattedTemperature(),
		r.IRValue,
		r.SensorQuality(),
	)
}

// NewReading creates a Reading stamped with the current time
func NewReading(heartRate, temperature, rawTemperature float64, irValue int64, fingerDetected, validHeartRate bool, deviceTimestamp int64) *Reading {
	return &Reading{
		HeartRate:       heartRate,
		Temperature:     temperature,
		RawTemperature:  rawTemperature,
		IRValue:         irValue,
		FingerDetected:  fingerDetected,
		ValidHeartRate:  validHeartRate && fingerDetected,
		DeviceTimestamp: deviceTimestamp,
		ReceivedAt:      time.Now(),
	}
}

// Copy returns a copy of the Reading
func (r *Reading) Copy() *Reading {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
