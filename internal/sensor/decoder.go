package sensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/afroash/smartband-monitor/internal/models"
)

// ErrMalformedPayload matches every decode failure via errors.Is
var ErrMalformedPayload = errors.New("malformed payload")

// DecodeError reports a notification payload that could not be turned into a Reading
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrMalformedPayload
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// wireReading is the JSON object sent by the band firmware
type wireReading struct {
	HeartRate      *float64 `json:"heartRate"`
	Temperature    *float64 `json:"temperature"`
	RawTemperature *float64 `json:"rawTemperature"`
	IRValue        *int64   `json:"irValue"`
	FingerDetected *bool    `json:"fingerDetected"`
	ValidHeartRate *bool    `json:"validHeartRate"`
	Timestamp      *int64   `json:"timestamp"`
}

// Decode parses a notification payload, stamping ReceivedAt with the current time
func Decode(payload []byte) (*models.Reading, error) {
	return DecodeAt(payload, time.Now())
}

// DecodeAt parses a notification payload and stamps ReceivedAt with receivedAt.
// Keys match exactly, case included. Unknown keys are ignored. Missing, null or
// mistyped keys fail.
func DecodeAt(payload []byte, receivedAt time.Time) (*models.Reading, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Err: errors.New("empty payload")}
	}
	if !utf8.Valid(payload) {
		return nil, &DecodeError{Err: errors.New("payload is not valid UTF-8")}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &DecodeError{Err: err}
	}

	r := &models.Reading{ReceivedAt: receivedAt}
	targets := []struct {
		key string
		dst interface{}
	}{
		{"heartRate", &r.HeartRate},
		{"temperature", &r.Temperature},
		{"rawTemperature", &r.RawTemperature},
		{"irValue", &r.IRValue},
		{"fingerDetected", &r.FingerDetected},
		{"validHeartRate", &r.ValidHeartRate},
		{"timestamp", &r.DeviceTimestamp},
	}
	for _, t := range targets {
		raw, ok := fields[t.key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, missing(t.key)
		}
		if err := json.Unmarshal(raw, t.dst); err != nil {
			return nil, &DecodeError{Field: t.key, Err: err}
		}
	}
	return r, nil
}

// Encode writes a Reading in the band's wire format
func Encode(r *models.Reading) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil reading")
	}
	return json.Marshal(wireReading{
		HeartRate:      &r.HeartRate,
		Temperature:    &r.Temperature,
		RawTemperature: &r.RawTemperature,
		IRValue:        &r.IRValue,
		FingerDetected: &r.FingerDetected,
		ValidHeartRate: &r.ValidHeartRate,
		Timestamp:      &r.DeviceTimestamp,
	})
}

func missing(field string) *DecodeError {
	return &DecodeError{Field: field, Err: errors.New("missing or null")}
}
