package models

import "time"

// DeviceInfo describes the band client process and the wearable it serves
type DeviceInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"user_id"`
	Version    string    `json:"version"`
	Simulated  bool      `json:"simulated"`
	StartTime  time.Time `json:"start_time"`
	Peripheral string    `json:"peripheral,omitempty"`
}

// Uptime returns the duration since the client started
func (d *DeviceInfo) Uptime() time.Duration {
	return time.Since(d.StartTime)
}

// NewDeviceInfo creates a new DeviceInfo with the current time as start time
func NewDeviceInfo(id, name, userID, version string) *DeviceInfo {
	return &DeviceInfo{
		ID:        id,
		Name:      name,
		UserID:    userID,
		Version:   version,
		StartTime: time.Now(),
	}
}
