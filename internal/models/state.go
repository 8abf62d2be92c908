package models

// ConnectionState represents the BLE link to the band
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
	StateSubscribed
)

// String returns a string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateSubscribed:
		return "Receiving Data"
	default:
		return "Unknown"
	}
}

// Color returns the display color used by dashboards
func (s ConnectionState) Color() string {
	switch s {
	case StateScanning, StateConnecting:
		return "orange"
	case StateConnected:
		return "blue"
	case StateSubscribed:
		return "green"
	default:
		return "red"
	}
}

// IsActive reports whether a connection attempt is underway or established
func (s ConnectionState) IsActive() bool {
	return s != StateDisconnected
}

// MarshalText encodes the state by name in JSON payloads
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name. Unknown names decode as disconnected.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Scanning":
		*s = StateScanning
	case "Connecting":
		*s = StateConnecting
	case "Connected":
		*s = StateConnected
	case "Receiving Data":
		*s = StateSubscribed
	default:
		*s = StateDisconnected
	}
	return nil
}
