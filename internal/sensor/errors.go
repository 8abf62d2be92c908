package sensor

import "fmt"

// ErrorKind identifies a class of Bluetooth failure
type ErrorKind int

const (
	KindNotAvailable ErrorKind = iota
	KindPoweredOff
	KindUnauthorized
	KindUnsupported
	KindDeviceNotFound
	KindConnectionTimeout
	KindConnectionFailed
	KindConnectionLost
	KindServiceDiscoveryFailed
	KindServiceNotFound
	KindCharacteristicDiscoveryFailed
	KindCharacteristicNotFound
	KindNotificationSetupFailed
	KindDataParsingFailed
)

var kindMessages = map[ErrorKind]string{
	KindNotAvailable:                  "bluetooth is not available",
	KindPoweredOff:                    "bluetooth is powered off",
	KindUnauthorized:                  "bluetooth access is not authorized",
	KindUnsupported:                   "bluetooth LE is not supported",
	KindDeviceNotFound:                "SmartBand not found",
	KindConnectionTimeout:             "connection timed out",
	KindConnectionFailed:              "connection failed",
	KindConnectionLost:                "connection lost",
	KindServiceDiscoveryFailed:        "service discovery failed",
	KindServiceNotFound:               "SmartBand service not found",
	KindCharacteristicDiscoveryFailed: "characteristic discovery failed",
	KindCharacteristicNotFound:        "data characteristic not found",
	KindNotificationSetupFailed:       "failed to enable notifications",
	KindDataParsingFailed:             "failed to parse sensor data",
}

func (k ErrorKind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return fmt.Sprintf("bluetooth error %d", int(k))
}

// BluetoothError is raised by the Monitor. Reason carries the transport's
// explanation for failures that have one.
type BluetoothError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *BluetoothError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *BluetoothError) Unwrap() error {
	return e.Err
}

// Is matches any BluetoothError of the same kind, so the sentinels below
// work with errors.Is regardless of reason.
func (e *BluetoothError) Is(target error) bool {
	t, ok := target.(*BluetoothError)
	return ok && t.Kind == e.Kind
}

func newBluetoothError(kind ErrorKind, reason string, err error) *BluetoothError {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &BluetoothError{Kind: kind, Reason: reason, Err: err}
}

var (
	ErrNotAvailable                  = &BluetoothError{Kind: KindNotAvailable}
	ErrPoweredOff                    = &BluetoothError{Kind: KindPoweredOff}
	ErrUnauthorized                  = &BluetoothError{Kind: KindUnauthorized}
	ErrUnsupported                   = &BluetoothError{Kind: KindUnsupported}
	ErrDeviceNotFound                = &BluetoothError{Kind: KindDeviceNotFound}
	ErrConnectionTimeout             = &BluetoothError{Kind: KindConnectionTimeout}
	ErrConnectionFailed              = &BluetoothError{Kind: KindConnectionFailed}
	ErrConnectionLost                = &BluetoothError{Kind: KindConnectionLost}
	ErrServiceDiscoveryFailed        = &BluetoothError{Kind: KindServiceDiscoveryFailed}
	ErrServiceNotFound               = &BluetoothError{Kind: KindServiceNotFound}
	ErrCharacteristicDiscoveryFailed = &BluetoothError{Kind: KindCharacteristicDiscoveryFailed}
	ErrCharacteristicNotFound        = &BluetoothError{Kind: KindCharacteristicNotFound}
	ErrNotificationSetupFailed       = &BluetoothError{Kind: KindNotificationSetupFailed}
	ErrDataParsingFailed             = &BluetoothError{Kind: KindDataParsingFailed}
)
