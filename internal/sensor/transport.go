package sensor

// Availability reports whether the host radio can be used
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityPoweredOn
	AvailabilityPoweredOff
	AvailabilityUnauthorized
	AvailabilityUnsupported
)

func (a Availability) String() string {
	switch a {
	case AvailabilityPoweredOn:
		return "powered on"
	case AvailabilityPoweredOff:
		return "powered off"
	case AvailabilityUnauthorized:
		return "unauthorized"
	case AvailabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Peripheral identifies a remote BLE device
type Peripheral struct {
	ID   string
	Name string
	RSSI int16
}

// EventKind identifies a transport completion
type EventKind int

const (
	EventAvailability EventKind = iota
	EventDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventSubscribed
	EventNotification
)

func (k EventKind) String() string {
	switch k {
	case EventAvailability:
		return "availability"
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventCharacteristicsDiscovered:
		return "characteristics_discovered"
	case EventSubscribed:
		return "subscribed"
	case EventNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Event is a completion or unsolicited notice from a Transport.
// UUIDs lists the services or characteristics found by a discovery step.
// Err is set when the step failed.
type Event struct {
	Kind           EventKind
	Peripheral     Peripheral
	Availability   Availability
	UUIDs          []string
	Characteristic string
	Payload        []byte
	Err            error
}

// Transport is the asynchronous BLE central used by the Monitor.
// Every method starts an operation and returns immediately; the outcome is
// delivered later through the handler given to Open. A non-nil return means
// the operation could not be started at all.
type Transport interface {
	// Open starts the transport. The handler receives every event and must not block.
	// An EventAvailability is delivered once the radio state is known.
	Open(handler func(Event)) error

	// Close releases the radio
	Close() error

	// Scan discovers peripherals advertising serviceUUID until StopScan
	Scan(serviceUUID string) error
	StopScan() error

	Connect(p Peripheral) error
	Disconnect(p Peripheral) error

	DiscoverServices(p Peripheral, uuids []string) error
	DiscoverCharacteristics(p Peripheral, service string, uuids []string) error

	// Subscribe enables notifications on a characteristic
	Subscribe(p Peripheral, characteristic string) error
}
