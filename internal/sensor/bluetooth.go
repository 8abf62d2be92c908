package sensor

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// BluetoothTransport implements Transport on the host's default BLE adapter.
// Blocking adapter calls run on their own goroutines and report back as Events.
type BluetoothTransport struct {
	adapter *bluetooth.Adapter
	scanner scanner
	logger  zerolog.Logger

	mu       sync.Mutex
	handler  func(Event)
	scanning bool
	scanGen  uint64
	scanDone chan struct{}
	seen     map[string]scanned
	devices  map[string]bluetooth.Device
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
}

// scanner is the part of *bluetooth.Adapter that runs scans
type scanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

type scanned struct {
	address bluetooth.Address
	name    string
}

// NewBluetoothTransport creates a transport on bluetooth.DefaultAdapter
func NewBluetoothTransport(logger zerolog.Logger) *BluetoothTransport {
	return &BluetoothTransport{
		adapter:  bluetooth.DefaultAdapter,
		scanner:  bluetooth.DefaultAdapter,
		logger:   logger,
		seen:     make(map[string]scanned),
		devices:  make(map[string]bluetooth.Device),
		services: make(map[string]bluetooth.DeviceService),
		chars:    make(map[string]bluetooth.DeviceCharacteristic),
	}
}

// Open enables the adapter and reports its availability
func (t *BluetoothTransport) Open(handler func(Event)) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()

	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		t.mu.Lock()
		_, known := t.devices[id]
		delete(t.devices, id)
		t.mu.Unlock()
		if known {
			t.emit(Event{
				Kind:       EventDisconnected,
				Peripheral: t.peripheral(id),
				Err:        errors.New("link closed by peripheral"),
			})
		}
	})

	go func() {
		if err := t.adapter.Enable(); err != nil {
			t.logger.Error().Err(err).Msg("Failed to enable Bluetooth adapter")
			t.emit(Event{Kind: EventAvailability, Availability: AvailabilityPoweredOff, Err: err})
			return
		}
		t.emit(Event{Kind: EventAvailability, Availability: AvailabilityPoweredOn})
	}()
	return nil
}

// Close stops any scan and drops every connection
func (t *BluetoothTransport) Close() error {
	_ = t.StopScan()

	t.mu.Lock()
	devices := make([]bluetooth.Device, 0, len(t.devices))
	for _, d := range t.devices {
		devices = append(devices, d)
	}
	t.devices = make(map[string]bluetooth.Device)
	t.handler = nil
	t.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scan reports every peripheral advertising serviceUUID. A scan started right
// after StopScan waits for the previous adapter scan to return.
func (t *BluetoothTransport) Scan(serviceUUID string) error {
	want, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}

	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	t.scanGen++
	gen := t.scanGen
	prev := t.scanDone
	done := make(chan struct{})
	t.scanDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if !t.scanCurrent(gen) {
			return
		}

		err := t.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(want) {
				return
			}
			id := result.Address.String()
			t.mu.Lock()
			t.seen[id] = scanned{address: result.Address, name: result.LocalName()}
			t.mu.Unlock()

			t.emit(Event{
				Kind: EventDiscovered,
				Peripheral: Peripheral{
					ID:   id,
					Name: result.LocalName(),
					RSSI: result.RSSI,
				},
			})
		})

		t.mu.Lock()
		if t.scanGen == gen {
			t.scanning = false
		}
		t.mu.Unlock()

		if err != nil {
			t.logger.Error().Err(err).Msg("Scan ended with error")
		}
	}()
	return nil
}

// StopScan stops a running scan. The transport accepts a new Scan as soon as
// StopScan returns, whatever the adapter reported.
func (t *BluetoothTransport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	t.scanGen++
	t.mu.Unlock()

	if err := t.scanner.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

// scanCurrent reports whether gen is still the running scan
func (t *BluetoothTransport) scanCurrent(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning && t.scanGen == gen
}

// Connect dials a peripheral seen by Scan
func (t *BluetoothTransport) Connect(p Peripheral) error {
	t.mu.Lock()
	s, ok := t.seen[p.ID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("peripheral %s was not discovered", p.ID)
	}

	go func() {
		device, err := t.adapter.Connect(s.address, bluetooth.ConnectionParams{})
		if err != nil {
			t.emit(Event{Kind: EventConnectFailed, Peripheral: p, Err: err})
			return
		}
		t.mu.Lock()
		t.devices[p.ID] = device
		t.mu.Unlock()
		t.emit(Event{Kind: EventConnected, Peripheral: p})
	}()
	return nil
}

// Disconnect drops the link to p
func (t *BluetoothTransport) Disconnect(p Peripheral) error {
	t.mu.Lock()
	device, ok := t.devices[p.ID]
	delete(t.devices, p.ID)
	for k := range t.services {
		if keyOwner(k) == p.ID {
			delete(t.services, k)
		}
	}
	for k := range t.chars {
		if keyOwner(k) == p.ID {
			delete(t.chars, k)
		}
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return device.Disconnect()
}

// DiscoverServices looks up the given services on p
func (t *BluetoothTransport) DiscoverServices(p Peripheral, uuids []string) error {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	device, err := t.device(p)
	if err != nil {
		return err
	}

	go func() {
		services, err := device.DiscoverServices(filter)
		if err != nil {
			t.emit(Event{Kind: EventServicesDiscovered, Peripheral: p, Err: err})
			return
		}
		found := make([]string, 0, len(services))
		t.mu.Lock()
		for _, svc := range services {
			id := svc.UUID().String()
			t.services[key(p.ID, id)] = svc
			found = append(found, id)
		}
		t.mu.Unlock()
		t.emit(Event{Kind: EventServicesDiscovered, Peripheral: p, UUIDs: found})
	}()
	return nil
}

// DiscoverCharacteristics looks up characteristics of a discovered service
func (t *BluetoothTransport) DiscoverCharacteristics(p Peripheral, service string, uuids []string) error {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}

	t.mu.Lock()
	svc, ok := t.services[key(p.ID, service)]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %s not discovered on %s", service, p.ID)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			t.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: p, Err: err})
			return
		}
		found := make([]string, 0, len(chars))
		t.mu.Lock()
		for _, c := range chars {
			id := c.UUID().String()
			t.chars[key(p.ID, id)] = c
			found = append(found, id)
		}
		t.mu.Unlock()
		t.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: p, UUIDs: found})
	}()
	return nil
}

// Subscribe enables notifications on a discovered characteristic
func (t *BluetoothTransport) Subscribe(p Peripheral, characteristic string) error {
	t.mu.Lock()
	char, ok := t.chars[key(p.ID, characteristic)]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %s not discovered on %s", characteristic, p.ID)
	}

	go func() {
		err := char.EnableNotifications(func(buf []byte) {
			payload := make([]byte, len(buf))
			copy(payload, buf)
			t.emit(Event{
				Kind:           EventNotification,
				Peripheral:     p,
				Characteristic: characteristic,
				Payload:        payload,
			})
		})
		t.emit(Event{Kind: EventSubscribed, Peripheral: p, Characteristic: characteristic, Err: err})
	}()
	return nil
}

func (t *BluetoothTransport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *BluetoothTransport) device(p Peripheral) (bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[p.ID]
	if !ok {
		return bluetooth.Device{}, fmt.Errorf("peripheral %s is not connected", p.ID)
	}
	return d, nil
}

func (t *BluetoothTransport) peripheral(id string) Peripheral {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Peripheral{ID: id, Name: t.seen[id].name}
}

func parseUUIDs(ss []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(ss))
	for _, s := range ss {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("parse uuid %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func key(peripheral, uuid string) string {
	return peripheral + "|" + uuid
}

func keyOwner(k string) string {
	owner, _, _ := strings.Cut(k, "|")
	return owner
}
