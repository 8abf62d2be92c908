package sensor

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var band = Peripheral{ID: "AA:BB:CC:DD:EE:FF", Name: DefaultDeviceName, RSSI: -60}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) add(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) states() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ConnectionState
	for _, u := range r.updates {
		if u.Kind == UpdateState {
			out = append(out, u.State)
		}
	}
	return out
}

func (r *recorder) readings() []*models.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Reading
	for _, u := range r.updates {
		if u.Kind == UpdateReading {
			out = append(out, u.Reading)
		}
	}
	return out
}

type harness struct {
	m     *Monitor
	tr    *fakeTransport
	clock *fakeClock
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tr := &fakeTransport{}
	clock := newFakeClock()
	m, err := NewMonitor(DefaultMonitorConfig(), tr, zerolog.Nop(), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	rec := &recorder{}
	m.Subscribe(rec.add)
	return &harness{m: m, tr: tr, clock: clock, rec: rec}
}

// emit delivers an event and waits for the monitor to process it
func (h *harness) emit(ev Event) {
	h.tr.emit(ev)
	h.sync()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) sync() {
	h.m.do(func() {})
}

func (h *harness) powerOn() {
	h.emit(Event{Kind: EventAvailability, Availability: AvailabilityPoweredOn})
}

// subscribe walks the monitor through the full handshake
func (h *harness) subscribe(t *testing.T) {
	t.Helper()
	h.powerOn()
	h.m.Connect()
	h.emit(Event{Kind: EventDiscovered, Peripheral: band})
	h.emit(Event{Kind: EventConnected, Peripheral: band})
	h.emit(Event{Kind: EventServicesDiscovered, Peripheral: band, UUIDs: []string{DefaultServiceUUID}})
	h.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: band, UUIDs: []string{DefaultCharacteristicUUID}})
	h.emit(Event{Kind: EventSubscribed, Peripheral: band, Characteristic: DefaultCharacteristicUUID})
	require.Equal(t, models.StateSubscribed, h.m.State())
}

func samplePayload(t *testing.T) []byte {
	t.Helper()
	payload, err := Encode(&models.Reading{
		HeartRate: 72, Temperature: 36.5, RawTemperature: 34.1,
		IRValue: 120000, FingerDetected: true, ValidHeartRate: true, DeviceTimestamp: 1000,
	})
	require.NoError(t, err)
	return payload
}

func TestMonitor_HandshakeToSubscribed(t *testing.T) {
	h := newHarness(t)
	h.powerOn()

	h.m.Connect()
	assert.Equal(t, models.StateScanning, h.m.State())
	assert.Equal(t, 1, h.tr.scanCount())

	h.m.Connect()
	assert.Equal(t, 1, h.tr.scanCount(), "second connect must not start another scan")

	h.emit(Event{Kind: EventDiscovered, Peripheral: Peripheral{ID: "11:22", Name: "Other"}})
	assert.Equal(t, models.StateScanning, h.m.State())
	assert.Len(t, h.m.Discovered(), 1)

	h.emit(Event{Kind: EventDiscovered, Peripheral: band})
	assert.Equal(t, models.StateConnecting, h.m.State())
	assert.Equal(t, 1, h.tr.connectCount())
	assert.Len(t, h.m.Discovered(), 2)

	h.emit(Event{Kind: EventConnected, Peripheral: band})
	assert.Equal(t, models.StateConnected, h.m.State())

	h.emit(Event{Kind: EventServicesDiscovered, Peripheral: band, UUIDs: []string{strings.ToUpper(DefaultServiceUUID)}})
	h.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: band, UUIDs: []string{DefaultCharacteristicUUID}})
	require.Len(t, h.tr.subscribes, 1)

	h.emit(Event{Kind: EventSubscribed, Peripheral: band, Characteristic: DefaultCharacteristicUUID})
	assert.Equal(t, models.StateSubscribed, h.m.State())

	h.emit(Event{Kind: EventNotification, Peripheral: band, Payload: samplePayload(t)})
	require.NotNil(t, h.m.CurrentReading())
	assert.Equal(t, 72.0, h.m.CurrentReading().HeartRate)
	assert.Equal(t, h.clock.Now(), h.m.CurrentReading().ReceivedAt)

	assert.Equal(t, []models.ConnectionState{
		models.StateScanning,
		models.StateConnecting,
		models.StateConnected,
		models.StateSubscribed,
	}, h.rec.states())
	assert.Len(t, h.rec.readings(), 1)
	assert.NoError(t, h.m.LastError())
}

func TestMonitor_ConnectToDiscovered(t *testing.T) {
	h := newHarness(t)
	h.powerOn()

	h.m.StartScan()
	require.Equal(t, models.StateScanning, h.m.State())

	other := Peripheral{ID: "11:22:33:44:55:66", Name: "OtherBand", RSSI: -70}
	h.emit(Event{Kind: EventDiscovered, Peripheral: other})
	assert.Equal(t, models.StateScanning, h.m.State())
	require.Len(t, h.m.Discovered(), 1)
	assert.Zero(t, h.tr.connectCount())

	h.m.ConnectTo(h.m.Discovered()[0])
	assert.Equal(t, models.StateConnecting, h.m.State())
	require.Equal(t, 1, h.tr.connectCount())
	assert.Equal(t, other.ID, h.tr.connects[0].ID)
	assert.Equal(t, 1, h.tr.stopScans)

	// Past the scan timeout but inside the connect timeout
	h.advance(11 * time.Second)
	assert.Equal(t, models.StateConnecting, h.m.State())
	assert.NoError(t, h.m.LastError())

	h.emit(Event{Kind: EventConnected, Peripheral: other})
	assert.Equal(t, models.StateConnected, h.m.State())
	assert.NoError(t, h.m.LastError())
}

func TestMonitor_StartScan(t *testing.T) {
	h := newHarness(t)
	h.powerOn()

	h.m.StartScan()
	require.Equal(t, models.StateScanning, h.m.State())
	require.Equal(t, 1, h.tr.scanCount())

	h.m.StartScan()
	assert.Equal(t, models.StateScanning, h.m.State())
	assert.Equal(t, 1, h.tr.scanCount(), "scan already running")

	h.m.StopScan()
	assert.Equal(t, models.StateDisconnected, h.m.State())

	h.subscribe(t)
	h.m.StartScan()
	assert.Equal(t, models.StateSubscribed, h.m.State())
	assert.Equal(t, 2, h.tr.scanCount())
}

func TestMonitor_ConnectWithoutRadio(t *testing.T) {
	h := newHarness(t)

	h.m.Connect()
	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), ErrNotAvailable)
	assert.Equal(t, 0, h.tr.scanCount())
}

func TestMonitor_ScanTimeout(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	h.m.Connect()

	h.advance(9 * time.Second)
	assert.Equal(t, models.StateScanning, h.m.State())

	h.advance(time.Second)
	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), ErrDeviceNotFound)
}

func TestMonitor_ConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	h.m.Connect()
	h.emit(Event{Kind: EventDiscovered, Peripheral: band})

	h.advance(15 * time.Second)
	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), ErrConnectionTimeout)
	assert.Equal(t, 1, h.tr.disconnectCount())
}

func TestMonitor_StaleTimeoutsIgnored(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	h.m.Connect()
	h.emit(Event{Kind: EventDiscovered, Peripheral: band})
	h.emit(Event{Kind: EventConnected, Peripheral: band})

	h.advance(30 * time.Second)
	assert.Equal(t, models.StateConnected, h.m.State())
	assert.NoError(t, h.m.LastError())
}

func TestMonitor_ConnectFailed(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	h.m.Connect()
	h.emit(Event{Kind: EventDiscovered, Peripheral: band})

	h.emit(Event{Kind: EventConnectFailed, Peripheral: band, Err: errors.New("refused")})
	assert.Equal(t, models.StateDisconnected, h.m.State())

	var btErr *BluetoothError
	require.ErrorAs(t, h.m.LastError(), &btErr)
	assert.Equal(t, KindConnectionFailed, btErr.Kind)
	assert.Equal(t, "refused", btErr.Reason)
}

func TestMonitor_LateConnectionIsClosed(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	h.m.Connect()
	h.emit(Event{Kind: EventDiscovered, Peripheral: band})

	h.m.Disconnect()
	assert.Equal(t, 1, h.tr.disconnectCount())

	h.emit(Event{Kind: EventConnected, Peripheral: band})
	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.Equal(t, 2, h.tr.disconnectCount())
}

func TestMonitor_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   error
	}{
		{
			name:   "service discovery error",
			events: []Event{{Kind: EventServicesDiscovered, Peripheral: band, Err: errors.New("gatt")}},
			want:   ErrServiceDiscoveryFailed,
		},
		{
			name:   "service missing",
			events: []Event{{Kind: EventServicesDiscovered, Peripheral: band, UUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"}}},
			want:   ErrServiceNotFound,
		},
		{
			name: "characteristic discovery error",
			events: []Event{
				{Kind: EventServicesDiscovered, Peripheral: band, UUIDs: []string{DefaultServiceUUID}},
				{Kind: EventCharacteristicsDiscovered, Peripheral: band, Err: errors.New("gatt")},
			},
			want: ErrCharacteristicDiscoveryFailed,
		},
		{
			name: "characteristic missing",
			events: []Event{
				{Kind: EventServicesDiscovered, Peripheral: band, UUIDs: []string{DefaultServiceUUID}},
				{Kind: EventCharacteristicsDiscovered, Peripheral: band},
			},
			want: ErrCharacteristicNotFound,
		},
		{
			name: "notification setup",
			events: []Event{
				{Kind: EventServicesDiscovered, Peripheral: band, UUIDs: []string{DefaultServiceUUID}},
				{Kind: EventCharacteristicsDiscovered, Peripheral: band, UUIDs: []string{DefaultCharacteristicUUID}},
				{Kind: EventSubscribed, Peripheral: band, Err: errors.New("cccd write failed")},
			},
			want: ErrNotificationSetupFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.powerOn()
			h.m.Connect()
			h.emit(Event{Kind: EventDiscovered, Peripheral: band})
			h.emit(Event{Kind: EventConnected, Peripheral: band})

			for _, ev := range tt.events {
				h.emit(ev)
			}

			assert.ErrorIs(t, h.m.LastError(), tt.want)
			assert.Equal(t, models.StateConnected, h.m.State(), "handshake failures leave the link up")
			assert.Equal(t, 0, h.tr.disconnectCount())
		})
	}
}

func TestMonitor_MalformedNotification(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t)

	h.emit(Event{Kind: EventNotification, Peripheral: band, Payload: []byte(`{"heartRate": "fast"}`)})

	assert.Equal(t, models.StateSubscribed, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), ErrDataParsingFailed)
	assert.ErrorIs(t, h.m.LastError(), ErrMalformedPayload)
	assert.Nil(t, h.m.CurrentReading())
	assert.Empty(t, h.rec.readings())
}

func TestMonitor_UnsolicitedDisconnect(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t)
	h.emit(Event{Kind: EventNotification, Peripheral: band, Payload: samplePayload(t)})
	require.NotNil(t, h.m.CurrentReading())

	h.emit(Event{Kind: EventDisconnected, Peripheral: band, Err: errors.New("supervision timeout")})

	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.Nil(t, h.m.CurrentReading())
	assert.ErrorIs(t, h.m.LastError(), ErrConnectionLost)

	h.emit(Event{Kind: EventNotification, Peripheral: band, Payload: samplePayload(t)})
	assert.Nil(t, h.m.CurrentReading(), "notifications after disconnect are dropped")
}

func TestMonitor_ReconnectsAfterDrop(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t)
	h.m.EnableAutoReconnect()
	scans := h.tr.scanCount()

	h.emit(Event{Kind: EventDisconnected, Peripheral: band, Err: errors.New("out of range")})
	h.advance(2 * time.Second)

	assert.Equal(t, models.StateScanning, h.m.State())
	assert.Equal(t, scans+1, h.tr.scanCount())
}

func TestMonitor_AutoReconnectSingleTimer(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	h.advance(500 * time.Millisecond)
	require.Equal(t, models.StateScanning, h.m.State(), "power-on starts a scan")
	h.m.StopScan()
	require.Equal(t, models.StateDisconnected, h.m.State())
	require.Equal(t, 1, h.tr.scanCount())

	h.m.EnableAutoReconnect()
	h.m.EnableAutoReconnect()
	assert.True(t, h.m.AutoReconnectEnabled())
	assert.Equal(t, 1, h.clock.Pending(), "re-enabling must not schedule a second timer")

	h.advance(5 * time.Second)
	assert.Equal(t, 2, h.tr.scanCount())

	h.m.StopScan()
	h.advance(5 * time.Second)
	assert.Equal(t, 3, h.tr.scanCount(), "one attempt per interval")

	h.m.DisableAutoReconnect()
	h.m.StopScan()
	h.advance(5 * time.Second)
	assert.Equal(t, 3, h.tr.scanCount())
	assert.False(t, h.m.AutoReconnectEnabled())
}

func TestMonitor_ReconnectSkipsWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t)
	h.m.EnableAutoReconnect()
	scans := h.tr.scanCount()

	h.advance(5 * time.Second)
	assert.Equal(t, scans, h.tr.scanCount())
	assert.Equal(t, models.StateSubscribed, h.m.State())
}

func TestMonitor_PowerOff(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t)

	h.emit(Event{Kind: EventAvailability, Availability: AvailabilityPoweredOff})

	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), ErrPoweredOff)

	h.m.Connect()
	assert.Equal(t, models.StateDisconnected, h.m.State())
}

func TestMonitor_ScanStartFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.scanErr = errors.New("adapter busy")
	h.powerOn()

	h.m.Connect()
	assert.Equal(t, models.StateDisconnected, h.m.State())
	assert.ErrorIs(t, h.m.LastError(), ErrNotAvailable)
}

func TestMonitor_SubscribeCancel(t *testing.T) {
	h := newHarness(t)
	var count int
	var mu sync.Mutex
	cancel := h.m.Subscribe(func(Update) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	h.powerOn()
	h.m.Connect()
	cancel()
	h.m.StopScan()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMonitor_Close(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t)

	require.NoError(t, h.m.Close())
	assert.True(t, h.tr.closed)
	assert.Equal(t, 1, h.tr.disconnectCount())

	// Commands after close return without blocking
	h.m.Connect()
	require.NoError(t, h.m.Close())
}
