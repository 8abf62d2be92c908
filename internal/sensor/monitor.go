package sensor

import (
	"strings"
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/rs/zerolog"
)

// Default identity of the MirrorMind SmartBand
const (
	DefaultDeviceName         = "MirrorMind-SmartBand"
	DefaultServiceUUID        = "12345678-1234-1234-1234-123456789abc"
	DefaultCharacteristicUUID = "87654321-4321-4321-4321-cba987654321"
)

const inboxSize = 256

// DeviceConfig identifies the peripheral and its sensor stream
type DeviceConfig struct {
	Name               string
	ServiceUUID        string
	CharacteristicUUID string
}

// MonitorConfig holds the device identity and the state machine timings
type MonitorConfig struct {
	Device            DeviceConfig
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	ReconnectDelay    time.Duration
	PowerOnDelay      time.Duration
}

// DefaultMonitorConfig returns the SmartBand identity with the stock timings
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Device: DeviceConfig{
			Name:               DefaultDeviceName,
			ServiceUUID:        DefaultServiceUUID,
			CharacteristicUUID: DefaultCharacteristicUUID,
		},
		ScanTimeout:       10 * time.Second,
		ConnectTimeout:    15 * time.Second,
		ReconnectInterval: 5 * time.Second,
		ReconnectDelay:    2 * time.Second,
		PowerOnDelay:      500 * time.Millisecond,
	}
}

// UpdateKind identifies what an Update carries
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateReading
	UpdateError
)

// Update is published to subscribers for every state change, reading and error
type Update struct {
	Kind    UpdateKind
	State   models.ConnectionState
	Reading *models.Reading
	Err     error
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// Monitor is the connection state machine for a single SmartBand.
//
// All state transitions run on one goroutine. Transport events, timer fires
// and public commands are queued to it in arrival order; public commands
// wait until their step has run. Subscribers are called on that goroutine
// and must not call Monitor commands synchronously. Getters are safe to
// call from anywhere, including subscribers.
type Monitor struct {
	cfg       MonitorConfig
	transport Transport
	clock     Clock
	logger    zerolog.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Observable snapshot
	mu            sync.RWMutex
	state         models.ConnectionState
	current       *models.Reading
	lastErr       error
	discovered    []Peripheral
	autoReconnect bool

	listenersMu sync.Mutex
	listeners   map[int]func(Update)
	nextID      int

	// Loop-owned
	attempt        uint64
	availability   Availability
	peripheral     *Peripheral
	characteristic string
	scanTimer      Timer
	connectTimer   Timer
	pendingTimer   Timer
	reconnectTimer Timer
	reconnectGen   uint64
}

// NewMonitor creates a Monitor and opens the transport
func NewMonitor(cfg MonitorConfig, transport Transport, logger zerolog.Logger, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		cfg:       cfg,
		transport: transport,
		clock:     SystemClock(),
		logger:    logger,
		inbox:     make(chan func(), inboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.run()

	if err := transport.Open(m.handleEvent); err != nil {
		close(m.quit)
		<-m.done
		return nil, newBluetoothError(KindNotAvailable, "", err)
	}

	m.logger.Info().
		Str("device", cfg.Device.Name).
		Str("service", cfg.Device.ServiceUUID).
		Msg("Bluetooth monitor started")

	return m, nil
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case f := <-m.inbox:
			f()
		case <-m.quit:
			return
		}
	}
}

// post queues f without waiting. Returns false once the monitor is closed.
func (m *Monitor) post(f func()) bool {
	select {
	case m.inbox <- f:
		return true
	case <-m.done:
		return false
	}
}

// do queues f and waits for it to run
func (m *Monitor) do(f func()) {
	finished := make(chan struct{})
	if !m.post(func() {
		f()
		close(finished)
	}) {
		return
	}
	select {
	case <-finished:
	case <-m.done:
	}
}

func (m *Monitor) handleEvent(ev Event) {
	m.post(func() { m.dispatch(ev) })
}

// after schedules f on the loop if the current attempt is still attempt when it fires
func (m *Monitor) after(d time.Duration, attempt uint64, f func()) Timer {
	return m.clock.AfterFunc(d, func() {
		m.post(func() {
			if m.attempt != attempt {
				return
			}
			f()
		})
	})
}

// Connect scans for the band and connects when it is found.
// It is a no-op while scanning, connecting or connected.
func (m *Monitor) Connect() {
	m.do(m.requestConnect)
}

// ConnectTo connects to a peripheral picked from Discovered
func (m *Monitor) ConnectTo(p Peripheral) {
	m.do(func() { m.connectTo(p) })
}

// StartScan begins scanning when disconnected
func (m *Monitor) StartScan() {
	m.do(func() {
		if m.getState() == models.StateDisconnected {
			m.startScan()
		}
	})
}

// StopScan cancels an ongoing scan
func (m *Monitor) StopScan() {
	m.do(func() {
		if m.getState() != models.StateScanning {
			return
		}
		m.attempt++
		m.stopTimers()
		m.stopTransportScan()
		m.setState(models.StateDisconnected)
	})
}

// Disconnect tears down any scan or connection. Auto-reconnect is left as is.
func (m *Monitor) Disconnect() {
	m.do(m.disconnect)
}

// EnableAutoReconnect starts the reconnect timer. Calling it again is a no-op.
func (m *Monitor) EnableAutoReconnect() {
	m.do(func() {
		if m.AutoReconnectEnabled() {
			return
		}
		m.mu.Lock()
		m.autoReconnect = true
		m.mu.Unlock()

		m.reconnectGen++
		m.scheduleReconnect(m.reconnectGen)
		m.logger.Info().Dur("interval", m.cfg.ReconnectInterval).Msg("Auto-reconnect enabled")
	})
}

// DisableAutoReconnect stops the reconnect timer and any pending reconnect
func (m *Monitor) DisableAutoReconnect() {
	m.do(func() {
		if !m.AutoReconnectEnabled() {
			return
		}
		m.mu.Lock()
		m.autoReconnect = false
		m.mu.Unlock()

		m.reconnectGen++
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		if m.pendingTimer != nil {
			m.pendingTimer.Stop()
			m.pendingTimer = nil
		}
		m.logger.Info().Msg("Auto-reconnect disabled")
	})
}

// Subscribe registers fn for every Update. The returned func removes it.
func (m *Monitor) Subscribe(fn func(Update)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// State returns the current connection state
func (m *Monitor) State() models.ConnectionState {
	return m.getState()
}

// CurrentReading returns the latest decoded reading, nil when disconnected
func (m *Monitor) CurrentReading() *models.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastError returns the most recent error, nil if cleared
func (m *Monitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Discovered returns the peripherals seen during the current scan
func (m *Monitor) Discovered() []Peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peripheral, len(m.discovered))
	copy(out, m.discovered)
	return out
}

// AutoReconnectEnabled reports whether auto-reconnect is on
func (m *Monitor) AutoReconnectEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoReconnect
}

// Close disconnects, stops the loop and closes the transport
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.do(func() {
			m.reconnectGen++
			if m.reconnectTimer != nil {
				m.reconnectTimer.Stop()
			}
			m.disconnect()
		})
		close(m.quit)
		<-m.done
		err = m.transport.Close()
		m.logger.Info().Msg("Bluetooth monitor closed")
	})
	return err
}

func (m *Monitor) getState() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) setState(s models.ConnectionState) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()

	if old == s {
		return
	}

	m.logger.Info().
		Str("from", old.String()).
		Str("to", s.String()).
		Msg("Connection state updated")

	m.publish(Update{Kind: UpdateState, State: s})
}

func (m *Monitor) setError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	if err == nil {
		return
	}
	m.logger.Warn().Err(err).Msg("Bluetooth error")
	m.publish(Update{Kind: UpdateError, Err: err, State: m.getState()})
}

func (m *Monitor) setCurrent(r *models.Reading) {
	m.mu.Lock()
	m.current = r
	m.mu.Unlock()
}

func (m *Monitor) publish(u Update) {
	m.listenersMu.Lock()
	fns := make([]func(Update), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (m *Monitor) availabilityError() error {
	switch m.availability {
	case AvailabilityPoweredOn:
		return nil
	case AvailabilityPoweredOff:
		return ErrPoweredOff
	case AvailabilityUnauthorized:
		return ErrUnauthorized
	case AvailabilityUnsupported:
		return ErrUnsupported
	default:
		return ErrNotAvailable
	}
}

func (m *Monitor) requestConnect() {
	switch m.getState() {
	case models.StateDisconnected:
		m.startScan()
	default:
		m.logger.Debug().Str("state", m.getState().String()).Msg("Connect ignored")
	}
}

func (m *Monitor) startScan() {
	if m.getState() == models.StateScanning {
		return
	}
	if err := m.availabilityError(); err != nil {
		m.setError(err)
		return
	}

	m.attempt++
	attempt := m.attempt
	m.mu.Lock()
	m.discovered = nil
	m.mu.Unlock()

	m.setState(models.StateScanning)
	if err := m.transport.Scan(m.cfg.Device.ServiceUUID); err != nil {
		m.setState(models.StateDisconnected)
		m.setError(newBluetoothError(KindNotAvailable, "", err))
		return
	}

	m.logger.Info().Str("service", m.cfg.Device.ServiceUUID).Msg("Scanning for SmartBand")

	m.scanTimer = m.after(m.cfg.ScanTimeout, attempt, func() {
		if m.getState() != models.StateScanning {
			return
		}
		m.stopTransportScan()
		m.setState(models.StateDisconnected)
		m.setError(ErrDeviceNotFound)
	})
}

func (m *Monitor) connectTo(p Peripheral) {
	switch m.getState() {
	case models.StateConnecting, models.StateConnected, models.StateSubscribed:
		m.logger.Debug().Str("peripheral", p.ID).Msg("Already connecting, ignoring peripheral")
		return
	}
	if err := m.availabilityError(); err != nil {
		m.setError(err)
		return
	}

	if m.getState() == models.StateScanning {
		m.stopTransportScan()
	}
	m.stopTimers()

	m.attempt++
	attempt := m.attempt
	target := p
	m.peripheral = &target

	m.setState(models.StateConnecting)
	m.logger.Info().Str("peripheral", p.ID).Str("name", p.Name).Msg("Connecting")

	if err := m.transport.Connect(p); err != nil {
		m.peripheral = nil
		m.setState(models.StateDisconnected)
		m.setError(newBluetoothError(KindConnectionFailed, "", err))
		return
	}

	m.connectTimer = m.after(m.cfg.ConnectTimeout, attempt, func() {
		if m.getState() != models.StateConnecting {
			return
		}
		m.peripheral = nil
		m.disconnectTransport(target)
		m.setState(models.StateDisconnected)
		m.setError(ErrConnectionTimeout)
	})
}

func (m *Monitor) disconnect() {
	m.attempt++
	m.stopTimers()

	if m.getState() == models.StateScanning {
		m.stopTransportScan()
	}
	if m.peripheral != nil {
		p := *m.peripheral
		m.peripheral = nil
		m.disconnectTransport(p)
	}

	m.characteristic = ""
	m.setCurrent(nil)
	m.setState(models.StateDisconnected)
}

func (m *Monitor) scheduleReconnect(gen uint64) {
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.post(func() {
			if gen != m.reconnectGen || !m.AutoReconnectEnabled() {
				return
			}
			if m.getState() == models.StateDisconnected {
				m.logger.Info().Msg("Auto-reconnect attempt")
				m.requestConnect()
			}
			m.scheduleReconnect(gen)
		})
	})
}

func (m *Monitor) stopTimers() {
	for _, t := range []*Timer{&m.scanTimer, &m.connectTimer, &m.pendingTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Monitor) stopTransportScan() {
	if err := m.transport.StopScan(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to stop scan")
	}
}

func (m *Monitor) disconnectTransport(p Peripheral) {
	if err := m.transport.Disconnect(p); err != nil {
		m.logger.Warn().Err(err).Str("peripheral", p.ID).Msg("Failed to disconnect")
	}
}

// isCurrent reports whether p is the peripheral the monitor is working with
func (m *Monitor) isCurrent(p Peripheral) bool {
	return m.peripheral != nil && m.peripheral.ID == p.ID
}

func (m *Monitor) dispatch(ev Event) {
	switch ev.Kind {
	case EventAvailability:
		m.onAvailability(ev.Availability)
	case EventDiscovered:
		m.onDiscovered(ev.Peripheral)
	case EventConnected:
		m.onConnected(ev.Peripheral)
	case EventConnectFailed:
		m.onConnectFailed(ev)
	case EventDisconnected:
		m.onDisconnected(ev)
	case EventServicesDiscovered:
		m.onServices(ev)
	case EventCharacteristicsDiscovered:
		m.onCharacteristics(ev)
	case EventSubscribed:
		m.onSubscribed(ev)
	case EventNotification:
		m.onNotification(ev)
	}
}

func (m *Monitor) onAvailability(a Availability) {
	m.availability = a
	m.logger.Info().Str("availability", a.String()).Msg("Bluetooth state changed")

	if a == AvailabilityPoweredOn {
		m.setError(nil)
		if m.getState() != models.StateDisconnected {
			return
		}
		if m.pendingTimer != nil {
			m.pendingTimer.Stop()
		}
		m.pendingTimer = m.after(m.cfg.PowerOnDelay, m.attempt, func() {
			m.pendingTimer = nil
			if m.getState() == models.StateDisconnected {
				m.startScan()
			}
		})
		return
	}

	// The radio is gone, so there is nothing to ask the transport to tear down
	m.attempt++
	m.stopTimers()
	m.peripheral = nil
	m.characteristic = ""
	m.setCurrent(nil)
	m.setState(models.StateDisconnected)
	m.setError(m.availabilityError())
}

func (m *Monitor) onDiscovered(p Peripheral) {
	if m.getState() != models.StateScanning {
		return
	}

	m.mu.Lock()
	found := false
	for i := range m.discovered {
		if m.discovered[i].ID == p.ID {
			m.discovered[i] = p
			found = true
			break
		}
	}
	if !found {
		m.discovered = append(m.discovered, p)
	}
	m.mu.Unlock()

	m.logger.Debug().Str("peripheral", p.ID).Str("name", p.Name).Int16("rssi", p.RSSI).Msg("Discovered device")

	if p.Name == m.cfg.Device.Name {
		m.connectTo(p)
	}
}

func (m *Monitor) onConnected(p Peripheral) {
	if m.isCurrent(p) {
		switch m.getState() {
		case models.StateConnected, models.StateSubscribed:
			return
		case models.StateConnecting:
			m.stopTimers()
			m.setState(models.StateConnected)
			m.setError(nil)
			if err := m.transport.DiscoverServices(p, []string{m.cfg.Device.ServiceUUID}); err != nil {
				m.setError(newBluetoothError(KindServiceDiscoveryFailed, "", err))
			}
			return
		}
	}

	// The attempt was abandoned before the link came up
	m.logger.Info().Str("peripheral", p.ID).Msg("Closing stale connection")
	m.disconnectTransport(p)
}

func (m *Monitor) onConnectFailed(ev Event) {
	if !m.isCurrent(ev.Peripheral) || m.getState() != models.StateConnecting {
		return
	}
	m.attempt++
	m.stopTimers()
	m.peripheral = nil
	m.setState(models.StateDisconnected)
	m.setError(newBluetoothError(KindConnectionFailed, reasonOf(ev.Err), ev.Err))
}

func (m *Monitor) onDisconnected(ev Event) {
	if !m.isCurrent(ev.Peripheral) {
		return
	}

	m.attempt++
	m.stopTimers()
	m.peripheral = nil
	m.characteristic = ""
	m.setCurrent(nil)
	m.setState(models.StateDisconnected)

	if ev.Err != nil {
		m.setError(newBluetoothError(KindConnectionLost, "", ev.Err))
	}

	m.logger.Info().Str("peripheral", ev.Peripheral.ID).Msg("Disconnected from SmartBand")

	if m.AutoReconnectEnabled() {
		m.pendingTimer = m.after(m.cfg.ReconnectDelay, m.attempt, func() {
			m.pendingTimer = nil
			m.requestConnect()
		})
	}
}

func (m *Monitor) onServices(ev Event) {
	if !m.isCurrent(ev.Peripheral) || m.getState() != models.StateConnected {
		return
	}
	if ev.Err != nil {
		m.setError(newBluetoothError(KindServiceDiscoveryFailed, "", ev.Err))
		return
	}

	service, ok := matchUUID(ev.UUIDs, m.cfg.Device.ServiceUUID)
	if !ok {
		m.setError(ErrServiceNotFound)
		return
	}

	err := m.transport.DiscoverCharacteristics(ev.Peripheral, service, []string{m.cfg.Device.CharacteristicUUID})
	if err != nil {
		m.setError(newBluetoothError(KindCharacteristicDiscoveryFailed, "", err))
	}
}

func (m *Monitor) onCharacteristics(ev Event) {
	if !m.isCurrent(ev.Peripheral) || m.getState() != models.StateConnected {
		return
	}
	if ev.Err != nil {
		m.setError(newBluetoothError(KindCharacteristicDiscoveryFailed, "", ev.Err))
		return
	}

	char, ok := matchUUID(ev.UUIDs, m.cfg.Device.CharacteristicUUID)
	if !ok {
		m.setError(ErrCharacteristicNotFound)
		return
	}

	m.characteristic = char
	if err := m.transport.Subscribe(ev.Peripheral, char); err != nil {
		m.setError(newBluetoothError(KindNotificationSetupFailed, "", err))
	}
}

func (m *Monitor) onSubscribed(ev Event) {
	if !m.isCurrent(ev.Peripheral) || m.getState() != models.StateConnected {
		return
	}
	if ev.Err != nil {
		m.setError(newBluetoothError(KindNotificationSetupFailed, "", ev.Err))
		return
	}
	m.setState(models.StateSubscribed)
	m.logger.Info().Str("characteristic", m.characteristic).Msg("Notifications enabled")
}

func (m *Monitor) onNotification(ev Event) {
	if !m.isCurrent(ev.Peripheral) || m.getState() != models.StateSubscribed {
		return
	}

	reading, err := DecodeAt(ev.Payload, m.clock.Now())
	if err != nil {
		m.logger.Warn().Err(err).Int("bytes", len(ev.Payload)).Msg("Dropping malformed notification")
		m.setError(newBluetoothError(KindDataParsingFailed, "", err))
		return
	}

	m.setCurrent(reading)
	m.logger.Debug().Str("reading", reading.String()).Msg("Reading received")
	m.publish(Update{Kind: UpdateReading, State: models.StateSubscribed, Reading: reading})
}

func matchUUID(candidates []string, want string) (string, bool) {
	for _, c := range candidates {
		if strings.EqualFold(c, want) {
			return c, true
		}
	}
	return "", false
}

func reasonOf(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
