package sensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/rs/zerolog"
)

// SimConfig describes the virtual band played by SimTransport
type SimConfig struct {
	Device        DeviceConfig
	PeripheralID  string
	Interval      time.Duration
	Latency       time.Duration
	BaseHeartRate float64
	BaseTemp      float64
	Variation     float64
	// Every NoFingerEvery-th reading has no skin contact, 0 disables
	NoFingerEvery int
	// Every CalculatingEvery-th reading has contact but no valid heart rate, 0 disables
	CalculatingEvery int
	Seed             uint64
}

// DefaultSimConfig returns a band streaming every 500ms with occasional gaps
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Device: DeviceConfig{
			Name:               DefaultDeviceName,
			ServiceUUID:        DefaultServiceUUID,
			CharacteristicUUID: DefaultCharacteristicUUID,
		},
		PeripheralID:     "SIM:BA:ND:00:00:01",
		Interval:         500 * time.Millisecond,
		Latency:          50 * time.Millisecond,
		BaseHeartRate:    72,
		BaseTemp:         36.5,
		Variation:        10,
		NoFingerEvery:    25,
		CalculatingEvery: 10,
		Seed:             1,
	}
}

// SimTransport is an in-process Transport that plays a SmartBand
type SimTransport struct {
	cfg    SimConfig
	logger zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	handler   func(Event)
	scanning  bool
	scanStop  chan struct{}
	connected bool
	stream    chan struct{}
	seq       int64
	closed    bool
	wg        sync.WaitGroup
}

// NewSimTransport creates a simulated band
func NewSimTransport(cfg SimConfig, logger zerolog.Logger) *SimTransport {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &SimTransport{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *SimTransport) peripheral() Peripheral {
	return Peripheral{ID: s.cfg.PeripheralID, Name: s.cfg.Device.Name, RSSI: -55}
}

// Open reports a powered-on radio
func (s *SimTransport) Open(handler func(Event)) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	s.later(func() {
		s.emit(Event{Kind: EventAvailability, Availability: AvailabilityPoweredOn})
	})
	return nil
}

// Close stops streaming and waits for pending callbacks
func (s *SimTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopScanLocked()
	s.stopStreamLocked()
	s.handler = nil
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Scan advertises the virtual band after one latency period
func (s *SimTransport) Scan(serviceUUID string) error {
	if !strings.EqualFold(serviceUUID, s.cfg.Device.ServiceUUID) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("transport closed")
	}
	if s.scanning {
		return nil
	}
	s.scanning = true
	stop := make(chan struct{})
	s.scanStop = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-stop:
		case <-time.After(s.cfg.Latency):
			s.emit(Event{Kind: EventDiscovered, Peripheral: s.peripheral()})
		}
	}()
	return nil
}

// StopScan stops advertising
func (s *SimTransport) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopScanLocked()
	return nil
}

func (s *SimTransport) stopScanLocked() {
	if s.scanning {
		close(s.scanStop)
		s.scanning = false
	}
}

// Connect accepts a connection to the virtual band
func (s *SimTransport) Connect(p Peripheral) error {
	if p.ID != s.cfg.PeripheralID {
		return fmt.Errorf("unknown peripheral %s", p.ID)
	}
	s.later(func() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.emit(Event{Kind: EventConnected, Peripheral: p})
	})
	return nil
}

// Disconnect ends the virtual connection
func (s *SimTransport) Disconnect(p Peripheral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.stopStreamLocked()
	return nil
}

// DropConnection simulates the band going out of range
func (s *SimTransport) DropConnection() {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.stopStreamLocked()
	s.mu.Unlock()

	if wasConnected {
		s.emit(Event{Kind: EventDisconnected, Peripheral: s.peripheral(), Err: errors.New("peripheral out of range")})
	}
}

// DiscoverServices reports the band's service
func (s *SimTransport) DiscoverServices(p Peripheral, uuids []string) error {
	s.later(func() {
		s.emit(Event{Kind: EventServicesDiscovered, Peripheral: p, UUIDs: []string{s.cfg.Device.ServiceUUID}})
	})
	return nil
}

// DiscoverCharacteristics reports the band's data characteristic
func (s *SimTransport) DiscoverCharacteristics(p Peripheral, service string, uuids []string) error {
	s.later(func() {
		s.emit(Event{Kind: EventCharacteristicsDiscovered, Peripheral: p, UUIDs: []string{s.cfg.Device.CharacteristicUUID}})
	})
	return nil
}

// Subscribe starts streaming readings at the configured interval
func (s *SimTransport) Subscribe(p Peripheral, characteristic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("not connected")
	}
	s.stopStreamLocked()
	stop := make(chan struct{})
	s.stream = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emit(Event{Kind: EventSubscribed, Peripheral: p, Characteristic: characteristic})

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				payload, err := Encode(s.NextReading())
				if err != nil {
					s.logger.Error().Err(err).Msg("Failed to encode simulated reading")
					continue
				}
				s.emit(Event{Kind: EventNotification, Peripheral: p, Characteristic: characteristic, Payload: payload})
			}
		}
	}()
	return nil
}

func (s *SimTransport) stopStreamLocked() {
	if s.stream != nil {
		close(s.stream)
		s.stream = nil
	}
}

// NextReading generates the next reading in the sequence
func (s *SimTransport) NextReading() *models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	n := s.seq
	ts := time.Now().UnixMilli()

	if s.cfg.NoFingerEvery > 0 && n%int64(s.cfg.NoFingerEvery) == 0 {
		return &models.Reading{
			Temperature:     s.between(35.0, 36.0),
			RawTemperature:  s.between(32.0, 34.0),
			IRValue:         s.rangeInt(20000, 45000),
			DeviceTimestamp: ts,
		}
	}
	if s.cfg.CalculatingEvery > 0 && n%int64(s.cfg.CalculatingEvery) == 0 {
		return &models.Reading{
			Temperature:     s.between(36.0, 37.0),
			RawTemperature:  s.between(33.5, 35.5),
			IRValue:         s.rangeInt(75000, 120000),
			FingerDetected:  true,
			DeviceTimestamp: ts,
		}
	}

	hr := math.Max(40, s.cfg.BaseHeartRate+s.between(-s.cfg.Variation, s.cfg.Variation))
	temp := math.Max(36.0, math.Min(37.5, s.cfg.BaseTemp+s.between(-0.5, 0.5)))
	return &models.Reading{
		HeartRate:       round1(hr),
		Temperature:     round1(temp),
		RawTemperature:  round1(s.between(33.0, 36.0)),
		IRValue:         s.rangeInt(80000, 150000),
		FingerDetected:  true,
		ValidHeartRate:  true,
		DeviceTimestamp: ts,
	}
}

func (s *SimTransport) between(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *SimTransport) rangeInt(lo, hi int64) int64 {
	return lo + s.rng.Int64N(hi-lo+1)
}

// later runs f after one latency period unless the transport closes first
func (s *SimTransport) later(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		time.Sleep(s.cfg.Latency)
		f()
	}()
}

func (s *SimTransport) emit(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
