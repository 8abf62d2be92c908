package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/sensor"
)

// fakeMonitor records commands and lets tests publish updates
type fakeMonitor struct {
	mu        sync.Mutex
	calls     []string
	state     models.ConnectionState
	current   *models.Reading
	lastErr   error
	listeners map[int]func(sensor.Update)
	nextID    int
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{listeners: make(map[int]func(sensor.Update))}
}

func (m *fakeMonitor) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *fakeMonitor) Connect() {
	m.record("connect")
	m.mu.Lock()
	m.state = models.StateSubscribed
	m.mu.Unlock()
}

func (m *fakeMonitor) Disconnect() {
	m.record("disconnect")
	m.mu.Lock()
	m.state = models.StateDisconnected
	m.current = nil
	m.mu.Unlock()
}

func (m *fakeMonitor) EnableAutoReconnect()  { m.record("enable_reconnect") }
func (m *fakeMonitor) DisableAutoReconnect() { m.record("disable_reconnect") }

func (m *fakeMonitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMonitor) CurrentReading() *models.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *fakeMonitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *fakeMonitor) Subscribe(fn func(sensor.Update)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// emit delivers a reading to subscribers the way the monitor does
func (m *fakeMonitor) emit(r *models.Reading) {
	m.mu.Lock()
	m.current = r
	fns := make([]func(sensor.Update), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(sensor.Update{Kind: sensor.UpdateReading, State: models.StateSubscribed, Reading: r})
	}
}

func (m *fakeMonitor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeMonitor) listenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// fakePersistence records every call
type fakePersistence struct {
	mu        sync.Mutex
	started   []string
	batches   [][]*models.Reading
	ended     []string
	summaries []*models.SessionSummary
	lastErr   error
	next      int
}

func (p *fakePersistence) StartSession(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("session_%d", p.next)
	p.started = append(p.started, userID)
	return id
}

func (p *fakePersistence) StoreBatch(readings []*models.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, readings)
}

func (p *fakePersistence) EndSession(sessionID string, summary *models.SessionSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, sessionID)
	p.summaries = append(p.summaries, summary)
}

func (p *fakePersistence) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *fakePersistence) batchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make([]int, len(p.batches))
	for i, b := range p.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (p *fakePersistence) endCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ended)
}

// fixedEmotion always returns the same label
type fixedEmotion struct {
	mu    sync.Mutex
	label *models.EmotionLabel
}

func (e *fixedEmotion) set(l *models.EmotionLabel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.label = l
}

func (e *fixedEmotion) Latest() *models.EmotionLabel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.label.Copy()
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires timers only when Advance is called
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) sensor.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward one step, firing due timers
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

var errLinkLost = errors.New("connection lost")

func validReading(hr float64) *models.Reading {
	return models.NewReading(hr, 36.6, 36.4, 120000, true, true, 1000)
}

func calculatingReading() *models.Reading {
	return models.NewReading(0, 36.5, 36.3, 90000, true, false, 1000)
}
