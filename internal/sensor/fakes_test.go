package sensor

import (
	"sort"
	"sync"
	"time"
)

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

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

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

// Pending returns the number of timers that have neither fired nor been stopped
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

// fakeTransport records calls. Tests deliver completions with emit.
type fakeTransport struct {
	mu           sync.Mutex
	handler      func(Event)
	scans        int
	stopScans    int
	connects     []Peripheral
	disconnects  []Peripheral
	serviceCalls int
	charCalls    int
	subscribes   []string
	closed       bool

	scanErr      error
	subscribeErr error
}

func (f *fakeTransport) Open(handler func(Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Scan(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return f.scanErr
	}
	f.scans++
	return nil
}

func (f *fakeTransport) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopScans++
	return nil
}

func (f *fakeTransport) Connect(p Peripheral) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, p)
	return nil
}

func (f *fakeTransport) Disconnect(p Peripheral) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, p)
	return nil
}

func (f *fakeTransport) DiscoverServices(Peripheral, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serviceCalls++
	return nil
}

func (f *fakeTransport) DiscoverCharacteristics(Peripheral, string, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charCalls++
	return nil
}

func (f *fakeTransport) Subscribe(_ Peripheral, characteristic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribes = append(f.subscribes, characteristic)
	return nil
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

func (f *fakeTransport) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}
