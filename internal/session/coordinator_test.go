package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/storage"
)

type harness struct {
	coord   *Coordinator
	monitor *fakeMonitor
	store   *fakePersistence
	emotion *fixedEmotion
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		monitor: newFakeMonitor(),
		store:   &fakePersistence{},
		emotion: &fixedEmotion{},
		clock:   newFakeClock(),
	}
	h.coord = NewCoordinator(cfg, h.monitor, h.store, zerolog.Nop(),
		WithClock(h.clock), WithEmotionSource(h.emotion))
	t.Cleanup(func() { h.coord.Close() })
	return h
}

func manualDrainConfig(bufferSize int) Config {
	cfg := DefaultConfig()
	cfg.BufferSize = bufferSize
	cfg.DrainInterval = 0
	return cfg
}

func TestEndToEnd_TwelveReadingsCapFive(t *testing.T) {
	h := newHarness(t, manualDrainConfig(5))

	require.True(t, h.coord.StartSession())
	for i := 0; i < 12; i++ {
		h.monitor.emit(validReading(float64(60 + i)))
	}

	assert.Equal(t, []int{5, 5}, h.store.batchSizes())
	assert.Equal(t, 2, h.coord.BufferedCount())

	summary := h.coord.StopSession()
	require.NotNil(t, summary)

	assert.Equal(t, []int{5, 5, 2}, h.store.batchSizes())
	assert.Equal(t, 12, summary.TotalReadings)
	assert.Equal(t, 12, summary.ValidHeartRateReadings)
	require.NotNil(t, summary.AverageHeartRate)
	assert.InDelta(t, 65.5, *summary.AverageHeartRate, 1e-9)
	assert.Equal(t, 60.0, *summary.MinHeartRate)
	assert.Equal(t, 71.0, *summary.MaxHeartRate)

	require.Equal(t, 1, h.store.endCount())
	assert.Equal(t, "session_1", h.store.ended[0])
	assert.Same(t, summary, h.store.summaries[0])
	assert.Same(t, summary, h.coord.Summary())
}

func TestStartSession_Lifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	assert.False(t, h.coord.IsActive())
	assert.Nil(t, h.coord.CurrentSessionStats())

	require.True(t, h.coord.StartSession())
	assert.True(t, h.coord.IsActive())
	assert.Equal(t, "session_1", h.coord.SessionID())
	assert.Equal(t, []string{DefaultUserID}, h.store.started)
	assert.Equal(t, []string{"connect", "enable_reconnect"}, h.monitor.Calls())
	assert.Equal(t, models.StateSubscribed, h.coord.ConnectionState())

	h.coord.StopSession()
	assert.False(t, h.coord.IsActive())
	assert.Empty(t, h.coord.SessionID())
	assert.True(t, h.coord.StartTime().IsZero())
	assert.Equal(t, models.StateDisconnected, h.coord.ConnectionState())
	assert.Equal(t,
		[]string{"connect", "enable_reconnect", "disable_reconnect", "disconnect"},
		h.monitor.Calls())
}

func TestStartSession_SecondStartRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.True(t, h.coord.StartSession())
	id := h.coord.SessionID()
	h.monitor.emit(validReading(70))
	h.monitor.emit(validReading(72))

	assert.False(t, h.coord.StartSession())
	assert.Equal(t, id, h.coord.SessionID())
	assert.Len(t, h.coord.History(), 2, "history must not be reset")
	assert.Len(t, h.store.started, 1)
}

func TestStopSession_WhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	assert.Nil(t, h.coord.StopSession())
	assert.Zero(t, h.store.endCount())
	assert.Empty(t, h.store.batchSizes())
	assert.Empty(t, h.monitor.Calls())
	assert.Nil(t, h.coord.Summary())
}

func TestToggleSession(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.coord.ToggleSession()
	assert.True(t, h.coord.IsActive())

	h.coord.ToggleSession()
	assert.False(t, h.coord.IsActive())
	assert.NotNil(t, h.coord.Summary())

	h.coord.ToggleSession()
	assert.True(t, h.coord.IsActive())
	assert.Equal(t, "session_2", h.coord.SessionID())
	assert.Nil(t, h.coord.Summary(), "a new session clears the previous summary")
}

func TestHandleReading_DroppedWhenIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.monitor.emit(validReading(80))
	assert.Empty(t, h.coord.History())
	assert.Zero(t, h.coord.BufferedCount())

	// Still visible as the monitor's current reading
	require.NotNil(t, h.coord.CurrentReading())
	assert.Equal(t, 80.0, h.coord.CurrentReading().HeartRate)
}

func TestHistory_CappedFIFO(t *testing.T) {
	cfg := manualDrainConfig(1000)
	h := newHarness(t, cfg)
	require.True(t, h.coord.StartSession())

	for i := 0; i < DefaultHistorySize+5; i++ {
		h.monitor.emit(models.NewReading(float64(i), 36.5, 36.5, 120000, true, true, int64(i)))
	}

	history := h.coord.History()
	require.Len(t, history, DefaultHistorySize)
	for i, ir := range history {
		assert.Equal(t, int64(i+5), ir.Reading.DeviceTimestamp)
	}

	// Summary still covers every reading, not just the retained window
	summary := h.coord.StopSession()
	assert.Equal(t, DefaultHistorySize+5, summary.TotalReadings)
}

func TestHistory_ReturnsCopy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.True(t, h.coord.StartSession())
	h.monitor.emit(validReading(70))

	history := h.coord.History()
	history[0] = nil
	assert.NotNil(t, h.coord.History()[0])
}

func TestHandleReading_PairsLatestEmotion(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.True(t, h.coord.StartSession())

	h.monitor.emit(validReading(90))

	h.emotion.set(models.NewEmotionLabel("feliz", 0.8, ""))
	h.monitor.emit(validReading(100))
	h.monitor.emit(calculatingReading())

	history := h.coord.History()
	require.Len(t, history, 3)

	assert.False(t, history[0].HasEmotion())
	_, ok := history[0].CorrelationScore()
	assert.False(t, ok)

	require.True(t, history[1].HasEmotion())
	score, ok := history[1].CorrelationScore()
	require.True(t, ok)
	assert.InDelta(t, 0.2, score, 1e-9)

	assert.True(t, history[2].HasEmotion())
	_, ok = history[2].CorrelationScore()
	assert.False(t, ok, "no score for an invalid heart rate")

	assert.Equal(t, "feliz", h.coord.LastEmotion().Emotion)

	summary := h.coord.StopSession()
	assert.Equal(t, 2, summary.EmotionIntegrationCount)
	assert.Equal(t, 2, summary.ValidHeartRateReadings)
	assert.Equal(t, 3, summary.TotalReadings)
}

func TestCurrentSessionStats(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.True(t, h.coord.StartSession())

	h.monitor.emit(validReading(70))
	h.monitor.emit(validReading(80))
	h.monitor.emit(calculatingReading())
	h.clock.Advance(90 * time.Second)

	stats := h.coord.CurrentSessionStats()
	require.NotNil(t, stats)
	assert.Equal(t, "session_1", stats.SessionID)
	assert.Equal(t, 90*time.Second, stats.Duration)
	assert.Equal(t, 3, stats.TotalReadings)
	assert.Equal(t, 2, stats.ValidHeartRateReadings)
	require.NotNil(t, stats.AverageHeartRate)
	assert.Equal(t, 75.0, *stats.AverageHeartRate)
	assert.Equal(t, models.StateSubscribed, stats.ConnectionState)
	assert.Equal(t, "01:30", stats.FormattedDuration())
}

func TestCurrentSessionStats_NoValidReadings(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.True(t, h.coord.StartSession())
	h.monitor.emit(calculatingReading())

	stats := h.coord.CurrentSessionStats()
	require.NotNil(t, stats)
	assert.Nil(t, stats.AverageHeartRate)
	assert.Equal(t, 1, stats.TotalReadings)
}

func TestDrainTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainInterval = 10 * time.Second
	h := newHarness(t, cfg)
	require.True(t, h.coord.StartSession())
	assert.Equal(t, 1, h.clock.Pending())

	h.monitor.emit(validReading(70))
	h.monitor.emit(validReading(71))
	h.clock.Advance(5 * time.Second)
	assert.Empty(t, h.store.batchSizes())

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, []int{2}, h.store.batchSizes())

	// Empty ticks hand nothing to storage
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, []int{2}, h.store.batchSizes())

	h.monitor.emit(validReading(72))
	h.coord.StopSession()
	assert.Equal(t, []int{2, 1}, h.store.batchSizes())
	assert.Zero(t, h.clock.Pending(), "stop cancels the drain timer")
}

func TestDrainTimer_StaleTickIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainInterval = 10 * time.Second
	h := newHarness(t, cfg)

	require.True(t, h.coord.StartSession())
	stale := h.coord.generation
	h.coord.StopSession()
	require.True(t, h.coord.StartSession())

	h.monitor.emit(validReading(70))
	h.coord.onDrainTick(stale)

	assert.Empty(t, h.store.batchSizes())
	assert.Equal(t, 1, h.coord.BufferedCount())
}

func TestDrainOnFullDisabled(t *testing.T) {
	cfg := manualDrainConfig(5)
	cfg.DrainOnFull = false
	h := newHarness(t, cfg)
	require.True(t, h.coord.StartSession())

	for i := 0; i < 8; i++ {
		h.monitor.emit(validReading(float64(60 + i)))
	}
	assert.Empty(t, h.store.batchSizes())
	assert.Equal(t, 5, h.coord.BufferedCount())

	h.coord.Drain()
	require.Len(t, h.store.batches, 1)
	// Oldest readings were evicted from the buffer, newest kept
	assert.Equal(t, 63.0, h.store.batches[0][0].HeartRate)
	assert.Equal(t, 8, h.coord.StopSession().TotalReadings)
}

func TestErrorMessage(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.Empty(t, h.coord.ErrorMessage())

	h.store.lastErr = &storage.StorageError{Op: storage.OpBatchUpload, Err: errors.New("disk full")}
	assert.Equal(t, "Storage: failed to upload batch: disk full", h.coord.ErrorMessage())

	h.monitor.lastErr = errLinkLost
	assert.Equal(t, "connection lost", h.coord.ErrorMessage())
}

func TestNewCoordinator_Defaults(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Equal(t, DefaultUserID, h.coord.cfg.UserID)
	assert.Equal(t, DefaultHistorySize, h.coord.cfg.HistorySize)
	assert.Equal(t, 50, h.coord.buffer.Capacity())
	assert.Nil(t, h.coord.LastEmotion())
}

func TestClose_Unsubscribes(t *testing.T) {
	monitor := newFakeMonitor()
	coord := NewCoordinator(DefaultConfig(), monitor, &fakePersistence{}, zerolog.Nop(), WithClock(newFakeClock()))
	require.Equal(t, 1, monitor.listenerCount())

	require.True(t, coord.StartSession())
	summary := coord.Close()
	assert.NotNil(t, summary)
	assert.Zero(t, monitor.listenerCount())
}

func TestConcurrentReadingsAndStats(t *testing.T) {
	h := newHarness(t, manualDrainConfig(10))
	require.True(t, h.coord.StartSession())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.monitor.emit(validReading(70))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.coord.CurrentSessionStats()
			h.coord.History()
			h.coord.ErrorMessage()
		}
	}()
	wg.Wait()

	summary := h.coord.StopSession()
	assert.Equal(t, 200, summary.TotalReadings)

	total := 0
	for _, n := range h.store.batchSizes() {
		total += n
	}
	assert.Equal(t, 200, total)
}
