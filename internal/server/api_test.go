package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/storage"
)

type fakeBands []BandConnection

func (f fakeBands) GetActiveBands() []BandConnection { return f }

type apiFixture struct {
	mux   *http.ServeMux
	store *MemoryStore
	db    *storage.SQLiteStore
	base  time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zerolog.Nop()

	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	base := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.CreateSession(&storage.SessionRecord{
		ID: "session_1", DeviceID: "band-db", UserID: "default_user", StartTime: base,
	}))
	require.NoError(t, db.InsertBatch("band-db", "session_1", []*models.Reading{
		newTestReading(61, base.Add(time.Minute)),
		newTestReading(62, base.Add(2*time.Minute)),
		newTestReading(63, base.Add(3*time.Minute)),
	}))
	avg := 62.0
	require.NoError(t, db.CompleteSession("session_1", &models.SessionSummary{
		StartTime: base, EndTime: base.Add(5 * time.Minute), TotalReadings: 3, AverageHeartRate: &avg,
	}))

	store := NewMemoryStore(50)
	api := NewAPIHandlerWithHistory(store, db, logger)
	api.SetVersion("1.2.3")
	api.SetBands(fakeBands{{DeviceID: "band-live", State: models.StateSubscribed}})

	mux := http.NewServeMux()
	api.Register(mux)
	return &apiFixture{mux: mux, store: store, db: db, base: base}
}

func (f *apiFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestAPI_Current(t *testing.T) {
	f := newAPIFixture(t)

	// Falls back to SQLite when memory has nothing
	rr := f.get(t, "/api/current?device_id=band-db")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "band-db", body["device_id"])
	assert.Equal(t, 63.0, body["heart_rate"])
	assert.Equal(t, "63 BPM", body["heart_rate_status"])

	f.store.Add("band-mem", newTestReading(101, time.Now()))
	rr = f.get(t, "/api/current")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode[map[string]interface{}](t, rr)
	assert.Equal(t, "band-mem", body["device_id"])
	assert.Equal(t, 101.0, body["heart_rate"])

	rr = f.get(t, "/api/current?device_id=nobody")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_Current_NoDevices(t *testing.T) {
	api := NewAPIHandler(NewMemoryStore(5), zerolog.Nop())
	rr := httptest.NewRecorder()
	api.HandleCurrent(rr, httptest.NewRequest(http.MethodGet, "/api/current", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_History(t *testing.T) {
	f := newAPIFixture(t)

	start := f.base.Add(90 * time.Second).Format(time.RFC3339)
	end := f.base.Add(10 * time.Minute).Format(time.RFC3339)
	rr := f.get(t, "/api/history?device_id=band-db&start="+start+"&end="+end)
	require.Equal(t, http.StatusOK, rr.Code)
	readings := decode[[]models.Reading](t, rr)
	require.Len(t, readings, 2)
	assert.Equal(t, 63.0, readings[0].HeartRate)
	assert.Equal(t, 62.0, readings[1].HeartRate)

	rr = f.get(t, "/api/history?start=yesterday")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	for i := 0; i < 5; i++ {
		f.store.Add("band-mem", newTestReading(float64(70+i), time.Now()))
	}
	rr = f.get(t, "/api/history?device_id=band-mem&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	readings = decode[[]models.Reading](t, rr)
	require.Len(t, readings, 2)
	assert.Equal(t, 74.0, readings[0].HeartRate)

	rr = f.get(t, "/api/history?device_id=ghost")
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestAPI_History_RangeWithoutDatabase(t *testing.T) {
	api := NewAPIHandler(NewMemoryStore(5), zerolog.Nop())
	rr := httptest.NewRecorder()
	api.HandleHistory(rr, httptest.NewRequest(http.MethodGet, "/api/history?start=2024-01-01T00:00:00Z", nil))
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestAPI_Sessions(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.get(t, "/api/sessions")
	require.Equal(t, http.StatusOK, rr.Code)
	sessions := decode[[]storage.SessionRecord](t, rr)
	require.Len(t, sessions, 1)
	assert.Equal(t, "session_1", sessions[0].ID)
	assert.True(t, sessions[0].Completed)

	rr = f.get(t, "/api/sessions?device_id=other")
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = f.get(t, "/api/sessions/session_1")
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "session_1", detail["id"])
	assert.Len(t, detail["readings"], 3)

	rr = f.get(t, "/api/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_StatsAndDevices(t *testing.T) {
	f := newAPIFixture(t)
	f.store.Add("band-mem", newTestReading(70, time.Now()))

	rr := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[StatsResponse](t, rr)
	assert.Equal(t, int64(1), stats.Memory.TotalReadings)
	require.NotNil(t, stats.Database)

	rr = f.get(t, "/api/devices")
	require.Equal(t, http.StatusOK, rr.Code)
	devices := decode[[]DeviceStatus](t, rr)
	require.Len(t, devices, 3)

	byID := make(map[string]DeviceStatus)
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	assert.NotNil(t, byID["band-mem"].Current)
	assert.False(t, byID["band-db"].Connected)
	assert.True(t, byID["band-live"].Connected)
	require.NotNil(t, byID["band-live"].State)
	assert.Equal(t, models.StateSubscribed, *byID["band-live"].State)
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, rr.Body.String())
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 50},
		{"abc", 50},
		{"-3", 50},
		{"10", 10},
		{"5000", maxHistoryLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLimit(tt.in, 50), "parseLimit(%q)", tt.in)
	}
}
