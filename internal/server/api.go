package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// BandLister reports connected bands
// Handler implements this interface
type BandLister interface {
	GetActiveBands() []BandConnection
}

// APIHandler handles HTTP API requests for the collector dashboard
type APIHandler struct {
	store   ReadingStore
	history HistoricalStore
	bands   BandLister
	version string
	logger  zerolog.Logger
}

// NewAPIHandler creates an API handler backed by memory only
func NewAPIHandler(store ReadingStore, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		store:  store,
		logger: logger,
	}
}

// NewAPIHandlerWithHistory creates an API handler that falls back to SQLite
func NewAPIHandlerWithHistory(store ReadingStore, history HistoricalStore, logger zerolog.Logger) *APIHandler {
	api := NewAPIHandler(store, logger)
	api.history = history
	return api
}

// SetBands attaches the live band list served by /api/devices
func (api *APIHandler) SetBands(bands BandLister) {
	api.bands = bands
}

// SetVersion sets the version reported by /health
func (api *APIHandler) SetVersion(v string) {
	api.version = v
}

// Register mounts every endpoint on mux
func (api *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/current", api.HandleCurrent)
	mux.HandleFunc("/api/history", api.HandleHistory)
	mux.HandleFunc("/api/stats", api.HandleStats)
	mux.HandleFunc("/api/sessions", api.HandleSessions)
	mux.HandleFunc("/api/sessions/{id}", api.HandleSession)
	mux.HandleFunc("/api/devices", api.HandleDevices)
	mux.HandleFunc("/health", api.HandleHealth)
}

// resolveDevice returns the requested device_id or the first known band
func (api *APIHandler) resolveDevice(r *http.Request) string {
	if id := r.URL.Query().Get("device_id"); id != "" {
		return id
	}
	if ids := api.store.GetDeviceIDs(); len(ids) > 0 {
		return ids[0]
	}
	if api.history != nil {
		if ids, err := api.history.GetDeviceIDs(); err == nil && len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// HandleCurrent returns the current reading for a band
func (api *APIHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	deviceID := api.resolveDevice(r)
	if deviceID == "" {
		http.Error(w, "No devices found", http.StatusNotFound)
		return
	}

	reading := api.store.GetCurrentReading(deviceID)
	if reading == nil && api.history != nil {
		var err error
		reading, err = api.history.GetLatestReading(deviceID)
		if err != nil {
			api.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to load latest reading")
			http.Error(w, "Failed to load reading", http.StatusInternalServerError)
			return
		}
	}
	if reading == nil {
		http.Error(w, "No readings available", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		DeviceID string `json:"device_id"`
		*CurrentReading
	}{deviceID, newCurrentReading(reading)})
}

// HandleHistory returns recent readings for charting.
// With start and end (RFC 3339) the range is read from SQLite.
func (api *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := api.resolveDevice(r)
	limit := parseLimit(q.Get("limit"), defaultHistoryLimit)

	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr != "" || endStr != "" {
		if api.history == nil {
			http.Error(w, "History not available", http.StatusNotImplemented)
			return
		}
		start, end, err := parseRange(startStr, endStr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		readings, err := api.history.GetReadingsInRange(deviceID, start, end, limit)
		if err != nil {
			api.logger.Error().Err(err).Msg("Failed to query history")
			http.Error(w, "Failed to query history", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(readings))
		return
	}

	if deviceID == "" {
		writeJSON(w, http.StatusOK, []*models.Reading{})
		return
	}
	writeJSON(w, http.StatusOK, nonNil(api.store.GetLatest(deviceID, limit)))
}

// StatsResponse combines memory and database statistics
type StatsResponse struct {
	Memory   StoreStats            `json:"memory"`
	Database *storage.StorageStats `json:"database,omitempty"`
}

// HandleStats returns store statistics
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Memory: api.store.Stats()}
	if api.history != nil {
		stats, err := api.history.GetStorageStats()
		if err != nil {
			api.logger.Warn().Err(err).Msg("Failed to load storage stats")
		} else {
			resp.Database = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSessions lists recent sessions, optionally for one band
func (api *APIHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if api.history == nil {
		http.Error(w, "History not available", http.StatusNotImplemented)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20)
	sessions, err := api.history.ListSessions(r.URL.Query().Get("device_id"), limit)
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to list sessions")
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*storage.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// SessionDetail is a session with its stored readings
type SessionDetail struct {
	*storage.SessionRecord
	Readings []*models.Reading `json:"readings"`
}

// HandleSession returns one session and its readings
func (api *APIHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	if api.history == nil {
		http.Error(w, "History not available", http.StatusNotImplemented)
		return
	}
	id := r.PathValue("id")
	rec, err := api.history.GetSession(id)
	if err != nil {
		api.logger.Error().Err(err).Str("session_id", id).Msg("Failed to load session")
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 0)
	readings, err := api.history.GetSessionReadings(id, limit)
	if err != nil {
		api.logger.Error().Err(err).Str("session_id", id).Msg("Failed to load session readings")
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, SessionDetail{SessionRecord: rec, Readings: nonNil(readings)})
}

// DeviceStatus describes a band known to the collector
type DeviceStatus struct {
	DeviceID  string                  `json:"device_id"`
	Connected bool                    `json:"connected"`
	Uplink    *BandConnection         `json:"uplink,omitempty"`
	Current   *models.Reading         `json:"current,omitempty"`
	State     *models.ConnectionState `json:"state,omitempty"`
}

// HandleDevices lists bands seen in memory, in SQLite or currently connected
func (api *APIHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]*DeviceStatus)
	var order []string
	add := func(id string) *DeviceStatus {
		if d, ok := seen[id]; ok {
			return d
		}
		d := &DeviceStatus{DeviceID: id}
		seen[id] = d
		order = append(order, id)
		return d
	}

	for _, id := range api.store.GetDeviceIDs() {
		add(id).Current = api.store.GetCurrentReading(id)
	}
	if api.history != nil {
		if ids, err := api.history.GetDeviceIDs(); err == nil {
			for _, id := range ids {
				add(id)
			}
		} else {
			api.logger.Warn().Err(err).Msg("Failed to list stored devices")
		}
	}
	if api.bands != nil {
		for _, b := range api.bands.GetActiveBands() {
			d := add(b.DeviceID)
			band := b
			state := b.State
			d.Connected = true
			d.Uplink = &band
			d.State = &state
		}
	}

	devices := make([]*DeviceStatus, 0, len(order))
	for _, id := range order {
		devices = append(devices, seen[id])
	}
	writeJSON(w, http.StatusOK, devices)
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": api.version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

// parseRange defaults a missing start to 24h before end and a missing end to now
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	end := time.Now()
	if endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	return start, end, nil
}

func nonNil(readings []*models.Reading) []*models.Reading {
	if readings == nil {
		return []*models.Reading{}
	}
	return readings
}
