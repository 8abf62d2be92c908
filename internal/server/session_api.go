package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
)

// SessionAPI serves the band client's own session over HTTP
type SessionAPI struct {
	session SessionControl
	logger  zerolog.Logger
}

// NewSessionAPI creates a SessionAPI
func NewSessionAPI(session SessionControl, logger zerolog.Logger) *SessionAPI {
	return &SessionAPI{session: session, logger: logger}
}

// Register mounts every endpoint on mux
func (s *SessionAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", s.HandleStatus)
	mux.HandleFunc("POST /api/session/start", s.HandleStart)
	mux.HandleFunc("POST /api/session/stop", s.HandleStop)
	mux.HandleFunc("GET /api/session/history", s.HandleHistory)
	mux.HandleFunc("GET /api/session/summary", s.HandleSummary)
}

// SessionStatus is the live view of the band session
type SessionStatus struct {
	Active          bool                   `json:"active"`
	SessionID       string                 `json:"session_id,omitempty"`
	StartTime       *time.Time             `json:"start_time,omitempty"`
	ConnectionState models.ConnectionState `json:"connection_state"`
	Stats           *models.SessionStats   `json:"stats,omitempty"`
	Current         *CurrentReading        `json:"current,omitempty"`
	Emotion         *models.EmotionLabel   `json:"emotion,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// CurrentReading is a reading with its display classifications
type CurrentReading struct {
	*models.Reading
	HeartRateStatus      string `json:"heart_rate_status"`
	HeartRateCategory    string `json:"heart_rate_category"`
	TemperatureStatus    string `json:"temperature_status"`
	FormattedTemperature string `json:"formatted_temperature"`
	SensorQuality        string `json:"sensor_quality"`
}

func newCurrentReading(r *models.Reading) *CurrentReading {
	if r == nil {
		return nil
	}
	return &CurrentReading{
		Reading:              r,
		HeartRateStatus:      r.HeartRateStatus(),
		HeartRateCategory:    r.HeartRateCategory().String(),
		TemperatureStatus:    r.TemperatureStatus().String(),
		FormattedTemperature: r.FormattedTemperature(),
		SensorQuality:        r.SensorQuality().String(),
	}
}

func (s *SessionAPI) status() SessionStatus {
	st := SessionStatus{
		Active:          s.session.IsActive(),
		SessionID:       s.session.SessionID(),
		ConnectionState: s.session.ConnectionState(),
		Stats:           s.session.CurrentSessionStats(),
		Current:         newCurrentReading(s.session.CurrentReading()),
		Emotion:         s.session.LastEmotion(),
		Error:           s.session.ErrorMessage(),
	}
	if start := s.session.StartTime(); !start.IsZero() {
		st.StartTime = &start
	}
	return st
}

// HandleStatus returns the session status
func (s *SessionAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// HandleStart starts a session. 409 when one is already running.
func (s *SessionAPI) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !s.session.StartSession() {
		writeJSON(w, http.StatusConflict, s.status())
		return
	}
	s.logger.Info().Str("session_id", s.session.SessionID()).Msg("Session started over HTTP")
	writeJSON(w, http.StatusOK, s.status())
}

// HandleStop stops the session and returns its summary. 409 when idle.
func (s *SessionAPI) HandleStop(w http.ResponseWriter, r *http.Request) {
	summary := s.session.StopSession()
	if summary == nil {
		http.Error(w, "No active session", http.StatusConflict)
		return
	}
	s.logger.Info().Str("session_id", summary.SessionID).Msg("Session stopped over HTTP")
	writeJSON(w, http.StatusOK, summary)
}

// IntegratedEntry is one history entry as served over HTTP
type IntegratedEntry struct {
	*models.IntegratedReading
	CorrelationScore *float64 `json:"correlation_score,omitempty"`
}

// HandleHistory returns the integrated readings, oldest first.
// limit keeps only the newest entries.
func (s *SessionAPI) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.session.History()
	if limit := parseLimit(r.URL.Query().Get("limit"), 0); limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}

	out := make([]IntegratedEntry, len(history))
	for i, ir := range history {
		out[i].IntegratedReading = ir
		if score, ok := ir.CorrelationScore(); ok {
			out[i].CorrelationScore = &score
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// SummaryResponse is a session summary with its display fields
type SummaryResponse struct {
	*models.SessionSummary
	FormattedDuration    string   `json:"formatted_duration"`
	HeartRateVariability *float64 `json:"heart_rate_variability,omitempty"`
}

// HandleSummary returns the summary of the last stopped session
func (s *SessionAPI) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary := s.session.Summary()
	if summary == nil {
		http.Error(w, "No session summary available", http.StatusNotFound)
		return
	}
	resp := SummaryResponse{
		SessionSummary:    summary,
		FormattedDuration: summary.FormattedDuration(),
	}
	if v, ok := summary.HeartRateVariability(); ok {
		resp.HeartRateVariability = &v
	}
	writeJSON(w, http.StatusOK, resp)
}
