package emotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/models"
)

// Realtime Database paths polled by the Poller
const (
	SystemPath  = "/Emociones/encendido.json"
	EmotionPath = "/Emociones/estadoActual.json"
)

// PollerConfig holds configuration for the emotion poller
type PollerConfig struct {
	BaseURL  string        // Realtime Database URL, e.g. https://<db>.firebaseio.com
	Interval time.Duration // Time between polls (default: 3s)
	Timeout  time.Duration // Per request timeout (default: 5s)
}

// DefaultPollerConfig returns sensible defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 3 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Poller periodically reads the recognizer's current emotion over REST
type Poller struct {
	httpClient *resty.Client
	interval   time.Duration
	target     *Latest
	logger     zerolog.Logger

	mu       sync.RWMutex
	systemOn bool
	lastPoll time.Time
	lastErr  error
}

// remoteLabel is the object form of estadoActual
type remoteLabel struct {
	Emotion    string   `json:"emotion"`
	Confidence *float64 `json:"confidence"`
	Message    string   `json:"message"`
}

// NewPoller creates a poller that writes into target
func NewPoller(config PollerConfig, target *Latest, logger zerolog.Logger) *Poller {
	defaults := DefaultPollerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json")

	return &Poller{
		httpClient: client,
		interval:   config.Interval,
		target:     target,
		logger:     logger,
	}
}

// Run polls immediately and then every interval until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("Emotion poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Emotion poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs one read. When the system is off, or any request fails, the
// current label is cleared.
func (p *Poller) Poll(ctx context.Context) error {
	on, err := p.fetchSystemStatus(ctx)
	if err != nil || !on {
		p.target.Clear()
		p.record(false, err)
		if err != nil {
			p.logger.Debug().Err(err).Msg("Emotion system status unavailable")
		}
		return err
	}

	label, err := p.fetchEmotion(ctx)
	if err != nil {
		p.target.Clear()
		p.record(true, err)
		p.logger.Debug().Err(err).Msg("Emotion fetch failed")
		return err
	}

	if label == nil {
		p.target.Clear()
	} else {
		p.target.Set(label)
		p.logger.Debug().Str("emotion", label.Emotion).Float64("confidence", label.Confidence).Msg("Emotion updated")
	}
	p.record(true, nil)
	return nil
}

func (p *Poller) fetchSystemStatus(ctx context.Context) (bool, error) {
	body, err := p.get(ctx, SystemPath)
	if err != nil {
		return false, err
	}

	var on interface{}
	if err := json.Unmarshal(body, &on); err != nil {
		return false, fmt.Errorf("failed to parse system status: %w", err)
	}
	v, ok := on.(bool)
	return ok && v, nil
}

// fetchEmotion returns nil when no emotion is published
func (p *Poller) fetchEmotion(ctx context.Context) (*models.EmotionLabel, error) {
	body, err := p.get(ctx, EmotionPath)
	if err != nil {
		return nil, err
	}
	return parseLabel(body)
}

// parseLabel accepts a bare string or an {emotion, confidence, message} object.
// A bare string carries no confidence and is taken as certain.
func parseLabel(body []byte) (*models.EmotionLabel, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse emotion: %w", err)
	}

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return models.NewEmotionLabel(v, 1.0, ""), nil
	case map[string]interface{}:
		var obj remoteLabel
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("failed to parse emotion object: %w", err)
		}
		if strings.TrimSpace(obj.Emotion) == "" {
			return nil, nil
		}
		confidence := 1.0
		if obj.Confidence != nil {
			confidence = *obj.Confidence
		}
		return models.NewEmotionLabel(obj.Emotion, confidence, obj.Message), nil
	default:
		return nil, fmt.Errorf("unexpected emotion format %T", raw)
	}
}

func (p *Poller) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := p.httpClient.R().
		SetContext(ctx).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch %s: status %d", path, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, errors.New("empty response body")
	}
	return body, nil
}

func (p *Poller) record(on bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.systemOn = on && err == nil
	p.lastPoll = time.Now()
	p.lastErr = err
}

// SystemOn reports whether the recognizer was on at the last poll
func (p *Poller) SystemOn() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.systemOn
}

// LastError returns the error of the last poll, nil if it succeeded
func (p *Poller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// LastPoll returns when the last poll completed
func (p *Poller) LastPoll() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPoll
}
