package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the band client
type Config struct {
	Band    BandConfig    `yaml:"band"`
	Device  DeviceConfig  `yaml:"device"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
	Emotion EmotionConfig `yaml:"emotion"`
	Uplink  UplinkConfig  `yaml:"uplink"`
	Live    LiveConfig    `yaml:"live"`
	Logging LoggingConfig `yaml:"logging"`
}

// BandConfig identifies this client
type BandConfig struct {
	ID      string `yaml:"id"`
	UserID  string `yaml:"user_id"`
	Version string `yaml:"version"`
}

// DeviceConfig identifies the peripheral and sets the connection timings
type DeviceConfig struct {
	Name               string        `yaml:"name"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	PowerOnDelay       time.Duration `yaml:"power_on_delay"`
	SimulateInterval   time.Duration `yaml:"simulate_interval"`
}

// SessionConfig contains session buffering settings
type SessionConfig struct {
	BufferSize  int   `yaml:"buffer_size"`
	DrainOnFull *bool `yaml:"drain_on_full"`
	// A negative interval disables the periodic drain
	DrainInterval time.Duration `yaml:"drain_interval"`
	HistorySize   int           `yaml:"history_size"`
	AutoStart     *bool         `yaml:"auto_start"`
}

// StorageConfig contains local SQLite settings
type StorageConfig struct {
	DBPath        string        `yaml:"db_path"`
	MaxReadings   int           `yaml:"max_readings"`
	RetentionDays int           `yaml:"retention_days"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	QueueSize     int           `yaml:"queue_size"`
}

// EmotionConfig contains the emotion feed settings. An empty BaseURL disables polling.
type EmotionConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// UplinkConfig contains connection settings for the collector server.
// An empty URL disables the uplink.
type UplinkConfig struct {
	URL                  string        `yaml:"url"`
	AuthToken            string        `yaml:"auth_token"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
}

// LiveConfig contains the local session API settings. Port 0 disables it.
type LiveConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level    string `yaml:"level"`     // debug, info, warn, error
	Format   string `yaml:"format"`    // json or console
	FilePath string `yaml:"file_path"` // empty = stdout only
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Band.UserID == "" {
		c.Band.UserID = "default_user"
	}
	if c.Band.Version == "" {
		c.Band.Version = "dev"
	}

	if c.Device.Name == "" {
		c.Device.Name = "MirrorMind-SmartBand"
	}
	if c.Device.ServiceUUID == "" {
		c.Device.ServiceUUID = "12345678-1234-1234-1234-123456789abc"
	}
	if c.Device.CharacteristicUUID == "" {
		c.Device.CharacteristicUUID = "87654321-4321-4321-4321-cba987654321"
	}
	if c.Device.ScanTimeout == 0 {
		c.Device.ScanTimeout = 10 * time.Second
	}
	if c.Device.ConnectTimeout == 0 {
		c.Device.ConnectTimeout = 15 * time.Second
	}
	if c.Device.ReconnectInterval == 0 {
		c.Device.ReconnectInterval = 5 * time.Second
	}
	if c.Device.ReconnectDelay == 0 {
		c.Device.ReconnectDelay = 2 * time.Second
	}
	if c.Device.PowerOnDelay == 0 {
		c.Device.PowerOnDelay = 500 * time.Millisecond
	}
	if c.Device.SimulateInterval == 0 {
		c.Device.SimulateInterval = time.Second
	}

	if c.Session.BufferSize == 0 {
		c.Session.BufferSize = 50
	}
	if c.Session.DrainOnFull == nil {
		on := true
		c.Session.DrainOnFull = &on
	}
	if c.Session.DrainInterval == 0 {
		c.Session.DrainInterval = 10 * time.Second
	}
	if c.Session.HistorySize == 0 {
		c.Session.HistorySize = 100
	}
	if c.Session.AutoStart == nil {
		on := true
		c.Session.AutoStart = &on
	}

	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "./data/smartband.db"
	}
	if c.Storage.MaxReadings == 0 {
		c.Storage.MaxReadings = 1000
	}
	if c.Storage.CleanupPeriod == 0 {
		c.Storage.CleanupPeriod = time.Hour
	}
	if c.Storage.QueueSize == 0 {
		c.Storage.QueueSize = 100
	}

	if c.Emotion.PollInterval == 0 {
		c.Emotion.PollInterval = 3 * time.Second
	}
	if c.Emotion.Timeout == 0 {
		c.Emotion.Timeout = 5 * time.Second
	}

	if c.Uplink.ReconnectInterval == 0 {
		c.Uplink.ReconnectInterval = 1 * time.Second
	}
	if c.Uplink.MaxReconnectInterval == 0 {
		c.Uplink.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Uplink.PingInterval == 0 {
		c.Uplink.PingInterval = 30 * time.Second
	}
	if c.Uplink.PongTimeout == 0 {
		c.Uplink.PongTimeout = 10 * time.Second
	}

	if c.Live.Host == "" {
		c.Live.Host = "localhost"
	}

	c.Logging.ApplyDefaults()
}

// OverrideFromEnv overrides config values from environment variables
func (c *Config) OverrideFromEnv() {
	// Only override if environment variable is set (non-empty)
	if v := os.Getenv("BAND_ID"); v != "" {
		c.Band.ID = v
	}
	if v := os.Getenv("DEVICE_NAME"); v != "" {
		c.Device.Name = v
	}
	if v := os.Getenv("UPLINK_URL"); v != "" {
		c.Uplink.URL = v
	}
	if v := os.Getenv("UPLINK_AUTH_TOKEN"); v != "" {
		c.Uplink.AuthToken = v
	}
	if v := os.Getenv("EMOTION_BASE_URL"); v != "" {
		c.Emotion.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Band.ID == "" {
		return fmt.Errorf("band ID is required")
	}
	if c.Device.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if c.Device.ServiceUUID == "" || c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("service and characteristic UUIDs are required")
	}
	if c.Device.ReconnectInterval < 1*time.Second {
		return fmt.Errorf("reconnect interval must be at least 1 second")
	}
	if c.Session.BufferSize < 1 || c.Session.BufferSize > 10000 {
		return fmt.Errorf("session buffer size must be between 1 and 10000")
	}
	if c.Session.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1")
	}
	if c.Storage.MaxReadings < 0 {
		return fmt.Errorf("max readings must not be negative")
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if c.Emotion.BaseURL != "" && !hasScheme(c.Emotion.BaseURL, "http://", "https://") {
		return fmt.Errorf("emotion base URL must start with http:// or https://")
	}
	if c.Uplink.URL != "" {
		if !hasScheme(c.Uplink.URL, "ws://", "wss://") {
			return fmt.Errorf("uplink URL must start with ws:// or wss://")
		}
		if c.Uplink.AuthToken == "" {
			return fmt.Errorf("uplink auth token is required")
		}
	}
	if c.Live.Port < 0 || c.Live.Port > 65535 {
		return fmt.Errorf("live port must be between 0 and 65535")
	}
	return nil
}

// DrainOnFullEnabled reports whether a full buffer drains immediately
func (s SessionConfig) DrainOnFullEnabled() bool {
	return s.DrainOnFull == nil || *s.DrainOnFull
}

// AutoStartEnabled reports whether a session starts when the client starts
func (s SessionConfig) AutoStartEnabled() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// String returns a safe string representation (hides auth token)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Band: %+v, Device: [Name=%s, Service=%s], Session: [Buffer=%d, Drain=%s, History=%d], Storage: %+v, Emotion: [URL=%s], Uplink: [URL=%s, Token=%s], Live: [%s:%d], Logging: %+v}",
		c.Band,
		c.Device.Name,
		c.Device.ServiceUUID,
		c.Session.BufferSize,
		c.Session.DrainInterval,
		c.Session.HistorySize,
		c.Storage,
		c.Emotion.BaseURL,
		c.Uplink.URL,
		maskToken(c.Uplink.AuthToken),
		c.Live.Host,
		c.Live.Port,
		c.Logging,
	)
}

// ApplyDefaults fills in the logging level and format
func (l *LoggingConfig) ApplyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// NewLogger builds a zerolog logger for the configured level, format and
// destination. The returned closer releases the log file, if any.
func (l LoggingConfig) NewLogger(service string) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if l.FilePath != "" {
		f, err := os.OpenFile(l.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}
	if l.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func hasScheme(url string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(url, s) {
			return true
		}
	}
	return false
}

// maskToken masks all but first 4 characters of a token
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
