package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds configuration for the collector server
type AppConfig struct {
	Server  ServerSettings  `yaml:"server"`
	Storage StorageSettings `yaml:"storage"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// StorageSettings contains storage configuration
type StorageSettings struct {
	BufferSize    int           `yaml:"buffer_size"` // Readings kept in memory per band
	DBPath        string        `yaml:"db_path"`
	RetentionDays int           `yaml:"retention_days"`
	MaxReadings   int           `yaml:"max_readings"` // 0 keeps every reading
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	QueueSize     int           `yaml:"queue_size"`
}

// LoadAppConfig loads server configuration from YAML file
func LoadAppConfig(path string) (*AppConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config AppConfig
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.ApplyDefaults()
	if err := config.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for server config
func (ac *AppConfig) ApplyDefaults() {
	if ac.Server.Port == 0 {
		ac.Server.Port = 8081
	}
	if ac.Server.Host == "" {
		ac.Server.Host = "localhost"
	}
	if ac.Server.ReadTimeout == 0 {
		ac.Server.ReadTimeout = 60 * time.Second
	}
	if ac.Server.WriteTimeout == 0 {
		ac.Server.WriteTimeout = 10 * time.Second
	}
	if ac.Storage.BufferSize == 0 {
		ac.Storage.BufferSize = 100
	}
	if ac.Storage.DBPath == "" {
		ac.Storage.DBPath = "./data/collector.db"
	}
	if ac.Storage.RetentionDays == 0 {
		ac.Storage.RetentionDays = 30
	}
	if ac.Storage.CleanupPeriod == 0 {
		ac.Storage.CleanupPeriod = time.Hour
	}
	if ac.Storage.QueueSize == 0 {
		ac.Storage.QueueSize = 100
	}
	ac.Logging.ApplyDefaults()
}

// OverrideFromEnv overrides config from environment variables
func (ac *AppConfig) OverrideFromEnv() error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", v, err)
		}
		ac.Server.Port = port
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		ac.Server.Host = v
	}
	if v := os.Getenv("SERVER_AUTH_TOKEN"); v != "" {
		ac.Server.AuthToken = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		ac.Storage.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		ac.Logging.Level = v
	}
	return nil
}

// Validate checks if server configuration is valid
func (ac *AppConfig) Validate() error {
	if ac.Server.Port < 1 || ac.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if ac.Server.AuthToken == "" {
		return fmt.Errorf("auth token is required")
	}
	if ac.Storage.BufferSize < 10 {
		return fmt.Errorf("buffer size must be at least 10")
	}
	if ac.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if ac.Storage.MaxReadings < 0 {
		return fmt.Errorf("max readings must not be negative")
	}
	return nil
}

// Addr returns the listen address
func (ac *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ac.Server.Host, ac.Server.Port)
}

// String returns a safe string representation (hides auth token)
func (ac *AppConfig) String() string {
	return fmt.Sprintf("AppConfig{Server: [Addr=%s, Token=%s, Origins=%v], Storage: %+v, Logging: %+v}",
		ac.Addr(),
		maskToken(ac.Server.AuthToken),
		ac.Server.AllowedOrigins,
		ac.Storage,
		ac.Logging,
	)
}
