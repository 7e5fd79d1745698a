// Package server provides configuration helpers that define runtime defaults,
// file and environment loading, and validation for the WhisperLink service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/Tyrowin/whisperlink/internal/registry"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `toml:"burst" envconfig:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `toml:"refill_interval" envconfig:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `toml:"port" envconfig:"SERVER_PORT"`
	AllowedOrigins  []string        `toml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64           `toml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
	TranscriptLimit int             `toml:"transcript_limit" envconfig:"TRANSCRIPT_LIMIT"`
	LogLevel        string          `toml:"log_level" envconfig:"LOG_LEVEL"`
	Development     bool            `toml:"development" envconfig:"DEVELOPMENT"`
	ShutdownTimeout time.Duration   `toml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

const (
	defaultPort            = ":8000"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 10
	defaultRefillInterval  = time.Second
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 10 * time.Second
)

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		TranscriptLimit: registry.DefaultTranscriptLimit,
		LogLevel:        defaultLogLevel,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds a Config from defaults, then the TOML file at path (if
// path is not empty), then environment variables. Later sources win.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize replaces out-of-range values with defaults. A TranscriptLimit of
// zero is kept and means the transcript is unbounded.
func (c *Config) Sanitize() {
	if strings.TrimSpace(c.Port) == "" {
		c.Port = defaultPort
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefillInterval
	}

	if c.TranscriptLimit < 0 {
		c.TranscriptLimit = registry.DefaultTranscriptLimit
	}

	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigins = origins
}
