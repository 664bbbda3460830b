// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	PersonaDir     string
	DefaultPersona string
	RelayToken     string
	LogLevel       slog.Level
	TargetChannels []string
	Model          ModelConfig
	History        HistoryConfig
	Retry          RetryConfig
	Idle           IdleConfig
	RateLimit      RateLimitConfig
}

// ModelConfig selects the remote text-generation model.
type ModelConfig struct {
	APIKey string
	Name   string
}

// HistoryConfig bounds the live session and its restore.
type HistoryConfig struct {
	MaxTurns  int
	LoadLimit int
}

// RetryConfig controls the dispatcher's retry and reply-length behaviour.
type RetryConfig struct {
	MaxAttempts     int
	InitialWait     time.Duration
	MaxWait         time.Duration
	MaxReplyLength  int
	ShortenAttempts int
}

// IdleConfig controls the idle-speak scheduler.
type IdleConfig struct {
	TickInterval time.Duration
	Threshold    time.Duration
}

// RateLimitConfig throttles answered messages per channel.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/history.db"),
		PersonaDir:     getEnv("PERSONA_DIR", "./characters"),
		DefaultPersona: getEnv("DEFAULT_PERSONA", "lycaon"),
		RelayToken:     getEnv("RELAY_TOKEN", ""),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		TargetChannels: getEnvList("TARGET_CHANNEL_IDS"),
		Model: ModelConfig{
			APIKey: getEnv("GOOGLE_API_KEY", ""),
			Name:   getEnv("MODEL_NAME", "gemini-2.0-flash"),
		},
		History: HistoryConfig{
			MaxTurns:  getEnvInt("HISTORY_MAX_TURNS", 200),
			LoadLimit: getEnvInt("HISTORY_LOAD_LIMIT", 100),
		},
		Retry: RetryConfig{
			MaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			InitialWait:     getEnvDuration("RETRY_INITIAL_WAIT", 4*time.Second),
			MaxWait:         getEnvDuration("RETRY_MAX_WAIT", 30*time.Second),
			MaxReplyLength:  getEnvInt("MAX_REPLY_LENGTH", 2000),
			ShortenAttempts: getEnvInt("SHORTEN_MAX_ATTEMPTS", 3),
		},
		Idle: IdleConfig{
			TickInterval: getEnvDuration("IDLE_TICK_INTERVAL", time.Minute),
			Threshold:    getEnvDuration("IDLE_THRESHOLD", 60*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.PersonaDir == "" {
		return fmt.Errorf("PERSONA_DIR cannot be empty")
	}
	if c.DefaultPersona == "" {
		return fmt.Errorf("DEFAULT_PERSONA cannot be empty")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY cannot be empty")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.History.MaxTurns < 4 {
		return fmt.Errorf("HISTORY_MAX_TURNS must be >= 4")
	}
	if c.History.LoadLimit <= 0 {
		return fmt.Errorf("HISTORY_LOAD_LIMIT must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.Retry.InitialWait <= 0 || c.Retry.MaxWait < c.Retry.InitialWait {
		return fmt.Errorf("RETRY_MAX_WAIT must be >= RETRY_INITIAL_WAIT > 0")
	}
	if c.Retry.MaxReplyLength <= 0 {
		return fmt.Errorf("MAX_REPLY_LENGTH must be > 0")
	}
	if c.Retry.ShortenAttempts <= 0 {
		return fmt.Errorf("SHORTEN_MAX_ATTEMPTS must be > 0")
	}
	if c.Idle.TickInterval <= 0 {
		return fmt.Errorf("IDLE_TICK_INTERVAL must be > 0")
	}
	if c.Idle.Threshold <= 0 {
		return fmt.Errorf("IDLE_THRESHOLD must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
