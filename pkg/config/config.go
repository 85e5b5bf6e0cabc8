// Package config loads runtime settings from the environment and topic
// profiles from YAML.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dataport/pkg/retry"
)

// Config holds client configuration.
type Config struct {
	APIBaseURL    string
	BaseReconnect time.Duration
	MaxReconnect  time.Duration
	PageSize      int
	StaleTime     time.Duration
	SnapshotDSN   string
	TopicsFile    string
	APIToken      string
	OTLPEndpoint  string
	LogLevel      string
	MockAddr      string
}

// Load loads configuration from environment variables. Unparsable values
// fall back to their defaults with a warning.
func Load() *Config {
	return &Config{
		APIBaseURL:    strings.TrimRight(getenv("DATAPORT_API_BASE_URL", "http://localhost:8080"), "/"),
		BaseReconnect: millis("DATAPORT_BASE_RECONNECT_DELAY_MS", retry.DefaultBase),
		MaxReconnect:  millis("DATAPORT_MAX_RECONNECT_DELAY_MS", retry.DefaultMax),
		PageSize:      positiveInt("DATAPORT_PAGE_SIZE", 20),
		StaleTime:     duration("DATAPORT_STALE_TIME", 2*time.Minute),
		SnapshotDSN:   os.Getenv("DATAPORT_SNAPSHOT_DSN"),
		TopicsFile:    os.Getenv("DATAPORT_TOPICS_FILE"),
		APIToken:      os.Getenv("DATAPORT_API_TOKEN"),
		OTLPEndpoint:  os.Getenv("DATAPORT_OTLP_ENDPOINT"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		MockAddr:      getenv("DATAPORT_MOCK_ADDR", ":8080"),
	}
}

// BackoffPolicy returns the reconnect policy.
func (c *Config) BackoffPolicy() retry.BackoffPolicy {
	return retry.BackoffPolicy{Base: c.BaseReconnect, Max: c.MaxReconnect}.Normalize()
}

// SlogLevel parses LogLevel; unknown levels are INFO.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func positiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func millis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
