package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataport/pkg/records"
)

var envKeys = []string{
	"DATAPORT_API_BASE_URL",
	"DATAPORT_BASE_RECONNECT_DELAY_MS",
	"DATAPORT_MAX_RECONNECT_DELAY_MS",
	"DATAPORT_PAGE_SIZE",
	"DATAPORT_STALE_TIME",
	"DATAPORT_SNAPSHOT_DSN",
	"DATAPORT_TOPICS_FILE",
	"DATAPORT_API_TOKEN",
	"DATAPORT_OTLP_ENDPOINT",
	"DATAPORT_MOCK_ADDR",
	"LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.Equal(t, "http://localhost:8080", cfg.APIBaseURL)
	assert.Equal(t, time.Second, cfg.BaseReconnect)
	assert.Equal(t, 30*time.Second, cfg.MaxReconnect)
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.StaleTime)
	assert.Empty(t, cfg.SnapshotDSN)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, ":8080", cfg.MockAddr)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATAPORT_API_BASE_URL", "https://api.example.org/")
	t.Setenv("DATAPORT_BASE_RECONNECT_DELAY_MS", "500")
	t.Setenv("DATAPORT_MAX_RECONNECT_DELAY_MS", "8000")
	t.Setenv("DATAPORT_PAGE_SIZE", "50")
	t.Setenv("DATAPORT_STALE_TIME", "30s")
	t.Setenv("DATAPORT_SNAPSHOT_DSN", "sqlite:/tmp/dp.db")
	t.Setenv("DATAPORT_API_TOKEN", "tok")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()

	assert.Equal(t, "https://api.example.org", cfg.APIBaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseReconnect)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 30*time.Second, cfg.StaleTime)
	assert.Equal(t, "sqlite:/tmp/dp.db", cfg.SnapshotDSN)
	assert.Equal(t, "tok", cfg.APIToken)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	p := cfg.BackoffPolicy()
	assert.Equal(t, 500*time.Millisecond, p.Base)
	assert.Equal(t, 8*time.Second, p.Max)
}

func TestLoad_InvalidValuesUseDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATAPORT_PAGE_SIZE", "-3")
	t.Setenv("DATAPORT_BASE_RECONNECT_DELAY_MS", "soon")
	t.Setenv("DATAPORT_STALE_TIME", "forever")
	t.Setenv("LOG_LEVEL", "chatty")

	cfg := Load()

	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, time.Second, cfg.BaseReconnect)
	assert.Equal(t, 2*time.Minute, cfg.StaleTime)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topics.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadTopicProfile_Apply(t *testing.T) {
	path := writeProfile(t, `
topics:
  - name: incidents
    url: ws://push.example.org/incidents/ws
    page_size: 10
  - name: metrics
    path: /compliance/metrics/stream
    events:
      - name: metric
        schema: metric
`)
	p, err := LoadTopicProfile(path)
	require.NoError(t, err)

	base := records.Catalog()
	topics, err := p.Apply(base)
	require.NoError(t, err)
	require.Len(t, topics, 3)

	inc, ok := records.Lookup(topics, records.TopicIncidents)
	require.True(t, ok)
	assert.Equal(t, "ws://push.example.org/incidents/ws", inc.Path)
	assert.Len(t, inc.Events, 1, "events kept when not overridden")

	m, ok := records.Lookup(topics, "metrics")
	require.True(t, ok)
	ep, err := m.Endpoint("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/compliance/metrics/stream", ep)

	orig, _ := records.Lookup(base, records.TopicIncidents)
	assert.Equal(t, "/incidents/stream", orig.Path, "base catalog untouched")

	assert.Equal(t, 10, p.PageSize(records.TopicIncidents, 20))
	assert.Equal(t, 20, p.PageSize(records.TopicCompliance, 20))
}

func TestLoadTopicProfile_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "topics: [\n"},
		{"unnamed topic", "topics:\n  - path: /x\n"},
		{"unknown schema", "topics:\n  - name: x\n    path: /x\n    events:\n      - name: e\n        schema: weather\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTopicProfile(writeProfile(t, tt.body))
			require.Error(t, err)
		})
	}

	_, err := LoadTopicProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApply_NewTopicNeedsEvents(t *testing.T) {
	p := &TopicProfile{Topics: []TopicOverride{{Name: "weather", Path: "/weather/stream"}}}
	_, err := p.Apply(records.Catalog())
	require.Error(t, err)

	var nilProfile *TopicProfile
	topics, err := nilProfile.Apply(records.Catalog())
	require.NoError(t, err)
	assert.Len(t, topics, 2)
}
