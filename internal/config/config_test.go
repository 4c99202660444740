package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beacon.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3900", cfg.Listen)
	assert.Equal(t, "/data/beacon", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval.Duration)
	assert.Equal(t, 60*time.Second, cfg.SanityInterval.Duration)
	assert.Equal(t, "aggregator", cfg.AggregatorSource)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":4000"
data_dir: /tmp/beacon
log_level: debug
log_format: json
flush_interval: 2s
sanity_interval: 30s
aggregator_source: rollup
event_retention: 168h
notifications:
  - type: ntfy
    url: https://ntfy.example.com
    topic: alarms
  - type: webhook
    url: https://hooks.example.com/beacon
    method: PUT
    headers:
      Authorization: Bearer token
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Listen)
	assert.Equal(t, "/tmp/beacon", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.SanityInterval.Duration)
	assert.Equal(t, "rollup", cfg.AggregatorSource)
	assert.Equal(t, 168*time.Hour, cfg.EventRetention.Duration)
	require.Len(t, cfg.Notifications, 2)
	assert.Equal(t, "ntfy", cfg.Notifications[0].Type)
	assert.Equal(t, "PUT", cfg.Notifications[1].Method)
	assert.Equal(t, "Bearer token", cfg.Notifications[1].Headers["Authorization"])
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("BEACON_TEST_TOPIC", "ops-alarms")
	path := writeConfig(t, `
notifications:
  - type: ntfy
    url: https://ntfy.example.com
    topic: ${BEACON_TEST_TOPIC}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "ops-alarms", cfg.Notifications[0].Topic)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BEACON_LISTEN", ":5000")
	t.Setenv("BEACON_DATA_DIR", "/var/lib/beacon")
	t.Setenv("BEACON_AGGREGATOR_SOURCE", "rollup")
	t.Setenv("BEACON_FLUSH_INTERVAL", "1s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Listen)
	assert.Equal(t, "/var/lib/beacon", cfg.DataDir)
	assert.Equal(t, "rollup", cfg.AggregatorSource)
	assert.Equal(t, time.Second, cfg.FlushInterval.Duration)
}

func TestLoad_EnvNtfy(t *testing.T) {
	t.Setenv("BEACON_NTFY_URL", "https://ntfy.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "ntfy", cfg.Notifications[0].Type)
	assert.Equal(t, "beacon-alarms", cfg.Notifications[0].Topic)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"zero flush interval", func(c *Config) { c.FlushInterval = Duration{} }, "flush_interval"},
		{"zero sanity interval", func(c *Config) { c.SanityInterval = Duration{} }, "sanity_interval"},
		{"empty aggregator", func(c *Config) { c.AggregatorSource = "" }, "aggregator_source"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"ntfy missing topic", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "ntfy", URL: "https://x"}}
		}, "topic"},
		{"webhook missing url", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "webhook"}}
		}, "url"},
		{"unknown notification type", func(c *Config) {
			c.Notifications = []NotificationConfig{{Type: "sms", URL: "https://x"}}
		}, "unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	path := writeConfig(t, "flush_interval: nonsense")
	_, err := Load(path)
	assert.Error(t, err)
}
