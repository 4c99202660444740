// Package config handles loading and validating Beacon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level Beacon configuration.
type Config struct {
	Listen           string               `yaml:"listen"`
	DataDir          string               `yaml:"data_dir"`
	LogLevel         string               `yaml:"log_level"`
	LogFormat        string               `yaml:"log_format"`
	FlushInterval    Duration             `yaml:"flush_interval"`
	SanityInterval   Duration             `yaml:"sanity_interval"`
	AggregatorSource string               `yaml:"aggregator_source"`
	EventRetention   Duration             `yaml:"event_retention"`
	Notifications    []NotificationConfig `yaml:"notifications"`
}

// NotificationConfig describes a notification target subscribed to alarm events.
type NotificationConfig struct {
	Type    string            `yaml:"type"` // "ntfy" or "webhook"
	URL     string            `yaml:"url"`
	Topic   string            `yaml:"topic,omitempty"`   // ntfy only
	Method  string            `yaml:"method,omitempty"`  // webhook only
	Headers map[string]string `yaml:"headers,omitempty"` // webhook only
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file. If no path is given, defaults
// plus environment overrides apply. If a path is given and the file does not
// exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.FlushInterval.Duration <= 0 {
		return fmt.Errorf("flush_interval must be > 0")
	}
	if c.SanityInterval.Duration <= 0 {
		return fmt.Errorf("sanity_interval must be > 0")
	}
	if c.AggregatorSource == "" {
		return fmt.Errorf("aggregator_source is required")
	}
	if c.EventRetention.Duration <= 0 {
		return fmt.Errorf("event_retention must be > 0")
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Listen:           ":3900",
		DataDir:          "/data/beacon",
		LogLevel:         "info",
		LogFormat:        "text",
		FlushInterval:    Duration{5 * time.Second},
		SanityInterval:   Duration{60 * time.Second},
		AggregatorSource: "aggregator",
		EventRetention:   Duration{30 * 24 * time.Hour},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BEACON_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BEACON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BEACON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BEACON_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("BEACON_AGGREGATOR_SOURCE"); v != "" {
		cfg.AggregatorSource = v
	}
	if v := os.Getenv("BEACON_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FlushInterval = Duration{d}
		}
	}
	if v := os.Getenv("BEACON_SANITY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SanityInterval = Duration{d}
		}
	}
	if v := os.Getenv("BEACON_EVENT_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventRetention = Duration{time.Duration(n) * time.Hour}
		}
	}

	// Single ntfy target from env vars (only if no YAML notifications configured).
	if len(cfg.Notifications) == 0 {
		if ntfyURL := os.Getenv("BEACON_NTFY_URL"); ntfyURL != "" {
			topic := os.Getenv("BEACON_NTFY_TOPIC")
			if topic == "" {
				topic = "beacon-alarms"
			}
			cfg.Notifications = append(cfg.Notifications, NotificationConfig{
				Type:  "ntfy",
				URL:   ntfyURL,
				Topic: topic,
			})
		}
	}
}
