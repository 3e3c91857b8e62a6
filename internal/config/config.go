// Package config stores the client replica's settings as JSON under the
// user config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RealtimeConfig holds client-side event stream settings.
type RealtimeConfig struct {
	Enabled              *bool  `json:"enabled,omitempty"` // nil = default true
	Endpoint             string `json:"endpoint,omitempty"`
	ReconnectInterval    string `json:"reconnect_interval,omitempty"`     // duration string, default "1s"
	MaxReconnectInterval string `json:"max_reconnect_interval,omitempty"` // duration string, default "30s"
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"` // default 10
	HeartbeatTimeout     string `json:"heartbeat_timeout,omitempty"`      // duration string, default "60s"
}

// Config is the replica config stored at <dir>/config.json.
type Config struct {
	ServerURL          string         `json:"server_url"`
	APIKey             string         `json:"api_key,omitempty"`
	DBPath             string         `json:"db_path,omitempty"`
	SyncIntervalMS     *int64         `json:"sync_interval_ms,omitempty"` // nil = default 30000; 0 = sync per mutation; <0 = manual only
	BatchSize          int            `json:"batch_size,omitempty"`
	ConflictResolution string         `json:"conflict_resolution,omitempty"`
	MaxRetries         int            `json:"max_retries,omitempty"`
	RetryDelay         string         `json:"retry_delay,omitempty"` // duration string, default "1s"
	Tables             []string       `json:"tables,omitempty"`
	Realtime           RealtimeConfig `json:"realtime"`
}

const defaultServerURL = "http://localhost:8080"

// Dir returns the config directory, creating it if necessary. The
// DRIFTSYNC_CONFIG_DIR environment variable overrides the default
// ~/.config/driftsync.
func Dir() (string, error) {
	if v := os.Getenv("DRIFTSYNC_CONFIG_DIR"); v != "" {
		if err := os.MkdirAll(v, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "driftsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the config from <dir>/config.json. A missing file yields
// defaults, not an error.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{ServerURL: defaultServerURL}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaultServerURL
	}
	return &cfg, nil
}

// Save writes the config atomically: the file is fully written to a
// temp path then renamed into place.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ServerURL returns the sync server URL.
// Priority: DRIFTSYNC_URL env > config.json > default.
func ServerURL() string {
	if v := os.Getenv("DRIFTSYNC_URL"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return defaultServerURL
}

// APIKey returns the API key.
// Priority: DRIFTSYNC_KEY env > config.json.
func APIKey() string {
	if v := os.Getenv("DRIFTSYNC_KEY"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil {
		return cfg.APIKey
	}
	return ""
}

// DBPath returns the replica database path, defaulting to
// <dir>/replica.db.
func (c *Config) DatabasePath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "replica.db"), nil
}

// SyncInterval returns the engine sync interval.
func (c *Config) SyncInterval() time.Duration {
	if c.SyncIntervalMS == nil {
		return 30 * time.Second
	}
	return time.Duration(*c.SyncIntervalMS) * time.Millisecond
}

// RetryDelayDuration parses the retry delay, defaulting to one second.
func (c *Config) RetryDelayDuration() time.Duration {
	if d, err := time.ParseDuration(c.RetryDelay); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// RealtimeEnabled reports whether the event stream should be used.
func (c *Config) RealtimeEnabled() bool {
	if c.Realtime.Enabled != nil {
		return *c.Realtime.Enabled
	}
	return true
}

// RealtimeEndpoint returns the event stream URL, derived from the
// server URL when not set explicitly.
func (c *Config) RealtimeEndpoint() string {
	if c.Realtime.Endpoint != "" {
		return c.Realtime.Endpoint
	}
	return c.ServerURL + "/v1/events"
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// ReconnectInterval returns the initial stream reconnect delay.
func (c *Config) ReconnectInterval() time.Duration {
	return parseDurationOr(c.Realtime.ReconnectInterval, time.Second)
}

// MaxReconnectInterval returns the reconnect delay cap.
func (c *Config) MaxReconnectInterval() time.Duration {
	return parseDurationOr(c.Realtime.MaxReconnectInterval, 30*time.Second)
}

// HeartbeatTimeout returns the stream liveness watchdog timeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	return parseDurationOr(c.Realtime.HeartbeatTimeout, 60*time.Second)
}
