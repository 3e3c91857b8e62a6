package api

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Values come from a YAML file
// when one is given, then environment variables override.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DBPath          string        `yaml:"db_path"`
	SchemaPath      string        `yaml:"schema_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogFormat       string        `yaml:"log_format"` // "json" (default) or "text"
	LogLevel        string        `yaml:"log_level"`  // "debug", "info" (default), "warn", "error"
	MaxPushBatch    int           `yaml:"max_push_batch"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	Realtime RealtimeConfig `yaml:"realtime"`
}

// RealtimeConfig configures the SSE event stream.
type RealtimeConfig struct {
	Enabled               bool          `yaml:"enabled"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	MaxConnectionsPerUser int           `yaml:"max_connections_per_user"`
	AllowedTables         []string      `yaml:"allowed_tables"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/driftsync.db",
		SchemaPath:      "./schema.yaml",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxPushBatch:    1000,
		MaxBodyBytes:    10 << 20,
		Realtime: RealtimeConfig{
			Enabled:               true,
			HeartbeatInterval:     30 * time.Second,
			ConnectionTimeout:     5 * time.Minute,
			MaxConnectionsPerUser: 10,
		},
	}
}

// LoadConfig reads configuration from an optional YAML file then
// applies environment variable overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("DRIFTSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DRIFTSYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DRIFTSYNC_SCHEMA_PATH"); v != "" {
		cfg.SchemaPath = v
	}
	if v := os.Getenv("DRIFTSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("DRIFTSYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("DRIFTSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRIFTSYNC_MAX_PUSH_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPushBatch = n
		}
	}
	if v := os.Getenv("DRIFTSYNC_REALTIME"); v == "false" || v == "0" {
		cfg.Realtime.Enabled = false
	}

	return cfg, nil
}
