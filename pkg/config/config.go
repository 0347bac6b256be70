// Package config loads and validates the hub's configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sams-monitoring/realtime-hub/pkg/heartbeat"
	"github.com/sams-monitoring/realtime-hub/pkg/hub"
	"github.com/sams-monitoring/realtime-hub/pkg/ingest"
	"github.com/sams-monitoring/realtime-hub/pkg/monitoring"
	"github.com/sams-monitoring/realtime-hub/pkg/offline"
	"github.com/sams-monitoring/realtime-hub/pkg/storage"
)

// Config is the full configuration of the realtime-hubd process.
type Config struct {
	Hub       hub.Config               `yaml:"hub" mapstructure:"hub"`
	Heartbeat heartbeat.Config         `yaml:"heartbeat" mapstructure:"heartbeat"`
	Offline   offline.Config           `yaml:"offline" mapstructure:"offline"`
	Redis     RedisConfig              `yaml:"redis" mapstructure:"redis"`
	Kafka     ingest.Config            `yaml:"kafka" mapstructure:"kafka"`
	Audit     AuditConfig              `yaml:"audit" mapstructure:"audit"`
	Auth      AuthConfig               `yaml:"auth" mapstructure:"auth"`
	Logging   monitoring.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing   monitoring.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// RedisConfig selects and configures the Redis backend for the offline
// queue. When disabled the queue runs on the in-memory store.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// AuditConfig configures the SQLite audit store.
type AuditConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath   string        `yaml:"database_path" mapstructure:"database_path"`
	WriteQueueSize int           `yaml:"write_queue_size" mapstructure:"write_queue_size"`
	MaxOpenConns   int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns   int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLife    time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// StoreConfig converts the audit section to the storage package's config.
func (a AuditConfig) StoreConfig() *storage.Config {
	cfg := storage.DefaultConfig()
	if a.DatabasePath != "" {
		cfg.DatabasePath = a.DatabasePath
	}
	if a.WriteQueueSize > 0 {
		cfg.WriteQueueSize = a.WriteQueueSize
	}
	if a.MaxOpenConns > 0 {
		cfg.MaxOpenConns = a.MaxOpenConns
	}
	if a.MaxIdleConns > 0 {
		cfg.MaxIdleConns = a.MaxIdleConns
	}
	if a.ConnMaxLife > 0 {
		cfg.ConnMaxLifetime = a.ConnMaxLife
	}
	return cfg
}

// TokenIdentity is the identity a static auth token resolves to.
type TokenIdentity struct {
	UserID   string `yaml:"user_id" mapstructure:"user_id"`
	OrgID    string `yaml:"org_id" mapstructure:"org_id"`
	DeviceID string `yaml:"device_id" mapstructure:"device_id"`
}

// AuthConfig configures the built-in static token authenticator.
type AuthConfig struct {
	Tokens map[string]TokenIdentity `yaml:"tokens" mapstructure:"tokens"`
}

// DefaultConfig returns the default process configuration.
func DefaultConfig() *Config {
	return &Config{
		Hub:       hub.DefaultConfig(),
		Heartbeat: heartbeat.DefaultConfig(),
		Offline:   offline.DefaultConfig(),
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "offline",
		},
		Kafka: ingest.DefaultConfig(),
		Audit: AuditConfig{
			Enabled:      false,
			DatabasePath: "realtime_hub.db",
		},
		Auth:    AuthConfig{Tokens: map[string]TokenIdentity{}},
		Logging: monitoring.DefaultLoggingConfig(),
		Tracing: monitoring.DefaultTracingConfig(),
	}
}

// LoadConfig reads configuration from the given path, or searches the
// usual locations when the path is empty. Environment variables prefixed
// with REALTIME_HUB override file values.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("realtime-hubd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/realtime-hub")
		v.AddConfigPath("/etc/realtime-hub")
	}

	v.SetEnvPrefix("REALTIME_HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults apply.
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig writes the configuration as YAML.
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat: interval must be positive")
	}
	if c.Heartbeat.Timeout < 0 {
		return fmt.Errorf("heartbeat: timeout cannot be negative")
	}
	if c.Offline.TTL < 0 {
		return fmt.Errorf("offline: ttl cannot be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr cannot be empty when enabled")
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if c.Audit.Enabled && c.Audit.DatabasePath == "" {
		return fmt.Errorf("audit: database_path cannot be empty when enabled")
	}
	for token, id := range c.Auth.Tokens {
		if id.UserID == "" || id.OrgID == "" || id.DeviceID == "" {
			return fmt.Errorf("auth: token %q must bind user_id, org_id and device_id", token)
		}
	}
	return nil
}
