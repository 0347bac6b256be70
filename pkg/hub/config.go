package hub

import (
	"fmt"
	"time"
)

// Config holds the websocket hub's server settings.
type Config struct {
	Address           string        `json:"address" yaml:"address" mapstructure:"address"`
	Port              int           `json:"port" yaml:"port" mapstructure:"port"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize    int64         `json:"max_message_size" yaml:"max_message_size" mapstructure:"max_message_size"`
	OutboundQueueSize int           `json:"outbound_queue_size" yaml:"outbound_queue_size" mapstructure:"outbound_queue_size"`
	OriginCheck       bool          `json:"origin_check" yaml:"origin_check" mapstructure:"origin_check"`
	AllowedOrigins    []string      `json:"allowed_origins" yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{
		Address:           "0.0.0.0",
		Port:              8080,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		OutboundQueueSize: 256,
		OriginCheck:       false,
		AllowedOrigins:    []string{"*"},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound_queue_size must be positive")
	}
	if c.OriginCheck && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("origin_check enabled but no allowed_origins configured")
	}
	return nil
}
