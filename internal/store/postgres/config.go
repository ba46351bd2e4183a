package postgres

import (
	"fmt"
)

// Config holds store configuration layered on top of the connection pool.
type Config struct {
	Pool PoolConfig

	// AutoMigrate applies embedded migrations on Open.
	AutoMigrate bool

	// MonitorIntervalSeconds is how often pool statistics are logged.
	// Default: 30 seconds
	MonitorIntervalSeconds int32
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if c.MonitorIntervalSeconds < 0 {
		return fmt.Errorf("monitor interval must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	c.Pool.ApplyDefaults()
	if c.MonitorIntervalSeconds == 0 {
		c.MonitorIntervalSeconds = 30
	}
}
