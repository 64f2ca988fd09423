package hintstream

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid hint stream config")

type Config struct {
	// BufferSize is the number of undelivered hints kept for a slow consumer, the oldest are dropped beyond it
	BufferSize int `yaml:"buffer_size"`
	// InitialInterval and MaxInterval bound the reconnect backoff
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxRetries is the number of consecutive failed connection attempts before the stream fails, 0 means no limit
	MaxRetries uint64 `yaml:"max_retries"`
	// MaxDowntime is how long the stream may stay disconnected before it fails, 0 means no limit
	MaxDowntime time.Duration `yaml:"max_downtime"`
	// IdleTimeout drops a connection that has not sent anything, keep-alives included, 0 disables it
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// DuplicateWindow is the number of recent hint hashes remembered to detect duplicates
	DuplicateWindow int `yaml:"duplicate_window"`
}

var DefaultConfig = Config{
	BufferSize:      256,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxRetries:      0,
	MaxDowntime:     5 * time.Minute,
	IdleTimeout:     time.Minute,
	DuplicateWindow: 4096,
}

// Validate fills unset fields with defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultConfig.BufferSize
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = DefaultConfig.InitialInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultConfig.MaxInterval
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = DefaultConfig.DuplicateWindow
	}
	switch {
	case c.BufferSize < 0:
		return fmt.Errorf("%w: negative buffer size", ErrInvalidConfig)
	case c.DuplicateWindow < 0:
		return fmt.Errorf("%w: negative duplicate window", ErrInvalidConfig)
	case c.InitialInterval < 0, c.MaxInterval < 0, c.MaxDowntime < 0, c.IdleTimeout < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	case c.MaxInterval < c.InitialInterval:
		return fmt.Errorf("%w: max interval is less than initial interval", ErrInvalidConfig)
	}
	return nil
}
