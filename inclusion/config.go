package inclusion

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("invalid inclusion config")

type Config struct {
	// PollInterval is how often the head is polled when the chain reader can't push new heads
	PollInterval time.Duration `yaml:"poll_interval"`
	// StallCeiling is the number of blocks to scan for a submission without a max block before giving up
	StallCeiling uint64 `yaml:"stall_ceiling"`
	// RetryInitialInterval and RetryMaxRetries bound the backoff of failed chain reads
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxRetries      uint64        `yaml:"retry_max_retries"`
	// MaxBlocksPerStep limits how many blocks a single Advance call scans, 0 means no limit
	MaxBlocksPerStep uint64 `yaml:"max_blocks_per_step"`
	// MaxLookback is how far behind the head a scan may start for submissions made in the past
	MaxLookback uint64 `yaml:"max_lookback"`
}

var DefaultConfig = Config{
	PollInterval:         2 * time.Second,
	StallCeiling:         7200,
	RetryInitialInterval: 500 * time.Millisecond,
	RetryMaxRetries:      8,
	MaxBlocksPerStep:     64,
	MaxLookback:          256,
}

func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("poll_interval must be positive")) //nolint:goerr113
	}
	if c.StallCeiling == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("stall_ceiling must be positive")) //nolint:goerr113
	}
	if c.RetryInitialInterval <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("retry_initial_interval must be positive")) //nolint:goerr113
	}
	return nil
}
