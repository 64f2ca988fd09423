package main

import (
	"errors"
	"os"
	"time"

	"github.com/flashbots/mev-share-client/hintstream"
	"github.com/flashbots/mev-share-client/inclusion"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables that are too many for flags. Fields missing from the file keep their defaults.
type Config struct {
	Inclusion inclusion.Config  `yaml:"inclusion"`
	Stream    hintstream.Config `yaml:"stream"`

	// HeadCacheTTL and BlockCacheTTL configure the chain reader cache shared by all resolution workers
	HeadCacheTTL  time.Duration `yaml:"head_cache_ttl"`
	BlockCacheTTL time.Duration `yaml:"block_cache_ttl"`
	// OutcomeCacheTTL is how long resolved outcomes and resolution progress are kept in redis
	OutcomeCacheTTL time.Duration `yaml:"outcome_cache_ttl"`
	// StaleGrace is how many blocks after the window end a queued submission is still resolved
	StaleGrace uint64 `yaml:"stale_grace"`
}

func DefaultConfig() Config {
	return Config{
		Inclusion:       inclusion.DefaultConfig,
		Stream:          hintstream.DefaultConfig,
		HeadCacheTTL:    time.Second,
		BlockCacheTTL:   10 * time.Minute,
		OutcomeCacheTTL: 24 * time.Hour,
		StaleGrace:      inclusion.DefaultStaleGrace,
	}
}

// LoadConfig reads the config file, a missing file gives the default config.
func LoadConfig(file string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return config, err
	}

	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return config, err
	}
	if err := config.Inclusion.Validate(); err != nil {
		return config, err
	}
	if err := config.Stream.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
