package client

import (
	"fmt"
	"time"
)

const (
	DefaultChunkSize      = 5 << 20
	DefaultConcurrency    = 3
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

type Config struct {
	ServerURL       string        `mapstructure:"server_url"`
	ChunkSize       int64         `mapstructure:"chunk_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	DirectThreshold int64         `mapstructure:"direct_threshold"`
}

// withDefaults fills unset fields. DirectThreshold defaults to ChunkSize so
// files that would be a single chunk skip the chunked protocol.
func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.DirectThreshold <= 0 {
		c.DirectThreshold = c.ChunkSize
	}
	return c
}

func (c Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must not be negative")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	return nil
}
