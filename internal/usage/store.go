package usage

import (
	"context"
	"fmt"
	"time"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10000
)

type Config struct {
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Store holds owner -> used bytes. A value reported by Get is never older than
// the store's TTL and never negative.
type Store interface {
	Get(ctx context.Context, ownerID string) (int64, bool, error)
	Set(ctx context.Context, ownerID string, usedBytes int64) error
	// Increment adjusts a present entry. Absent or expired entries are left
	// absent so the next read goes to the source of truth.
	Increment(ctx context.Context, ownerID string, delta int64) error
	Evict(ctx context.Context, ownerID string) error
}

// Aggregator is the source of truth for an owner's usage.
type Aggregator interface {
	AggregateUsage(ctx context.Context, ownerID string) (int64, error)
}

var timeNowFunc = time.Now

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// NewStore builds the Store selected by config.Backend.
func NewStore(ctx context.Context, config Config, redisConfig RedisConfig) (Store, error) {
	switch config.Backend {
	case "", BackendMemory:
		return NewMemoryStore(config.TTL, config.MaxEntries), nil
	case BackendRedis:
		client, err := NewRedisClient(ctx, redisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, config.TTL, redisConfig.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", config.Backend)
	}
}
