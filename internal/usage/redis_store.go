package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "usage:"

// incrementScript adjusts a key only when it already exists, clamps at zero
// and refreshes the TTL. Returns -1 when the key is absent.
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if v < 0 then
	redis.call("SET", KEYS[1], 0)
	v = 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return v
`)

// RedisStore shares usage entries between server processes. Expiry is left to
// Redis key TTLs and its maxmemory policy.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

func NewRedisClient(ctx context.Context, config RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, ttl time.Duration, keyPrefix string) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, ttl: ttl, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(ownerID string) string {
	return s.keyPrefix + ownerID
}

func (s *RedisStore) Get(ctx context.Context, ownerID string) (int64, bool, error) {
	n, err := s.client.Get(ctx, s.key(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read usage for %s: %w", ownerID, err)
	}
	return clamp(n), true, nil
}

func (s *RedisStore) Set(ctx context.Context, ownerID string, usedBytes int64) error {
	if err := s.client.Set(ctx, s.key(ownerID), clamp(usedBytes), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write usage for %s: %w", ownerID, err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, ownerID string, delta int64) error {
	err := incrementScript.Run(ctx, s.client, []string{s.key(ownerID)}, delta, s.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to increment usage for %s: %w", ownerID, err)
	}
	return nil
}

func (s *RedisStore) Evict(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, s.key(ownerID)).Err(); err != nil {
		return fmt.Errorf("failed to evict usage for %s: %w", ownerID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
