package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// RedisStore shares cooldown records between processes. Each record is a key
// whose TTL is the cooldown itself.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "imgrelay:cooldown:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "cooldown_redis")),
	}
}

// DialRedis builds a client from cfg and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (s *RedisStore) Acquire(ctx context.Context, userID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	key := s.prefix + userID
	stamp := strconv.FormatInt(now.UnixMilli(), 10)

	// One retry covers the key expiring between SET NX and PTTL.
	for range 2 {
		ok, err := s.client.SetNX(ctx, key, stamp, cooldown).Result()
		if err != nil {
			return false, 0, fmt.Errorf("cooldown set: %w", err)
		}
		if ok {
			return true, 0, nil
		}

		ttl, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return false, 0, fmt.Errorf("cooldown ttl: %w", err)
		}
		switch {
		case ttl > 0:
			return false, ttl, nil
		case ttl == -1:
			// A record without expiry can never elapse; replace it.
			s.logger.Warn("cooldown key had no ttl", zap.String("key", key))
			if err := s.client.Set(ctx, key, stamp, cooldown).Err(); err != nil {
				return false, 0, fmt.Errorf("cooldown reset: %w", err)
			}
			return true, 0, nil
		}
	}
	return false, 0, fmt.Errorf("cooldown key %s kept expiring", key)
}
