package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	CacheTTL  time.Duration `mapstructure:"ttl"`
}

// DefaultRedisKeyPrefix namespaces entries when RedisConfig.KeyPrefix is empty.
const DefaultRedisKeyPrefix = "aws-log-parser:"

// RedisStore shares entries between hosts through Redis. Expiry is delegated
// to Redis key TTLs, so ClearExpired has nothing left to sweep.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		ttl:         ttl,
		prefix:      prefix,
	}, nil
}

func (c *RedisStore) redisKey(key Key) string {
	return c.prefix + string(key)
}

// Get implements Store. A redis.Nil reply is a normal miss; any other Redis
// error is returned.
func (c *RedisStore) Get(ctx context.Context, key Key, out any) (bool, error) {
	data, err := c.redisClient.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.logger.Debug().Str("key", key.String()).Msg("Redis cache miss.")
			return false, nil
		}
		c.logger.Error().Err(err).Msg("Unexpected Redis error during fetch.")
		return false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}

	if err := Decode(data, out); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Str("reason", decodeReason(err)).Msg("Discarding undecodable cache entry.")
		return false, nil
	}

	c.logger.Debug().Str("key", key.String()).Msg("Redis cache hit.")
	return true, nil
}

// Set implements Store with the configured TTL.
func (c *RedisStore) Set(ctx context.Context, key Key, value any) error {
	data, err := Encode(value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to encode data for caching.")
		return err
	}

	if err := c.redisClient.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to set data in Redis cache.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	c.logger.Debug().Str("key", key.String()).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Delete implements Store.
func (c *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := c.redisClient.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

// Clear implements Store by deleting every key under the configured prefix.
func (c *RedisStore) Clear(ctx context.Context) error {
	iter := c.redisClient.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var batch []string
	deleted := 0
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.redisClient.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear redis cache: %w", err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.redisClient.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear redis cache: %w", err)
		}
		deleted += len(batch)
	}

	c.logger.Info().Int("deleted", deleted).Msg("Cleared Redis cache.")
	return nil
}

// ClearExpired implements Store. Redis drops expired keys itself.
func (c *RedisStore) ClearExpired(_ context.Context) (int, error) {
	return 0, nil
}

// Close closes the Redis client connection.
func (c *RedisStore) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
