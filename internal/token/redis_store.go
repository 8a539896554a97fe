package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zerratar/RavenNest-sub002/internal/config"
	"github.com/zerratar/RavenNest-sub002/internal/retry"
)

// RedisStore validates session tokens against the Redis keyspace the external
// issuer writes them to. The raw token presented by a client is the key
// suffix; the value is the JSON-encoded SessionToken.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	retryCfg retry.Config
}

// NewRedisStore creates a Redis-backed token validator.
func NewRedisStore(cfg *config.RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &RedisStore{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		retryCfg: retry.Config{
			MaxAttempts: cfg.MaxRetries,
			Delay:       cfg.RetryDelay,
		},
	}
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Validate looks up the raw token and applies the validity rules. Transient
// Redis failures are retried; a missing key is not.
func (s *RedisStore) Validate(ctx context.Context, raw string) (*SessionToken, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	var data string
	err := retry.Do(ctx, s.retryCfg, func() error {
		var err error
		data, err = s.rdb.Get(ctx, s.prefix+raw).Result()
		if errors.Is(err, redis.Nil) {
			// Unknown token, do not retry.
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if data == "" {
		return nil, ErrTokenNotFound
	}

	var tok SessionToken
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return nil, fmt.Errorf("%w: malformed token record", ErrTokenInvalid)
	}
	return check(&tok)
}

var _ Validator = (*RedisStore)(nil)
