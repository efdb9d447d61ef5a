package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"llm-tunnel/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	blockedSetKey   = "llm_tunnel:blocked_addresses"
	customLimitsKey = "llm_tunnel:custom_limits"
)

// RedisStore implements domain.StateStore on Redis so enforcement state
// survives restarts and can be shared between gateway instances.
type RedisStore struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisStore connects to Redis and verifies the connection before
// returning the store.
func NewRedisStore(host, port, password string, db int, logger domain.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", map[string]interface{}{
		"host": host,
		"port": port,
		"db":   db,
	})

	return &RedisStore{
		client: rdb,
		logger: logger,
	}, nil
}

// BlockedAddresses returns every persistently blocked address.
func (r *RedisStore) BlockedAddresses(ctx context.Context) ([]string, error) {
	addresses, err := r.client.SMembers(ctx, blockedSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read blocked addresses: %w", err)
	}
	return addresses, nil
}

// SetBlocked records or clears the blocked flag for an address.
func (r *RedisStore) SetBlocked(ctx context.Context, address string, blocked bool) error {
	var err error
	if blocked {
		err = r.client.SAdd(ctx, blockedSetKey, address).Err()
	} else {
		err = r.client.SRem(ctx, blockedSetKey, address).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update blocked state for %s: %w", address, err)
	}
	return nil
}

// CustomLimits returns every pinned per-user configuration.
func (r *RedisStore) CustomLimits(ctx context.Context) (map[string]domain.RateLimitConfig, error) {
	raw, err := r.client.HGetAll(ctx, customLimitsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read custom limits: %w", err)
	}

	limits := make(map[string]domain.RateLimitConfig, len(raw))
	for userID, data := range raw {
		var cfg domain.RateLimitConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			r.logger.Warn("Skipping malformed custom limit entry", map[string]interface{}{
				"user_id": userID,
			})
			continue
		}
		limits[userID] = cfg
	}
	return limits, nil
}

// SetCustomLimit pins (or, with nil, clears) a per-user configuration.
func (r *RedisStore) SetCustomLimit(ctx context.Context, userID string, cfg *domain.RateLimitConfig) error {
	if cfg == nil {
		if err := r.client.HDel(ctx, customLimitsKey, userID).Err(); err != nil {
			return fmt.Errorf("failed to clear custom limit for %s: %w", userID, err)
		}
		return nil
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal custom limit for %s: %w", userID, err)
	}
	if err := r.client.HSet(ctx, customLimitsKey, userID, data).Err(); err != nil {
		return fmt.Errorf("failed to set custom limit for %s: %w", userID, err)
	}
	return nil
}

// Health pings Redis.
func (r *RedisStore) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying client when it owns one.
func (r *RedisStore) Close() error {
	if closer, ok := r.client.(*redis.Client); ok {
		return closer.Close()
	}
	return nil
}
