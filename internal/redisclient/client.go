package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"checkout-service/config"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb            *redis.Client
	releaseScript  *redis.Script
	idempotencyTTL time.Duration
	deliveryTTL    time.Duration
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(rdb, cfg), nil
}

// New wraps an existing Redis client
func New(rdb *redis.Client, cfg config.RedisConfig) *Client {
	return &Client{
		rdb:            rdb,
		releaseScript:  redis.NewScript(releaseLockScript),
		idempotencyTTL: cfg.IdempotencyTTL,
		deliveryTTL:    cfg.DeliveryTTL,
	}
}

// Ping checks the connection, used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetCheckoutResult returns the stored result for an idempotency key, or nil on a miss
func (c *Client) GetCheckoutResult(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return data, nil
}

// SaveCheckoutResult stores the result of a checkout submission under its idempotency key
func (c *Client) SaveCheckoutResult(ctx context.Context, key string, data []byte) error {
	return c.rdb.Set(ctx, idempotencyKey(key), data, c.idempotencyTTL).Err()
}

// AcquireLock acquires a distributed lock owned by token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
}

// ReleaseLock deletes the lock only while token still owns it. It reports
// false when the lock expired or passed to another holder.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n > 0, nil
}

// IsDeliveryProcessed reports whether a provider delivery was already applied
func (c *Client) IsDeliveryProcessed(ctx context.Context, provider, deliveryID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, deliveryKey(provider, deliveryID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDeliveryProcessed records an applied delivery so replays short-circuit
func (c *Client) MarkDeliveryProcessed(ctx context.Context, provider, deliveryID string) error {
	return c.rdb.Set(ctx, deliveryKey(provider, deliveryID), time.Now().Unix(), c.deliveryTTL).Err()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:checkout:%s", key)
}

func lockName(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func deliveryKey(provider, deliveryID string) string {
	return fmt.Sprintf("webhook:%s:%s", provider, deliveryID)
}
