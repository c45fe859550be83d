// Package redis backs the status reporter's poll de-dupe cache (internal/
// workers.StatusCache): skip republishing a tracked namespace's status when
// an identical digest was already cached within the last poll interval.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the Redis connection used by the cache.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a go-redis connection, exposing only the get/set-with-TTL
// surface the status reporter's de-dupe cache needs.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient dials Redis and verifies the connection with a bounded ping.
func NewClient(cfg Options, logger *zap.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(errs.ErrConnectionPool, err)
	}

	logger.Info("connected to status cache", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return &Client{client: client, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}

// SetWithTTL caches value under key, expiring after ttl.
func (c *Client) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the cached value for key, or errs.ErrNotFound on a cache miss.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errs.ErrNotFound
	}
	return val, err
}
