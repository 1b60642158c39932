package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"credits-generator/internal/redisconn"
)

const defaultStoreTimeout = 2 * time.Second

// redisCounter is an httprate.LimitCounter whose per-window counts live in
// Redis, so every replica sees the same totals.
type redisCounter struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	window  time.Duration
}

func newRedisCounter(cfg redisconn.Config, prefix string) (*redisCounter, error) {
	client, err := redisconn.New(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &redisCounter{client: client, prefix: prefix, timeout: timeout, window: time.Minute}, nil
}

func (c *redisCounter) Config(_ int, windowLength time.Duration) {
	c.window = windowLength
}

func (c *redisCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *redisCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	windowKey := c.windowKey(key, currentWindow)
	if err := c.client.IncrBy(ctx, windowKey, int64(amount)).Err(); err != nil {
		return err
	}
	// The previous window is still read for the sliding estimate.
	ttl := 2 * c.window
	if ttl < time.Second {
		ttl = time.Second
	}
	return c.client.Expire(ctx, windowKey, ttl).Err()
}

func (c *redisCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	current, err := c.count(ctx, c.windowKey(key, currentWindow))
	if err != nil {
		return 0, 0, err
	}
	previous, err := c.count(ctx, c.windowKey(key, previousWindow))
	if err != nil {
		return 0, 0, err
	}
	return current, previous, nil
}

func (c *redisCounter) count(ctx context.Context, key string) (int, error) {
	value, err := c.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

func (c *redisCounter) windowKey(key string, window time.Time) string {
	return fmt.Sprintf("%s%s:%d", c.prefix, key, window.Unix())
}

func (c *redisCounter) Close() error {
	return c.client.Close()
}
