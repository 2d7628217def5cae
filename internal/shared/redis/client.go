package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(c *redis.Client) *Client {
	return &Client{client: c}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Window admission outcomes returned by AdmitWindow
const (
	WindowAdmitted    = 0
	WindowDailyFull   = 1
	WindowStreamsFull = 2
)

// KEYS[1] daily counter, KEYS[2] in-flight counter
// ARGV[1] daily limit, ARGV[2] stream limit, ARGV[3] daily ttl s, ARGV[4] in-flight ttl s
var admitScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used >= tonumber(ARGV[1]) then
  return {0, used, 1}
end
local active = tonumber(redis.call('GET', KEYS[2]) or '0')
if active >= tonumber(ARGV[2]) then
  return {0, used, 2}
end
used = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1, used, 0}
`)

// KEYS[1] in-flight counter; never decrements below zero
var releaseScript = redis.NewScript(`
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
if active <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// WindowResult is the outcome of one AdmitWindow call
type WindowResult struct {
	Admitted bool
	Used     int64
	Outcome  int64
}

// AdmitWindow checks the daily and in-flight counters and, when both are
// under their limits, increments both in one atomic step.
func (c *Client) AdmitWindow(ctx context.Context, dayKey, activeKey string, dailyLimit, streamLimit int, dayTTL, activeTTL time.Duration) (WindowResult, error) {
	res, err := admitScript.Run(ctx, c.client, []string{dayKey, activeKey},
		dailyLimit, streamLimit, int64(dayTTL.Seconds()), int64(activeTTL.Seconds())).Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("admit window: %w", err)
	}
	if len(res) != 3 {
		return WindowResult{}, fmt.Errorf("admit window: unexpected reply %v", res)
	}
	admitted, _ := res[0].(int64)
	used, _ := res[1].(int64)
	outcome, _ := res[2].(int64)
	return WindowResult{Admitted: admitted == 1, Used: used, Outcome: outcome}, nil
}

// ReleaseWindow decrements the in-flight counter, flooring at zero
func (c *Client) ReleaseWindow(ctx context.Context, activeKey string) (int64, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{activeKey}).Int64()
	if err != nil {
		return 0, fmt.Errorf("release window: %w", err)
	}
	return n, nil
}

// WindowCounts reads both counters without modifying them
func (c *Client) WindowCounts(ctx context.Context, dayKey, activeKey string) (used, active int64, err error) {
	vals, err := c.client.MGet(ctx, dayKey, activeKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("window counts: %w", err)
	}
	return parseCount(vals[0]), parseCount(vals[1]), nil
}

func parseCount(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0
	}
	return n
}
