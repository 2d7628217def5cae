// Package cache keeps authenticated principals in Redis so the hot path
// skips the key and plan lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/redis"
)

// ErrMiss is returned by Get when nothing is cached for a key hash
var ErrMiss = errors.New("cache miss")

type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a new cache instance
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

// principalKey is addressed by the key hash; the raw key never reaches Redis
func principalKey(keyHash string) string {
	return "cfx:key:" + keyHash
}

// Get retrieves a cached principal
func (c *Cache) Get(ctx context.Context, keyHash string) (*models.Principal, error) {
	val, err := c.redis.Get(ctx, principalKey(keyHash))
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var p models.Principal
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached principal: %w", err)
	}
	return &p, nil
}

// Set stores a principal for the configured TTL
func (c *Cache) Set(ctx context.Context, keyHash string, p *models.Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to serialize principal: %w", err)
	}
	return c.redis.Set(ctx, principalKey(keyHash), string(data), c.ttl)
}

// Delete evicts a principal, used when its key is revoked
func (c *Cache) Delete(ctx context.Context, keyHash string) error {
	return c.redis.Del(ctx, principalKey(keyHash))
}
