package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cfx-platform/cfx-router/internal/shared/redis"
)

// RedisStore shares windows across router processes. Both counters of a key
// carry the key id as a hash tag so they live in one cluster slot.
type RedisStore struct {
	client    *redis.Client
	dayTTL    time.Duration
	activeTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store. activeTTL bounds how long a crashed process
// can hold slots.
func NewRedisStore(client *redis.Client, activeTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		dayTTL:    48 * time.Hour,
		activeTTL: activeTTL,
	}
}

func dayKey(keyID, day string) string {
	return fmt.Sprintf("cfx:rl:{%s}:day:%s", keyID, day)
}

func activeKey(keyID string) string {
	return fmt.Sprintf("cfx:rl:{%s}:active", keyID)
}

func (s *RedisStore) Admit(ctx context.Context, keyID, day string, limits Limits) (bool, Reason, int, error) {
	res, err := s.client.AdmitWindow(ctx, dayKey(keyID, day), activeKey(keyID),
		limits.DailyRequests, limits.ConcurrentStreams, s.dayTTL, s.activeTTL)
	if err != nil {
		return false, "", 0, err
	}
	var reason Reason
	switch res.Outcome {
	case redis.WindowDailyFull:
		reason = ReasonDaily
	case redis.WindowStreamsFull:
		reason = ReasonConcurrent
	}
	return res.Admitted, reason, int(res.Used), nil
}

func (s *RedisStore) Release(ctx context.Context, keyID string) error {
	_, err := s.client.ReleaseWindow(ctx, activeKey(keyID))
	return err
}

func (s *RedisStore) Counts(ctx context.Context, keyID, day string) (int, int, error) {
	used, active, err := s.client.WindowCounts(ctx, dayKey(keyID, day), activeKey(keyID))
	return int(used), int(active), err
}

func (s *RedisStore) Reset(ctx context.Context, keyID, day string) error {
	return s.client.Del(ctx, dayKey(keyID, day))
}
