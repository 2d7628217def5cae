// Package ratelimit tracks per-key daily request quotas and in-flight
// stream caps.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cfx-platform/cfx-router/internal/shared/metrics"
)

// Reason identifies which limit rejected a request
type Reason string

const (
	ReasonDaily      Reason = "daily_requests"
	ReasonConcurrent Reason = "concurrent_streams"
)

// Limits are the plan values enforced for one key
type Limits struct {
	DailyRequests     int
	ConcurrentStreams int
}

// Status is what callers are told about their quota
type Status struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Active    int
}

// Store performs the counter operations. Admit must check and increment
// both counters as one indivisible step and must not increment anything
// when it rejects.
type Store interface {
	Admit(ctx context.Context, keyID, day string, limits Limits) (admitted bool, reason Reason, used int, err error)
	Release(ctx context.Context, keyID string) error
	Counts(ctx context.Context, keyID, day string) (used, active int, err error)
	Reset(ctx context.Context, keyID, day string) error
}

// Decision is the result of Admit. An admitted decision holds a
// concurrency slot until Release is called.
type Decision struct {
	Admitted bool
	Reason   Reason
	Status   Status

	release func()
	once    sync.Once
}

// Release frees the concurrency slot. It is safe to call any number of
// times and on rejected decisions.
func (d *Decision) Release() {
	if d == nil || d.release == nil {
		return
	}
	d.once.Do(d.release)
}

// Limiter enforces Limits against a Store
type Limiter struct {
	store          Store
	now            func() time.Time
	metrics        *metrics.Metrics
	releaseTimeout time.Duration
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records rejections and store errors
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter over store
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:          store,
		now:            time.Now,
		releaseTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DayKey is the UTC calendar day a timestamp falls in
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// NextReset is the next UTC midnight after t
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Admit checks the daily quota, then the stream cap, and takes a slot when
// both pass. Store failures admit the request without accounting.
func (l *Limiter) Admit(ctx context.Context, keyID string, limits Limits) *Decision {
	now := l.now()
	day := DayKey(now)
	status := Status{Limit: limits.DailyRequests, ResetAt: NextReset(now)}

	admitted, reason, used, err := l.store.Admit(ctx, keyID, day, limits)
	if err != nil {
		log.Warn().Err(err).Str("api_key_id", keyID).Msg("rate limiter store unavailable, admitting request")
		l.metrics.LimiterStoreError()
		status.Remaining = limits.DailyRequests
		return &Decision{Admitted: true, Status: status}
	}

	status.Remaining = max(limits.DailyRequests-used, 0)
	if !admitted {
		if reason == ReasonDaily {
			status.Remaining = 0
		}
		l.metrics.RateLimitRejected(string(reason))
		return &Decision{Reason: reason, Status: status}
	}

	return &Decision{
		Admitted: true,
		Status:   status,
		release: func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
			defer cancel()
			if err := l.store.Release(rctx, keyID); err != nil {
				log.Error().Err(err).Str("api_key_id", keyID).Msg("failed to release concurrency slot")
			}
		},
	}
}

// Status reads the current quota without consuming it
func (l *Limiter) Status(ctx context.Context, keyID string, limits Limits) (Status, error) {
	now := l.now()
	used, active, err := l.store.Counts(ctx, keyID, DayKey(now))
	if err != nil {
		return Status{}, err
	}
	return Status{
		Limit:     limits.DailyRequests,
		Remaining: max(limits.DailyRequests-used, 0),
		ResetAt:   NextReset(now),
		Active:    active,
	}, nil
}

// Reset clears today's request count for a key
func (l *Limiter) Reset(ctx context.Context, keyID string) error {
	return l.store.Reset(ctx, keyID, DayKey(l.now()))
}
