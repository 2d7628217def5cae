package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfx-platform/cfx-router/internal/shared/metrics"
	"github.com/cfx-platform/cfx-router/internal/shared/redis"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func stores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, time.Minute),
	}
}

func TestParallelAdmitsNeverExceedDailyLimit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := New(store)
			limits := Limits{DailyRequests: 50, ConcurrentStreams: 1000}

			var admitted, rejected atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < limits.DailyRequests+5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d := l.Admit(context.Background(), "key-1", limits)
					if d.Admitted {
						admitted.Add(1)
						d.Release()
						return
					}
					assert.Equal(t, ReasonDaily, d.Reason)
					rejected.Add(1)
				}()
			}
			wg.Wait()

			require.EqualValues(t, 50, admitted.Load())
			require.EqualValues(t, 5, rejected.Load())
		})
	}
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := New(store)
			limits := Limits{DailyRequests: 10000, ConcurrentStreams: 3}

			var inFlight, peak atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d := l.Admit(context.Background(), "key-1", limits)
					if !d.Admitted {
						assert.Equal(t, ReasonConcurrent, d.Reason)
						return
					}
					n := inFlight.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					inFlight.Add(-1)
					d.Release()
				}()
			}
			wg.Wait()

			require.LessOrEqual(t, peak.Load(), int32(3))
			st, err := l.Status(context.Background(), "key-1", limits)
			require.NoError(t, err)
			require.Equal(t, 0, st.Active)
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(store)
			limits := Limits{DailyRequests: 10, ConcurrentStreams: 2}

			first := l.Admit(ctx, "key-1", limits)
			second := l.Admit(ctx, "key-1", limits)
			require.True(t, first.Admitted)
			require.True(t, second.Admitted)

			first.Release()
			first.Release()
			st, err := l.Status(ctx, "key-1", limits)
			require.NoError(t, err)
			require.Equal(t, 1, st.Active)

			second.Release()
			second.Release()
			st, err = l.Status(ctx, "key-1", limits)
			require.NoError(t, err)
			require.Equal(t, 0, st.Active)

			// the raw store floors at zero as well
			require.NoError(t, store.Release(ctx, "key-1"))
			_, active, err := store.Counts(ctx, "key-1", DayKey(time.Now()))
			require.NoError(t, err)
			require.Equal(t, 0, active)
		})
	}
}

func TestDailyLimitRejectionReportsReset(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{now: time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)}
			l := New(store, WithClock(c.Now))
			limits := Limits{DailyRequests: 100, ConcurrentStreams: 1}

			for i := 0; i < 100; i++ {
				d := l.Admit(ctx, "key-1", limits)
				require.True(t, d.Admitted, "request %d", i+1)
				require.Equal(t, 100-(i+1), d.Status.Remaining)
				d.Release()
			}

			d := l.Admit(ctx, "key-1", limits)
			require.False(t, d.Admitted)
			require.Equal(t, ReasonDaily, d.Reason)
			require.Equal(t, 0, d.Status.Remaining)
			require.Equal(t, 100, d.Status.Limit)
			require.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), d.Status.ResetAt)
			d.Release() // no-op on rejected decisions

			// the window resets lazily on the first request of the next day
			c.Set(time.Date(2026, 5, 5, 0, 0, 1, 0, time.UTC))
			d = l.Admit(ctx, "key-1", limits)
			require.True(t, d.Admitted)
			require.Equal(t, 99, d.Status.Remaining)
		})
	}
}

func TestDailyCheckedBeforeConcurrency(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(store)
			limits := Limits{DailyRequests: 1, ConcurrentStreams: 1}

			held := l.Admit(ctx, "key-1", limits)
			require.True(t, held.Admitted)

			// both limits are exhausted; the daily one is reported
			d := l.Admit(ctx, "key-1", limits)
			require.Equal(t, ReasonDaily, d.Reason)
			held.Release()
		})
	}
}

func TestConcurrencyRejectionDoesNotConsumeQuota(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(store)
			limits := Limits{DailyRequests: 5, ConcurrentStreams: 1}

			held := l.Admit(ctx, "key-1", limits)
			require.True(t, held.Admitted)
			for i := 0; i < 3; i++ {
				d := l.Admit(ctx, "key-1", limits)
				require.Equal(t, ReasonConcurrent, d.Reason)
				require.Equal(t, 4, d.Status.Remaining)
			}
			held.Release()

			st, err := l.Status(ctx, "key-1", limits)
			require.NoError(t, err)
			require.Equal(t, 4, st.Remaining)

			require.NoError(t, l.Reset(ctx, "key-1"))
			st, err = l.Status(ctx, "key-1", limits)
			require.NoError(t, err)
			require.Equal(t, 5, st.Remaining)
		})
	}
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Admit(context.Context, string, string, Limits) (bool, Reason, int, error) {
	return false, "", 0, errors.New("connection refused")
}

func TestStoreErrorFailsOpen(t *testing.T) {
	m := metrics.New()
	l := New(brokenStore{NewMemoryStore()}, WithMetrics(m))

	d := l.Admit(context.Background(), "key-1", Limits{DailyRequests: 10, ConcurrentStreams: 1})
	require.True(t, d.Admitted)
	require.Equal(t, 10, d.Status.Remaining)
	d.Release()
	require.Equal(t, 1.0, testutil.ToFloat64(m.LimiterErrors))
}

func TestMemoryStoreDropsIdleWindowsFromEarlierDays(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	l := New(store, WithClock(c.Now))
	limits := Limits{DailyRequests: 10, ConcurrentStreams: 2}

	idle := l.Admit(ctx, "idle", limits)
	busy := l.Admit(ctx, "busy", limits)
	require.True(t, idle.Admitted)
	require.True(t, busy.Admitted)
	idle.Release()
	require.Equal(t, 2, store.size())

	c.Set(time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC))
	require.True(t, l.Admit(ctx, "fresh", limits).Admitted)

	// the in-flight stream keeps its window, the idle one is gone
	require.Equal(t, 2, store.size())
	_, ok := store.windows["idle"]
	require.False(t, ok)

	busy.Release()
	st, err := l.Status(ctx, "busy", limits)
	require.NoError(t, err)
	require.Equal(t, 0, st.Active)
	require.Equal(t, 10, st.Remaining)
}
