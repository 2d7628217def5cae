package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	require.NoError(t, c.Del(context.Background(), "k"))
	_, err = c.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdmitWindowDailyThenStreams(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	res, err := c.AdmitWindow(ctx, "day", "active", 2, 1, time.Hour, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Admitted)
	require.EqualValues(t, 1, res.Used)

	// one stream in flight
	res, err = c.AdmitWindow(ctx, "day", "active", 2, 1, time.Hour, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.EqualValues(t, WindowStreamsFull, res.Outcome)

	_, err = c.ReleaseWindow(ctx, "active")
	require.NoError(t, err)

	res, err = c.AdmitWindow(ctx, "day", "active", 2, 1, time.Hour, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Admitted)
	require.EqualValues(t, 2, res.Used)

	_, err = c.ReleaseWindow(ctx, "active")
	require.NoError(t, err)

	res, err = c.AdmitWindow(ctx, "day", "active", 2, 1, time.Hour, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.EqualValues(t, WindowDailyFull, res.Outcome)
	require.EqualValues(t, 2, res.Used)

	require.True(t, mr.TTL("day") > 0)
	used, active, err := c.WindowCounts(ctx, "day", "active")
	require.NoError(t, err)
	require.EqualValues(t, 2, used)
	require.EqualValues(t, 0, active)
}

func TestReleaseWindowFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	n, err := c.ReleaseWindow(ctx, "active")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	_, err = c.AdmitWindow(ctx, "day", "active", 10, 10, time.Hour, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = c.ReleaseWindow(ctx, "active")
		require.NoError(t, err)
	}
	_, active, err := c.WindowCounts(ctx, "day", "active")
	require.NoError(t, err)
	require.EqualValues(t, 0, active)
}
