package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/cfx-platform/cfx-router/internal/gateway/cache"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/redis"
	"github.com/cfx-platform/cfx-router/internal/shared/store"
)

func TestGenerateKey(t *testing.T) {
	raw, prefix, err := GenerateKey()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "cfx_"))
	require.Len(t, raw, 36)
	require.Equal(t, raw[:8], prefix)

	other, _, err := GenerateKey()
	require.NoError(t, err)
	require.NotEqual(t, raw, other)
}

func TestHashKeyIsSalted(t *testing.T) {
	require.Equal(t, HashKey("s1", "cfx_abc"), HashKey("s1", "cfx_abc"))
	require.NotEqual(t, HashKey("s1", "cfx_abc"), HashKey("s2", "cfx_abc"))
	require.Len(t, HashKey("s1", "cfx_abc"), 64)
}

func TestCreateKeyRequestValidation(t *testing.T) {
	require.NoError(t, CreateKeyRequest{}.Validate())
	require.NoError(t, CreateKeyRequest{Label: "laptop - work_1"}.Validate())
	require.Error(t, CreateKeyRequest{Label: strings.Repeat("x", 65)}.Validate())
	require.Error(t, CreateKeyRequest{Label: "<script>"}.Validate())
}

type fixture struct {
	store *store.Memory
	mr    *miniredis.Miniredis
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory(models.DefaultPlans())
	require.NoError(t, mem.SetAccountPlan("acct-1", "FREE"))
	require.NoError(t, mem.SetAccountPlan("acct-2", "PRO"))

	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{
		store: mem,
		mr:    mr,
		svc:   NewService(mem, cache.New(client, time.Minute), "test-salt"),
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, raw, err := f.svc.CreateKey(ctx, "acct-1", CreateKeyRequest{Label: "cli"})
	require.NoError(t, err)
	require.NotEqual(t, raw, key.KeyHash)
	require.Equal(t, HashKey("test-salt", raw), key.KeyHash)

	p, err := f.svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, key.ID, p.Key.ID)
	require.Equal(t, "FREE", p.Plan.Name)
	require.Equal(t, 100, p.Plan.DailyRequests)
	require.True(t, f.mr.Exists("cfx:key:"+key.KeyHash))

	// served from cache the second time
	p, err = f.svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, key.ID, p.Key.ID)

	for _, bad := range []string{"", "short", "cfx_has spaces in it", "cfx_" + strings.Repeat("z", 32)} {
		_, err := f.svc.Authenticate(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestRevokedKeyIsRejectedImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, raw, err := f.svc.CreateKey(ctx, "acct-1", CreateKeyRequest{})
	require.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, raw)
	require.NoError(t, err)

	// another account cannot revoke it
	_, err = f.svc.RevokeKey(ctx, "acct-2", key.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	revoked, err := f.svc.RevokeKey(ctx, "acct-1", key.ID)
	require.NoError(t, err)
	require.Equal(t, models.KeyRevoked, revoked.Status)
	require.False(t, f.mr.Exists("cfx:key:"+key.KeyHash))

	_, err = f.svc.Authenticate(ctx, raw)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = f.svc.RevokeKey(ctx, "acct-1", key.ID)
	require.ErrorIs(t, err, store.ErrRevoked)

	keys, err := f.svc.ListKeys(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, keys, 1, "revoked keys are kept")
}

func TestSeedKeyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.SeedKey(ctx, "acct-2", "cfx_dev_local_key", "dev")
	require.NoError(t, err)
	second, err := f.svc.SeedKey(ctx, "acct-2", "cfx_dev_local_key", "dev")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "cfx_dev_", first.KeyPrefix)

	_, err = f.svc.SeedKey(ctx, "acct-2", "bad key", "dev")
	require.Error(t, err)
}

func TestGetPlanReadsCurrentPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, _, err := f.svc.CreateKey(ctx, "acct-1", CreateKeyRequest{})
	require.NoError(t, err)

	plan, err := f.svc.GetPlan(ctx, *key)
	require.NoError(t, err)
	require.Equal(t, "FREE", plan.Name)

	require.NoError(t, f.store.SetAccountPlan("acct-1", "TEAM"))
	plan, err = f.svc.GetPlan(ctx, *key)
	require.NoError(t, err)
	require.Equal(t, "TEAM", plan.Name)
}
