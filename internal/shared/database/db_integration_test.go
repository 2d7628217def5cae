package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/store"
)

// Runs against a disposable Postgres when DATABASE_TEST_URL is set.
func newIntegrationDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("DATABASE_TEST_URL")
	if url == "" {
		t.Skip("DATABASE_TEST_URL not set")
	}
	db, err := New(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresKeyLifecycleAndLogs(t *testing.T) {
	ctx := context.Background()
	db := newIntegrationDB(t)

	accountID := uuid.NewString()
	require.NoError(t, db.EnsureAccount(ctx, accountID, "PRO"))

	plan, err := db.PlanForAccount(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, 10000, plan.DailyRequests)
	require.Equal(t, 5, plan.ConcurrentStreams)

	key := &models.APIKey{
		ID: uuid.NewString(), AccountID: accountID, KeyHash: uuid.NewString(),
		KeyPrefix: "cfx_test", Label: "ci", Status: models.KeyActive, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.CreateKey(ctx, key))

	got, err := db.GetKeyByHash(ctx, key.KeyHash)
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)

	errMsg := "upstream failed"
	now := time.Now().UTC()
	require.NoError(t, db.InsertLogs(ctx, []models.LogEntry{
		{ID: uuid.NewString(), RequestID: "cfx-1", APIKeyID: key.ID, AccountID: accountID, Stage: models.StageCode,
			Model: "gpt-4o-mini", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
			Cost: decimal.RequireFromString("0.0000045"), LatencyMs: 120, HTTPStatus: 200, Status: models.StatusSuccess, CreatedAt: now},
		{ID: uuid.NewString(), RequestID: "cfx-2", APIKeyID: key.ID, AccountID: accountID, Stage: models.StagePlan,
			HTTPStatus: 502, Status: models.StatusError, Error: &errMsg, CreatedAt: now},
	}))

	logs, total, err := db.ListLogs(ctx, models.LogFilter{AccountID: accountID, Stage: models.StagePlan, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, errMsg, *logs[0].Error)

	stats, err := db.Stats(ctx, accountID, now.Truncate(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalRequests)
	require.True(t, stats.TotalCost.Equal(decimal.RequireFromString("0.0000045")))

	_, err = db.RevokeKey(ctx, accountID, key.ID)
	require.NoError(t, err)
	_, err = db.RevokeKey(ctx, accountID, key.ID)
	require.ErrorIs(t, err, store.ErrRevoked)
	_, err = db.RevokeKey(ctx, accountID, uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}
