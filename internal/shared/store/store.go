package store

import (
	"context"
	"errors"
	"time"

	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

var (
	// ErrNotFound is returned when a key, account or plan does not exist
	ErrNotFound = errors.New("not found")
	// ErrRevoked is returned when revoking a key that is already revoked
	ErrRevoked = errors.New("key already revoked")
)

// KeyStore persists API keys
type KeyStore interface {
	GetKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	CreateKey(ctx context.Context, key *models.APIKey) error
	ListKeys(ctx context.Context, accountID string) ([]models.APIKey, error)
	RevokeKey(ctx context.Context, accountID, keyID string) (*models.APIKey, error)
}

// PlanStore resolves the active plan of an account
type PlanStore interface {
	PlanForAccount(ctx context.Context, accountID string) (*models.Plan, error)
}

// LogStore persists and aggregates usage log entries. InsertLogs also bumps
// last_used_at of every key that appears in the batch.
type LogStore interface {
	InsertLogs(ctx context.Context, entries []models.LogEntry) error
	ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, int, error)
	Stats(ctx context.Context, accountID string, dayStart time.Time) (models.Stats, error)
	DailyUsage(ctx context.Context, accountID string, since time.Time) ([]models.UsageDay, error)
}

// Store is the full persistence surface used by the router
type Store interface {
	KeyStore
	PlanStore
	LogStore
	Ping(ctx context.Context) error
	Close() error
}
