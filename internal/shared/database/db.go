package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	conn *sql.DB
}

var _ store.Store = (*DB)(nil)

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Migrate applies the embedded schema migrations
func (db *DB) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// EnsureAccount creates the account on the given plan if it does not exist
func (db *DB) EnsureAccount(ctx context.Context, accountID, planName string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (id, plan_name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		accountID, planName)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// GetKeyByHash retrieves an API key by its salted hash
func (db *DB) GetKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, account_id, key_hash, key_prefix, label, status, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var k models.APIKey
	err := db.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&k.ID,
		&k.AccountID,
		&k.KeyHash,
		&k.KeyPrefix,
		&k.Label,
		&k.Status,
		&k.CreatedAt,
		&k.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &k, nil
}

// CreateKey inserts a new API key
func (db *DB) CreateKey(ctx context.Context, k *models.APIKey) error {
	query := `
		INSERT INTO api_keys (id, account_id, key_hash, key_prefix, label, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := db.conn.ExecContext(ctx, query, k.ID, k.AccountID, k.KeyHash, k.KeyPrefix, k.Label, k.Status, k.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

// ListKeys returns every key of an account, newest first
func (db *DB) ListKeys(ctx context.Context, accountID string) ([]models.APIKey, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, account_id, key_hash, key_prefix, label, status, created_at, last_used_at
		FROM api_keys
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.KeyHash, &k.KeyPrefix, &k.Label, &k.Status, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey marks a key revoked. Rows are never deleted.
func (db *DB) RevokeKey(ctx context.Context, accountID, keyID string) (*models.APIKey, error) {
	var k models.APIKey
	err := db.conn.QueryRowContext(ctx, `
		UPDATE api_keys SET status = 'revoked'
		WHERE id = $1 AND account_id = $2 AND status = 'active'
		RETURNING id, account_id, key_hash, key_prefix, label, status, created_at, last_used_at
	`, keyID, accountID).Scan(&k.ID, &k.AccountID, &k.KeyHash, &k.KeyPrefix, &k.Label, &k.Status, &k.CreatedAt, &k.LastUsedAt)
	if err == nil {
		return &k, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("revoke key: %w", err)
	}

	var status string
	err = db.conn.QueryRowContext(ctx,
		`SELECT status FROM api_keys WHERE id = $1 AND account_id = $2`, keyID, accountID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	return nil, store.ErrRevoked
}

// PlanForAccount returns the active plan of an account
func (db *DB) PlanForAccount(ctx context.Context, accountID string) (*models.Plan, error) {
	query := `
		SELECT p.name, p.display_name, p.daily_requests, p.concurrent_streams,
		       p.max_tokens_per_request, p.monthly_price_cents, p.yearly_price_cents
		FROM accounts a
		JOIN plans p ON p.name = a.plan_name
		WHERE a.id = $1
	`

	var p models.Plan
	err := db.conn.QueryRowContext(ctx, query, accountID).Scan(
		&p.Name,
		&p.DisplayName,
		&p.DailyRequests,
		&p.ConcurrentStreams,
		&p.MaxTokensPerRequest,
		&p.MonthlyPriceCents,
		&p.YearlyPriceCents,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &p, nil
}

// InsertLogs writes a batch of usage entries and bumps last_used_at of
// the keys involved, in one transaction
func (db *DB) InsertLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs (
			id, request_id, api_key_id, account_id, stage, inferred_stage, requested_model,
			model, provider, prompt_tokens, completion_tokens, total_tokens, cost, latency_ms,
			http_status, status, error, fallback_used, streamed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	seen := make(map[string]bool)
	var keyIDs []string
	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID, e.RequestID, e.APIKeyID, e.AccountID, e.Stage, e.InferredStage, e.RequestedModel,
			e.Model, e.Provider, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Cost, e.LatencyMs,
			e.HTTPStatus, e.Status, e.Error, e.FallbackUsed, e.Streamed, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert log %s: %w", e.ID, err)
		}
		if !seen[e.APIKeyID] {
			seen[e.APIKeyID] = true
			keyIDs = append(keyIDs, e.APIKeyID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = ANY($1)`, pq.Array(keyIDs)); err != nil {
		return fmt.Errorf("touch keys: %w", err)
	}

	return tx.Commit()
}

// ListLogs returns one page of an account's entries, newest first, and the
// total matching count
func (db *DB) ListLogs(ctx context.Context, f models.LogFilter) ([]models.LogEntry, int, error) {
	var total int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE account_id = $1 AND ($2 = '' OR stage = $2)`,
		f.AccountID, string(f.Stage)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, request_id, api_key_id, account_id, stage, inferred_stage, requested_model,
		       model, provider, prompt_tokens, completion_tokens, total_tokens, cost, latency_ms,
		       http_status, status, error, fallback_used, streamed, created_at
		FROM request_logs
		WHERE account_id = $1 AND ($2 = '' OR stage = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, f.AccountID, string(f.Stage), f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	logs := []models.LogEntry{}
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.APIKeyID, &e.AccountID, &e.Stage, &e.InferredStage, &e.RequestedModel,
			&e.Model, &e.Provider, &e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Cost, &e.LatencyMs,
			&e.HTTPStatus, &e.Status, &e.Error, &e.FallbackUsed, &e.Streamed, &e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, e)
	}
	return logs, total, rows.Err()
}

// Stats aggregates an account's usage
func (db *DB) Stats(ctx context.Context, accountID string, dayStart time.Time) (models.Stats, error) {
	var s models.Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE created_at >= $2),
		       COALESCE(SUM(cost), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM request_logs
		WHERE account_id = $1
	`, accountID, dayStart).Scan(&s.TotalRequests, &s.TodayRequests, &s.TotalCost, &s.AvgLatencyMs)
	if err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// DailyUsage groups an account's usage by UTC day
func (db *DB) DailyUsage(ctx context.Context, accountID string, since time.Time) ([]models.UsageDay, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       COUNT(*), COALESCE(SUM(cost), 0), COALESCE(SUM(total_tokens), 0)
		FROM request_logs
		WHERE account_id = $1 AND created_at >= $2
		GROUP BY day
		ORDER BY day
	`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageDay
	for rows.Next() {
		var d models.UsageDay
		if err := rows.Scan(&d.Date, &d.Requests, &d.Cost, &d.Tokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
