package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the task class a request is routed by
type Stage string

const (
	StagePlan   Stage = "plan"
	StageCode   Stage = "code"
	StageReview Stage = "review"
	StageDirect Stage = "direct"
)

// Stages lists the routable stages in display order
var Stages = []Stage{StagePlan, StageCode, StageReview, StageDirect}

// ParseStage parses a stage name case-insensitively
func ParseStage(s string) (Stage, bool) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StagePlan:
		return StagePlan, true
	case StageCode:
		return StageCode, true
	case StageReview:
		return StageReview, true
	case StageDirect:
		return StageDirect, true
	}
	return "", false
}

// KeyStatus is the lifecycle state of an API key
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// APIKey represents a router API key. The secret itself is never stored.
type APIKey struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Label      string     `json:"label"`
	Status     KeyStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Active reports whether the key may authenticate requests
func (k *APIKey) Active() bool {
	return k.Status == KeyActive
}

// Plan is a named quota profile
type Plan struct {
	Name                string `json:"name"`
	DisplayName         string `json:"display_name"`
	DailyRequests       int    `json:"daily_requests"`
	ConcurrentStreams   int    `json:"concurrent_streams"`
	MaxTokensPerRequest int    `json:"max_tokens_per_request"`
	MonthlyPriceCents   int    `json:"monthly_price_cents"`
	YearlyPriceCents    int    `json:"yearly_price_cents"`
}

// Principal is an authenticated key together with its account's active plan
type Principal struct {
	Key  APIKey `json:"key"`
	Plan Plan   `json:"plan"`
}

// LogStatus is the terminal outcome recorded for a request
type LogStatus string

const (
	StatusSuccess     LogStatus = "success"
	StatusError       LogStatus = "error"
	StatusRateLimited LogStatus = "rate_limited"
	StatusCancelled   LogStatus = "cancelled"
	StatusInvalid     LogStatus = "invalid"
)

// LogEntry is the single immutable usage record written per request
type LogEntry struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	APIKeyID         string          `json:"api_key_id"`
	AccountID        string          `json:"account_id"`
	Stage            Stage           `json:"stage"`
	InferredStage    bool            `json:"inferred_stage"`
	RequestedModel   string          `json:"requested_model"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	LatencyMs        int64           `json:"latency_ms"`
	HTTPStatus       int             `json:"http_status"`
	Status           LogStatus       `json:"status"`
	Error            *string         `json:"error,omitempty"`
	FallbackUsed     bool            `json:"fallback_used"`
	Streamed         bool            `json:"streamed"`
	CreatedAt        time.Time       `json:"created_at"`
}

// LogFilter selects a page of log entries for one account
type LogFilter struct {
	AccountID string
	Stage     Stage
	Limit     int
	Offset    int
}

// Stats summarises an account's usage
type Stats struct {
	TotalRequests int64
	TodayRequests int64
	TotalCost     decimal.Decimal
	AvgLatencyMs  float64
}

// UsageDay is one day of aggregated usage
type UsageDay struct {
	Date     string
	Requests int64
	Cost     decimal.Decimal
	Tokens   int64
}

// DefaultPlans are the quota profiles seeded into a fresh store
func DefaultPlans() []Plan {
	return []Plan{
		{Name: "FREE", DisplayName: "Free", DailyRequests: 100, ConcurrentStreams: 1, MaxTokensPerRequest: 4096},
		{Name: "STARTER", DisplayName: "Starter", DailyRequests: 1000, ConcurrentStreams: 2, MaxTokensPerRequest: 8192, MonthlyPriceCents: 1900, YearlyPriceCents: 19000},
		{Name: "PRO", DisplayName: "Pro", DailyRequests: 10000, ConcurrentStreams: 5, MaxTokensPerRequest: 16384, MonthlyPriceCents: 4900, YearlyPriceCents: 49000},
		{Name: "TEAM", DisplayName: "Team", DailyRequests: 50000, ConcurrentStreams: 10, MaxTokensPerRequest: 32768, MonthlyPriceCents: 9900, YearlyPriceCents: 99000},
	}
}
