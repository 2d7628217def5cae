package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/cfx-platform/cfx-router/internal/gateway/auth"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/store"
)

// KeyManager manages the caller's account keys
type KeyManager interface {
	CreateKey(ctx context.Context, accountID string, req auth.CreateKeyRequest) (*models.APIKey, string, error)
	ListKeys(ctx context.Context, accountID string) ([]models.APIKey, error)
	RevokeKey(ctx context.Context, accountID, keyID string) (*models.APIKey, error)
	GetPlan(ctx context.Context, key models.APIKey) (*models.Plan, error)
}

// APIHandler serves the account endpoints used by the dashboard
type APIHandler struct {
	keys KeyManager
	logs store.LogStore
	now  func() time.Time
}

func NewAPIHandler(keys KeyManager, logs store.LogStore) *APIHandler {
	return &APIHandler{keys: keys, logs: logs, now: time.Now}
}

// Routes mounts the account endpoints
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/keys", h.ListKeys)
	r.Post("/keys", h.CreateKey)
	r.Delete("/keys/{id}", h.RevokeKey)
	r.Get("/stats", h.Stats)
	r.Get("/logs", h.Logs)
	r.Get("/usage", h.Usage)
}

func (h *APIHandler) principal(w http.ResponseWriter, r *http.Request) (*models.Principal, bool) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "unauthorized")
	}
	return p, ok
}

func (h *APIHandler) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	log.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "server_error", "internal_error", msg)
}

type keysResponse struct {
	Keys []models.APIKey `json:"keys"`
}

// ListKeys handles GET /api/keys
func (h *APIHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	keys, err := h.keys.ListKeys(r.Context(), p.Key.AccountID)
	if err != nil {
		h.internalError(w, r, err, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	writeJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

type createKeyResponse struct {
	Key    *models.APIKey `json:"key"`
	Secret string         `json:"secret"`
}

// CreateKey handles POST /api/keys. The secret is only ever returned here.
func (h *APIHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req auth.CreateKeyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error())
			return
		}
	}

	key, secret, err := h.keys.CreateKey(r.Context(), p.Key.AccountID, req)
	var verr validation.Errors
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_label", verr.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err, "failed to create key")
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Secret: secret})
}

// RevokeKey handles DELETE /api/keys/{id}
func (h *APIHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	key, err := h.keys.RevokeKey(r.Context(), p.Key.AccountID, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error", "key_not_found", "key not found")
	case errors.Is(err, store.ErrRevoked):
		writeError(w, http.StatusConflict, "invalid_request_error", "key_revoked", "key already revoked")
	case err != nil:
		h.internalError(w, r, err, "failed to revoke key")
	default:
		writeJSON(w, http.StatusOK, map[string]*models.APIKey{"key": key})
	}
}

type statsResponse struct {
	TotalRequests int64           `json:"totalRequests"`
	TodayRequests int64           `json:"todayRequests"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	AvgLatency    float64         `json:"avgLatency"`
	DailyLimit    int             `json:"dailyLimit"`
}

// Stats handles GET /api/stats
func (h *APIHandler) Stats(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	stats, err := h.logs.Stats(r.Context(), p.Key.AccountID, startOfDay(h.now()))
	if err != nil {
		h.internalError(w, r, err, "failed to load stats")
		return
	}
	plan, err := h.keys.GetPlan(r.Context(), p.Key)
	if err != nil {
		h.internalError(w, r, err, "failed to load plan")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		TotalRequests: stats.TotalRequests,
		TodayRequests: stats.TodayRequests,
		TotalCost:     stats.TotalCost,
		AvgLatency:    stats.AvgLatencyMs,
		DailyLimit:    plan.DailyRequests,
	})
}

type logsQuery struct {
	Limit  int
	Offset int
	Stage  string
}

func (q logsQuery) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Limit, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&q.Offset, validation.Min(0)),
		validation.Field(&q.Stage, validation.In("plan", "code", "review", "direct")),
	)
}

type logsResponse struct {
	Logs  []models.LogEntry `json:"logs"`
	Total int               `json:"total"`
}

// Logs handles GET /api/logs?limit&offset&stage
func (h *APIHandler) Logs(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	q := logsQuery{Limit: 50, Stage: r.URL.Query().Get("stage")}
	var err error
	if q.Limit, err = intParam(r, "limit", q.Limit); err == nil {
		q.Offset, err = intParam(r, "offset", 0)
	}
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_query", err.Error())
		return
	}

	logs, total, err := h.logs.ListLogs(r.Context(), models.LogFilter{
		AccountID: p.Key.AccountID,
		Stage:     models.Stage(q.Stage),
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		h.internalError(w, r, err, "failed to list logs")
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs, Total: total})
}

type usageDay struct {
	Date     string          `json:"date"`
	Requests int64           `json:"requests"`
	Cost     decimal.Decimal `json:"cost"`
	Tokens   int64           `json:"tokens"`
}

type usageResponse struct {
	Usage []usageDay `json:"usage"`
}

// Usage handles GET /api/usage?days=N
func (h *APIHandler) Usage(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	days, err := intParam(r, "days", 30)
	if err == nil {
		err = validation.Validate(days, validation.Required, validation.Min(1), validation.Max(90))
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_query", "days: "+err.Error())
		return
	}

	since := startOfDay(h.now()).AddDate(0, 0, -(days - 1))
	rows, err := h.logs.DailyUsage(r.Context(), p.Key.AccountID, since)
	if err != nil {
		h.internalError(w, r, err, "failed to load usage")
		return
	}

	out := usageResponse{Usage: make([]usageDay, 0, len(rows))}
	for _, d := range rows {
		out.Usage = append(out.Usage, usageDay{Date: d.Date, Requests: d.Requests, Cost: d.Cost, Tokens: d.Tokens})
	}
	writeJSON(w, http.StatusOK, out)
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, validation.Errors{name: errors.New("must be an integer")}
	}
	return n, nil
}
