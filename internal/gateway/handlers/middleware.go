package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cfx-platform/cfx-router/internal/gateway/auth"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

// HeaderRequestID carries the router's request id on every response
const HeaderRequestID = "X-CFX-Request-Id"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	principalKey
)

// Authenticator resolves a raw bearer key
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.Principal, error)
}

type Middleware struct {
	auth Authenticator
}

func NewMiddleware(a Authenticator) *Middleware {
	return &Middleware{auth: a}
}

// NewRequestID returns a fresh router request id
func NewRequestID() string {
	return "cfx-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestID assigns a request id, echoes it in a header and adds it to the
// request logger
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewRequestID()
		w.Header().Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		log.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id set by RequestID, or a new one
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return NewRequestID()
}

// PrincipalFromContext returns the authenticated key and plan
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*models.Principal)
	return p, ok
}

// AuthMiddleware validates the bearer API key
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing_api_key", "missing authorization header")
			return
		}

		scheme, raw, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "invalid authorization header format")
			return
		}

		p, err := m.auth.Authenticate(r.Context(), strings.TrimSpace(raw))
		if errors.Is(err, auth.ErrInvalidKey) {
			writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "invalid API key")
			return
		}
		if err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("authentication failed")
			writeError(w, http.StatusInternalServerError, "server_error", "auth_unavailable", "could not verify API key")
			return
		}

		log.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("api_key_id", p.Key.ID).Str("account_id", p.Key.AccountID)
		})
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
