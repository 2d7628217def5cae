package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/cfx-platform/cfx-router/internal/shared/logger"
)

// RouterConfig holds everything mounted on the HTTP router
type RouterConfig struct {
	Chat       *ChatHandler
	API        *APIHandler
	Health     *HealthHandler
	Middleware *Middleware
	Metrics    http.Handler

	CORSOrigins []string
	// IPRateLimit is requests per minute per client IP, 0 disables it
	IPRateLimit int
}

// NewRouter builds the router's HTTP surface
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderStage},
		ExposedHeaders: []string{
			HeaderRequestID, HeaderStage, "X-CFX-Inferred-Stage", "X-CFX-Model-Used", "X-CFX-Fallback",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
		},
		MaxAge: 300,
	}))

	// Health and metrics (no auth required)
	r.Get("/health", cfg.Health.Health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.IPRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.IPRateLimit, time.Minute))
		}
		r.Use(cfg.Middleware.AuthMiddleware)

		r.Post("/v1/chat/completions", cfg.Chat.HandleChatCompletion)
		r.Route("/api", cfg.API.Routes)
	})

	return r
}
