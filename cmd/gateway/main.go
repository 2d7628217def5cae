package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cfx-platform/cfx-router/internal/gateway/auth"
	"github.com/cfx-platform/cfx-router/internal/gateway/cache"
	"github.com/cfx-platform/cfx-router/internal/gateway/circuit"
	"github.com/cfx-platform/cfx-router/internal/gateway/classifier"
	"github.com/cfx-platform/cfx-router/internal/gateway/dispatcher"
	"github.com/cfx-platform/cfx-router/internal/gateway/handlers"
	"github.com/cfx-platform/cfx-router/internal/gateway/orchestrator"
	"github.com/cfx-platform/cfx-router/internal/gateway/providers"
	"github.com/cfx-platform/cfx-router/internal/gateway/ratelimit"
	"github.com/cfx-platform/cfx-router/internal/gateway/registry"
	"github.com/cfx-platform/cfx-router/internal/gateway/usage"
	"github.com/cfx-platform/cfx-router/internal/shared/config"
	"github.com/cfx-platform/cfx-router/internal/shared/database"
	"github.com/cfx-platform/cfx-router/internal/shared/logger"
	"github.com/cfx-platform/cfx-router/internal/shared/metrics"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
	"github.com/cfx-platform/cfx-router/internal/shared/redis"
	"github.com/cfx-platform/cfx-router/internal/shared/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Setup(cfg.LogLevel, !cfg.IsProduction())

	log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Str("version", cfg.Version).Msg("starting CF-X router")

	routing, err := config.LoadRouting(cfg.RoutingConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RoutingConfigPath).Msg("failed to load routing config")
	}
	reg, err := registry.New(routing)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid routing config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// Persistence: Postgres when configured, otherwise in memory
	var st store.Store
	var checks []handlers.Check
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := db.Migrate(); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
		}
		if cfg.DevAPIKey != "" {
			if err := db.EnsureAccount(ctx, cfg.DevAccountID, cfg.DefaultPlan); err != nil {
				log.Fatal().Err(err).Msg("failed to create dev account")
			}
		}
		st = db
		log.Info().Msg("connected to PostgreSQL")
	} else {
		mem := store.NewMemory(models.DefaultPlans())
		if err := mem.SetAccountPlan(cfg.DevAccountID, cfg.DefaultPlan); err != nil {
			log.Fatal().Err(err).Msg("failed to create dev account")
		}
		st = mem
		log.Warn().Msg("DATABASE_URL not set, keys and usage are kept in memory")
	}
	checks = append(checks, handlers.Check{Name: "store", Critical: true, Ping: st.Ping})

	// Rate windows and the key cache: Redis when configured
	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	var principals auth.PrincipalCache
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisClient.Close()
		limiterStore = ratelimit.NewRedisStore(redisClient, cfg.ConcurrencyTTL)
		principals = cache.New(redisClient, cfg.KeyCacheTTL)
		checks = append(checks, handlers.Check{Name: "redis", Ping: redisClient.Ping})
		log.Info().Msg("connected to Redis")
	} else {
		log.Warn().Msg("REDIS_URL not set, rate limits are per process")
	}

	keys := auth.NewService(st, principals, cfg.HashSalt)
	if cfg.DevAPIKey != "" {
		if _, err := keys.SeedKey(ctx, cfg.DevAccountID, cfg.DevAPIKey, "dev"); err != nil {
			log.Fatal().Err(err).Msg("failed to seed dev key")
		}
		log.Info().Str("account_id", cfg.DevAccountID).Msg("dev key ready")
	}

	providerMgr := providers.NewManager(cfg)
	log.Info().Strs("providers", providerMgr.Names()).Msg("initialized LLM providers")

	breakers := circuit.NewRegistry(circuit.Settings{
		Threshold: cfg.CircuitFailureThreshold,
		Window:    cfg.CircuitWindow,
		Cooldown:  cfg.CircuitCooldown,
	}, circuit.WithStateHook(func(model string, s circuit.State) {
		m.SetCircuitState(model, int(s))
		log.Warn().Str("model", model).Str("state", s.String()).Msg("circuit state changed")
	}))

	recorder := usage.New(reg, st, usage.Options{
		QueueSize:     cfg.UsageQueueSize,
		BatchSize:     cfg.UsageBatchSize,
		FlushInterval: cfg.UsageFlushInterval,
		RetryAttempts: cfg.UsageRetryAttempts,
	}, usage.WithMetrics(m))
	recorder.Start()

	orch := orchestrator.New(
		classifier.NewKeyword(classifier.PolicyFromConfig(routing.Classifier)),
		reg,
		keys,
		ratelimit.New(limiterStore, ratelimit.WithMetrics(m)),
		dispatcher.New(reg, providerMgr, breakers, dispatcher.WithMetrics(m)),
		recorder,
		orchestrator.WithMetrics(m),
	)

	router := handlers.NewRouter(handlers.RouterConfig{
		Chat:        handlers.NewChatHandler(orch),
		API:         handlers.NewAPIHandler(keys, st),
		Health:      handlers.NewHealthHandler(cfg.Version, breakers, checks...),
		Middleware:  handlers.NewMiddleware(keys),
		Metrics:     m.Handler(),
		CORSOrigins: cfg.CORSOrigins,
		IPRateLimit: cfg.IPRateLimit,
	})

	// HTTP server
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	// in-flight requests have recorded by now, drain what is queued
	if err := recorder.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("usage entries lost on shutdown")
	}

	log.Info().Msg("server stopped")
}
