package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the router
type Config struct {
	// Server
	Port     int    `env:"PORT,default=8080"`
	Env      string `env:"ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Version  string `env:"CFX_VERSION,default=1.0.0"`

	// Storage. Empty URLs select the in-memory implementations.
	DatabaseURL   string `env:"DATABASE_URL"`
	RunMigrations bool   `env:"RUN_MIGRATIONS,default=true"`
	RedisURL      string `env:"REDIS_URL"`

	// Provider API keys and endpoints
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL,default=https://api.anthropic.com"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	GeminiBaseURL    string `env:"GEMINI_BASE_URL,default=https://generativelanguage.googleapis.com"`
	DeepSeekAPIKey   string `env:"DEEPSEEK_API_KEY"`
	DeepSeekBaseURL  string `env:"DEEPSEEK_BASE_URL,default=https://api.deepseek.com/v1"`
	LiteLLMURL       string `env:"LITELLM_URL"`
	LiteLLMAPIKey    string `env:"LITELLM_API_KEY"`

	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT,default=120s"`

	// Routing policy file (stages, models, pricing, classifier keywords)
	RoutingConfigPath string `env:"CFX_CONFIG_PATH,default=config/models.yaml"`

	// Keys
	HashSalt     string        `env:"HASH_SALT,default=cfx-dev-salt"`
	DefaultPlan  string        `env:"DEFAULT_PLAN,default=FREE"`
	DevAPIKey    string        `env:"DEV_API_KEY"`
	DevAccountID string        `env:"DEV_ACCOUNT_ID,default=00000000-0000-0000-0000-000000000001"`
	KeyCacheTTL  time.Duration `env:"KEY_CACHE_TTL,default=60s"`

	// Circuit breaker
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD,default=5"`
	CircuitWindow           time.Duration `env:"CIRCUIT_WINDOW,default=60s"`
	CircuitCooldown         time.Duration `env:"CIRCUIT_COOLDOWN,default=30s"`

	// Rate limiting
	ConcurrencyTTL time.Duration `env:"CONCURRENCY_TTL,default=15m"`
	IPRateLimit    int           `env:"IP_RATE_LIMIT,default=600"`

	// Usage recording
	UsageQueueSize     int           `env:"USAGE_QUEUE_SIZE,default=10000"`
	UsageBatchSize     int           `env:"USAGE_BATCH_SIZE,default=100"`
	UsageFlushInterval time.Duration `env:"USAGE_FLUSH_INTERVAL,default=1s"`
	UsageRetryAttempts int           `env:"USAGE_RETRY_ATTEMPTS,default=3"`

	CORSOrigins []string `env:"CORS_ORIGINS,default=*"`

	// HTTP server timeouts. Streams need a long write timeout.
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT,default=30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT,default=10m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT,default=120s"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	if !c.HasProvider() {
		return fmt.Errorf("at least one provider is required (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, DEEPSEEK_API_KEY or LITELLM_URL)")
	}

	if c.IsProduction() && (c.HashSalt == "" || c.HashSalt == "cfx-dev-salt") {
		return fmt.Errorf("HASH_SALT must be set in production")
	}

	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be positive, got %d", c.CircuitFailureThreshold)
	}

	if c.UsageBatchSize < 1 || c.UsageQueueSize < c.UsageBatchSize {
		return fmt.Errorf("USAGE_QUEUE_SIZE (%d) must be at least USAGE_BATCH_SIZE (%d) and both positive", c.UsageQueueSize, c.UsageBatchSize)
	}

	return nil
}

// HasProvider reports whether any upstream is configured
func (c *Config) HasProvider() bool {
	return c.OpenAIAPIKey != "" || c.AnthropicAPIKey != "" || c.GeminiAPIKey != "" ||
		c.DeepSeekAPIKey != "" || c.LiteLLMURL != ""
}

// IsProduction reports whether ENV names a production deployment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
