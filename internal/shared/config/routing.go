package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Routing is the stage and model policy, loaded from YAML
type Routing struct {
	Stages         map[string]StageConfig `yaml:"stages"`
	Models         map[string]ModelConfig `yaml:"models"`
	Direct         DirectConfig           `yaml:"direct"`
	DefaultPricing PricingConfig          `yaml:"default_pricing"`
	Classifier     ClassifierConfig       `yaml:"classifier"`
}

// StageConfig maps one stage to its models
type StageConfig struct {
	Primary     string   `yaml:"primary"`
	Fallbacks   []string `yaml:"fallbacks"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float32 `yaml:"temperature"`
}

// ModelConfig describes one routable model. Prices are USD per 1M tokens.
type ModelConfig struct {
	Provider   string  `yaml:"provider"`
	UpstreamID string  `yaml:"upstream_id"`
	InputCost  float64 `yaml:"input_cost_per_1m"`
	OutputCost float64 `yaml:"output_cost_per_1m"`
}

// PricingConfig is the rate applied to models missing from the table
type PricingConfig struct {
	InputCost  float64 `yaml:"input_cost_per_1m"`
	OutputCost float64 `yaml:"output_cost_per_1m"`
}

// DirectConfig constrains direct mode. An empty allowlist permits any model.
type DirectConfig struct {
	AllowedModels []string `yaml:"allowed_models"`
	MaxTokensCap  int      `yaml:"max_tokens_cap"`
}

// ClassifierConfig holds the keyword policy used for stage inference
type ClassifierConfig struct {
	PlanKeywords    []string `yaml:"plan_keywords"`
	CodeKeywords    []string `yaml:"code_keywords"`
	ReviewKeywords  []string `yaml:"review_keywords"`
	CodeFenceWeight int      `yaml:"code_fence_weight"`
}

func f32(v float32) *float32 { return &v }

// DefaultRouting returns the built-in routing policy
func DefaultRouting() *Routing {
	return &Routing{
		Stages: map[string]StageConfig{
			"plan": {
				Primary:     "claude-sonnet-4.5",
				Fallbacks:   []string{"gemini-2.5-pro", "gpt-4o"},
				MaxTokens:   4096,
				Temperature: f32(0.3),
			},
			"code": {
				Primary:     "deepseek-v3",
				Fallbacks:   []string{"gemini-2.0-flash", "gpt-4o-mini"},
				MaxTokens:   8192,
				Temperature: f32(0.2),
			},
			"review": {
				Primary:     "gpt-4o-mini",
				Fallbacks:   []string{"gemini-2.0-flash-lite", "claude-haiku-4.5"},
				MaxTokens:   2048,
				Temperature: f32(0.1),
			},
		},
		Models: map[string]ModelConfig{
			"claude-sonnet-4.5":     {Provider: "anthropic", UpstreamID: "claude-sonnet-4-5-20250929", InputCost: 3, OutputCost: 15},
			"claude-haiku-4.5":      {Provider: "anthropic", UpstreamID: "claude-haiku-4-5-20251001", InputCost: 1, OutputCost: 5},
			"gemini-2.5-pro":        {Provider: "google", InputCost: 1.25, OutputCost: 10},
			"gemini-2.0-flash":      {Provider: "google", InputCost: 0.10, OutputCost: 0.40},
			"gemini-2.0-flash-lite": {Provider: "google", InputCost: 0.075, OutputCost: 0.30},
			"gpt-4o":                {Provider: "openai", InputCost: 2.50, OutputCost: 10},
			"gpt-4o-mini":           {Provider: "openai", InputCost: 0.15, OutputCost: 0.60},
			"deepseek-v3":           {Provider: "deepseek", UpstreamID: "deepseek-chat", InputCost: 0.27, OutputCost: 1.10},
		},
		Direct: DirectConfig{
			MaxTokensCap: 8192,
		},
		DefaultPricing: PricingConfig{InputCost: 1.0, OutputCost: 2.0},
		Classifier: ClassifierConfig{
			PlanKeywords: []string{
				"plan", "design", "architect", "spec", "how should", "what's the best way",
				"structure", "approach", "strategy", "outline", "requirements",
				"tasarla", "planla", "mimari", "nasıl yapmalı",
			},
			CodeKeywords: []string{
				"implement", "code", "write", "create", "build", "fix", "refactor", "add",
				"update", "modify", "function", "class", "method", "api",
				"yaz", "kodla", "oluştur", "düzelt", "ekle",
			},
			ReviewKeywords: []string{
				"review", "check", "analyze", "audit", "security", "vulnerabilit", "bug",
				"issue", "problem", "incele", "kontrol", "analiz", "güvenlik",
			},
			CodeFenceWeight: 2,
		},
	}
}

// LoadRouting reads the routing policy at path on top of the defaults.
// A missing file yields the defaults.
func LoadRouting(path string) (*Routing, error) {
	r := DefaultRouting()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read routing config: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), r); err != nil {
		return nil, fmt.Errorf("parse routing config: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks that every non-direct stage has a primary model
func (r *Routing) Validate() error {
	for _, stage := range []string{"plan", "code", "review"} {
		sc, ok := r.Stages[stage]
		if !ok || sc.Primary == "" {
			return fmt.Errorf("routing config: stage %q has no primary model", stage)
		}
	}
	return nil
}
