// Package registry holds the static model table and the stage routing policy.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cfx-platform/cfx-router/internal/shared/config"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

var (
	// ErrModelRequired is returned for direct mode without a model
	ErrModelRequired = errors.New("model is required when stage is direct")
	// ErrModelNotAllowed is returned for a direct model outside the allowlist
	ErrModelNotAllowed = errors.New("model is not allowed in direct mode")
)

var perMillion = decimal.NewFromInt(1_000_000)

// ModelSpec describes one routable model and its per-token price
type ModelSpec struct {
	Name               string
	Provider           string
	UpstreamID         string
	CostPerInputToken  decimal.Decimal
	CostPerOutputToken decimal.Decimal
	Known              bool
}

// Cost prices a request against this model's rates
func (s ModelSpec) Cost(promptTokens, completionTokens int) decimal.Decimal {
	return s.CostPerInputToken.Mul(decimal.NewFromInt(int64(promptTokens))).
		Add(s.CostPerOutputToken.Mul(decimal.NewFromInt(int64(completionTokens))))
}

// Route is the resolved plan for one request
type Route struct {
	Stage       models.Stage
	Model       string
	Fallbacks   []string
	MaxTokens   int
	Temperature *float32
}

type stageRoute struct {
	primary     string
	fallbacks   []string
	maxTokens   int
	temperature *float32
}

// Registry is read-only after construction and safe for concurrent use
type Registry struct {
	stages     map[models.Stage]stageRoute
	models     map[string]ModelSpec
	allowed    map[string]bool
	directCap  int
	defaultIn  decimal.Decimal
	defaultOut decimal.Decimal
}

// New builds a registry from the routing policy
func New(cfg *config.Routing) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		stages:     make(map[models.Stage]stageRoute),
		models:     make(map[string]ModelSpec),
		directCap:  cfg.Direct.MaxTokensCap,
		defaultIn:  decimal.NewFromFloat(cfg.DefaultPricing.InputCost).Div(perMillion),
		defaultOut: decimal.NewFromFloat(cfg.DefaultPricing.OutputCost).Div(perMillion),
	}

	for name, sc := range cfg.Stages {
		stage, ok := models.ParseStage(name)
		if !ok || stage == models.StageDirect {
			return nil, fmt.Errorf("routing config: unknown stage %q", name)
		}
		r.stages[stage] = stageRoute{
			primary:     sc.Primary,
			fallbacks:   append([]string(nil), sc.Fallbacks...),
			maxTokens:   sc.MaxTokens,
			temperature: sc.Temperature,
		}
	}

	for name, mc := range cfg.Models {
		provider := mc.Provider
		if provider == "" {
			provider = DetectProvider(name)
		}
		upstream := mc.UpstreamID
		if upstream == "" {
			upstream = name
		}
		r.models[name] = ModelSpec{
			Name:               name,
			Provider:           provider,
			UpstreamID:         upstream,
			CostPerInputToken:  decimal.NewFromFloat(mc.InputCost).Div(perMillion),
			CostPerOutputToken: decimal.NewFromFloat(mc.OutputCost).Div(perMillion),
			Known:              true,
		}
	}

	if len(cfg.Direct.AllowedModels) > 0 {
		r.allowed = make(map[string]bool, len(cfg.Direct.AllowedModels))
		for _, m := range cfg.Direct.AllowedModels {
			r.allowed[m] = true
		}
	}

	return r, nil
}

// Resolve maps a stage and the caller's model field to a route. Direct mode
// uses the model verbatim with no fallbacks; other stages use the stage
// primary, or the caller's model as a hint, followed by the stage chain.
func (r *Registry) Resolve(stage models.Stage, requested string) (Route, error) {
	requested = strings.TrimSpace(requested)

	if stage == models.StageDirect {
		if requested == "" || strings.EqualFold(requested, "auto") {
			return Route{}, ErrModelRequired
		}
		if r.allowed != nil && !r.allowed[requested] {
			return Route{}, fmt.Errorf("%w: %s", ErrModelNotAllowed, requested)
		}
		return Route{Stage: stage, Model: requested, MaxTokens: r.directCap}, nil
	}

	sr, ok := r.stages[stage]
	if !ok {
		return Route{}, fmt.Errorf("no route for stage %q", stage)
	}

	route := Route{
		Stage:       stage,
		Model:       sr.primary,
		MaxTokens:   sr.maxTokens,
		Temperature: sr.temperature,
	}

	if requested != "" && !strings.EqualFold(requested, "auto") {
		route.Model = requested
	}
	for _, fb := range sr.fallbacks {
		route.Fallbacks = appendUnique(route.Fallbacks, route.Model, fb)
	}
	return route, nil
}

func appendUnique(chain []string, primary, model string) []string {
	if model == primary {
		return chain
	}
	for _, m := range chain {
		if m == model {
			return chain
		}
	}
	return append(chain, model)
}

// Lookup returns the ModelSpec for a model. Unknown models get a provider by
// name prefix and the default pricing.
func (r *Registry) Lookup(model string) ModelSpec {
	if spec, ok := r.models[model]; ok {
		return spec
	}
	return ModelSpec{
		Name:               model,
		Provider:           DetectProvider(model),
		UpstreamID:         model,
		CostPerInputToken:  r.defaultIn,
		CostPerOutputToken: r.defaultOut,
	}
}

// Primary returns the configured primary model of a stage
func (r *Registry) Primary(stage models.Stage) string {
	return r.stages[stage].primary
}

// DetectProvider determines which provider a model belongs to
func DetectProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "claude-"):
		return "anthropic"
	case strings.HasPrefix(m, "gemini-"):
		return "google"
	case strings.HasPrefix(m, "deepseek-"):
		return "deepseek"
	}
	return ""
}
