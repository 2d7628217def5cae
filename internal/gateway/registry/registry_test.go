package registry

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cfx-platform/cfx-router/internal/shared/config"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(config.DefaultRouting())
	require.NoError(t, err)
	return r
}

func TestResolveAutoUsesStagePrimary(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		stage     models.Stage
		model     string
		fallbacks []string
	}{
		{models.StagePlan, "claude-sonnet-4.5", []string{"gemini-2.5-pro", "gpt-4o"}},
		{models.StageCode, "deepseek-v3", []string{"gemini-2.0-flash", "gpt-4o-mini"}},
		{models.StageReview, "gpt-4o-mini", []string{"gemini-2.0-flash-lite", "claude-haiku-4.5"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			for _, requested := range []string{"auto", "AUTO", ""} {
				route, err := r.Resolve(tt.stage, requested)
				require.NoError(t, err)
				require.Equal(t, tt.model, route.Model)
				require.Equal(t, tt.model, r.Primary(tt.stage))
				require.Equal(t, tt.fallbacks, route.Fallbacks)
				require.Equal(t, tt.stage, route.Stage)
			}
		})
	}
}

func TestResolveHintKeepsStageChain(t *testing.T) {
	r := newTestRegistry(t)

	route, err := r.Resolve(models.StageCode, "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", route.Model)
	require.Equal(t, []string{"gemini-2.0-flash", "gpt-4o-mini"}, route.Fallbacks)

	// a hint that is already in the chain is not tried twice
	route, err = r.Resolve(models.StageCode, "gpt-4o-mini")
	require.NoError(t, err)
	require.Equal(t, []string{"gemini-2.0-flash"}, route.Fallbacks)
}

func TestResolveDirect(t *testing.T) {
	r := newTestRegistry(t)

	route, err := r.Resolve(models.StageDirect, "gpt-4.1")
	require.NoError(t, err)
	require.Equal(t, "gpt-4.1", route.Model)
	require.Empty(t, route.Fallbacks)
	require.Equal(t, 8192, route.MaxTokens)

	_, err = r.Resolve(models.StageDirect, "auto")
	require.ErrorIs(t, err, ErrModelRequired)
}

func TestResolveDirectAllowlist(t *testing.T) {
	cfg := config.DefaultRouting()
	cfg.Direct.AllowedModels = []string{"gpt-4o"}
	r, err := New(cfg)
	require.NoError(t, err)

	_, err = r.Resolve(models.StageDirect, "gpt-4o")
	require.NoError(t, err)

	_, err = r.Resolve(models.StageDirect, "claude-opus-4")
	require.True(t, errors.Is(err, ErrModelNotAllowed))
}

func TestLookupPricing(t *testing.T) {
	r := newTestRegistry(t)

	spec := r.Lookup("gpt-4o-mini")
	require.True(t, spec.Known)
	require.Equal(t, "openai", spec.Provider)
	// 1000 prompt at $0.15/1M + 500 completion at $0.60/1M
	require.True(t, spec.Cost(1000, 500).Equal(decimal.RequireFromString("0.00045")), spec.Cost(1000, 500).String())

	spec = r.Lookup("claude-sonnet-4.5")
	require.Equal(t, "claude-sonnet-4-5-20250929", spec.UpstreamID)

	unknown := r.Lookup("gemini-3-ultra")
	require.False(t, unknown.Known)
	require.Equal(t, "google", unknown.Provider)
	require.True(t, unknown.Cost(1_000_000, 1_000_000).Equal(decimal.NewFromInt(3)))
}

func TestDetectProvider(t *testing.T) {
	require.Equal(t, "openai", DetectProvider("gpt-4o"))
	require.Equal(t, "openai", DetectProvider("o3-mini"))
	require.Equal(t, "anthropic", DetectProvider("claude-3-5-haiku"))
	require.Equal(t, "google", DetectProvider("gemini-2.5-pro"))
	require.Equal(t, "deepseek", DetectProvider("deepseek-coder"))
	require.Equal(t, "", DetectProvider("llama-3"))
}

func TestNewRejectsUnknownStage(t *testing.T) {
	cfg := config.DefaultRouting()
	cfg.Stages["deploy"] = config.StageConfig{Primary: "gpt-4o"}
	_, err := New(cfg)
	require.Error(t, err)
}
