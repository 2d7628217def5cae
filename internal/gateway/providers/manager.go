package providers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cfx-platform/cfx-router/internal/shared/config"
)

// ProviderLiteLLM is the catch-all OpenAI-compatible proxy. When it is
// configured it serves every provider that has no credentials of its own.
const ProviderLiteLLM = "litellm"

// Manager holds the configured providers by name
type Manager struct {
	providers map[string]Provider
}

// NewManager creates providers for every upstream with credentials
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{providers: make(map[string]Provider)}
	httpClient := newHTTPClient(cfg.ProviderTimeout)

	if cfg.OpenAIAPIKey != "" {
		m.Register(NewOpenAIProvider("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, httpClient))
	}
	if cfg.AnthropicAPIKey != "" {
		m.Register(NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, httpClient))
	}
	if cfg.GeminiAPIKey != "" {
		m.Register(NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiBaseURL, httpClient))
	}
	if cfg.DeepSeekAPIKey != "" {
		m.Register(NewOpenAIProvider("deepseek", cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, httpClient))
	}
	if cfg.LiteLLMURL != "" {
		m.Register(NewOpenAIProvider(ProviderLiteLLM, cfg.LiteLLMAPIKey, cfg.LiteLLMURL, httpClient))
	}
	return m
}

// newHTTPClient bounds the wait for response headers only; streams may run
// far longer than any fixed client timeout.
func newHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// Register adds or replaces a provider under its own name
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Provider returns the provider registered under name, or the LiteLLM proxy
// when name has no credentials
func (m *Manager) Provider(name string) (Provider, error) {
	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	if p, ok := m.providers[ProviderLiteLLM]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q (check API key)", ErrNotConfigured, name)
}

// Names lists configured providers, sorted
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
