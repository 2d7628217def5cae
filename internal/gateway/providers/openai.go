package providers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to OpenAI or any endpoint speaking its API
// (DeepSeek, LiteLLM)
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates a provider. An empty baseURL keeps the client's
// default endpoint.
func NewOpenAIProvider(name, apiKey, baseURL string, httpClient *http.Client) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	r := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stop:     req.Stop,
	}
	if req.Temperature != nil {
		r.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		r.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		r.TopP = *req.TopP
	}
	return r
}

// ChatCompletion makes a chat completion request
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, p.wrap(err)
	}

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
	}, nil
}

// ChatCompletionStream opens a stream. The final chunk carries usage.
func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	r := p.buildRequest(req)
	r.Stream = true
	r.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, p.wrap(err)
	}
	return &openAIStreamReader{stream: stream, wrap: p.wrap}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) wrap(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return transportError(p.name, err)
}

type openAIStreamReader struct {
	stream *openai.ChatCompletionStream
	wrap   func(error) error
}

func (r *openAIStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	chunk, err := r.stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		return chunk, r.wrap(err)
	}
	return chunk, err
}

func (r *openAIStreamReader) Close() error {
	r.stream.Close()
	return nil
}
