package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/cfx-platform/cfx-router/internal/shared/config"
)

func userRequest(model string) ChatRequest {
	maxTokens := 64
	return ChatRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
			{Role: openai.ChatMessageRoleUser, Content: "hello"},
		},
		MaxTokens: &maxTokens,
	}
}

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n\n", l)
	}
}

func drain(t *testing.T, r StreamReader) ([]openai.ChatCompletionStreamResponse, error) {
	t.Helper()
	defer r.Close()
	var chunks []openai.ChatCompletionStreamResponse
	for {
		c, err := r.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestOpenAICompatibleCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "deepseek-chat", body["model"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","model":"deepseek-chat",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("deepseek", "sk-test", srv.URL+"/v1", srv.Client())
	resp, err := p.ChatCompletion(context.Background(), userRequest("deepseek-chat"))
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Choices[0].Message.Content)
	require.Equal(t, 8, resp.Usage.TotalTokens)
	require.Equal(t, "deepseek", p.Name())
}

func TestOpenAIErrorsAreTyped(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"upstream said no","type":"api_error"}}`)
			}))
			defer srv.Close()

			p := NewOpenAIProvider("openai", "sk-test", srv.URL+"/v1", srv.Client())
			_, err := p.ChatCompletion(context.Background(), userRequest("gpt-4o"))
			require.Error(t, err)

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, tt.status, pe.StatusCode)
			require.Equal(t, tt.retryable, IsRetryable(err))
			require.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestOpenAIStreamReportsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["stream"])
		require.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])

		sse(w,
			`data: {"id":"s1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`data: {"id":"s1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`data: {"id":"s1","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
			`data: [DONE]`,
		)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL+"/v1", srv.Client())
	stream, err := p.ChatCompletionStream(context.Background(), userRequest("gpt-4o"))
	require.NoError(t, err)

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, "Hel", chunks[0].Choices[0].Delta.Content)
	require.NotNil(t, chunks[2].Usage)
	require.Equal(t, 2, chunks[2].Usage.CompletionTokens)
}

func TestAnthropicCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "be brief", body.System)
		require.Len(t, body.Messages, 1)
		require.Equal(t, 64, body.MaxTokens)

		fmt.Fprint(w, `{"id":"msg_1","model":"claude-sonnet-4-5","stop_reason":"max_tokens",
			"content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}],
			"usage":{"input_tokens":12,"output_tokens":3}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), userRequest("claude-sonnet-4-5"))
	require.NoError(t, err)
	require.Equal(t, "Hi there", resp.Choices[0].Message.Content)
	require.Equal(t, openai.FinishReasonLength, resp.Choices[0].FinishReason)
	require.Equal(t, openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, resp.Usage)
}

func TestAnthropicOverloadIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusOverloaded)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant", srv.URL, srv.Client())
	_, err := p.ChatCompletionStream(context.Background(), userRequest("claude-sonnet-4-5"))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "Overloaded", pe.Message)
	require.True(t, IsRetryable(err))
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			"event: message_start\n"+`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":9,"output_tokens":1}}}`,
			"event: ping\n"+`data: {"type":"ping"}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`data: {"type":"message_stop"}`,
		)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant", srv.URL, srv.Client())
	stream, err := p.ChatCompletionStream(context.Background(), userRequest("claude-sonnet-4-5"))
	require.NoError(t, err)

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	require.Equal(t, openai.ChatMessageRoleAssistant, chunks[0].Choices[0].Delta.Role)
	require.Equal(t, "Hel", chunks[1].Choices[0].Delta.Content)
	require.Equal(t, "lo", chunks[2].Choices[0].Delta.Content)
	require.Equal(t, &openai.Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}, chunks[3].Usage)
	require.Equal(t, "msg_1", chunks[3].ID)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
			`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant", srv.URL, srv.Client())
	stream, err := p.ChatCompletionStream(context.Background(), userRequest("claude-haiku-4-5"))
	require.NoError(t, err)

	chunks, err := drain(t, stream)
	require.Len(t, chunks, 1)
	require.Equal(t, statusOverloaded, StatusCode(err))
}

func TestGeminiCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		require.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.Empty(t, r.URL.Query().Get("key"))

		var body geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.SystemInstruction)
		require.Equal(t, "be brief", body.SystemInstruction.Parts[0].Text)
		require.Len(t, body.Contents, 1)
		require.Equal(t, "user", body.Contents[0].Role)

		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hey"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1,"totalTokenCount":6}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("g-key", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), userRequest("gemini-2.0-flash"))
	require.NoError(t, err)
	require.Equal(t, "hey", resp.Choices[0].Message.Content)
	require.Equal(t, 6, resp.Usage.TotalTokens)
	require.Equal(t, "gemini-2.0-flash", resp.Model)
}

func TestGeminiStreamAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1beta/models/limited:streamGenerateContent" {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
			return
		}
		require.Equal(t, "sse", r.URL.Query().Get("alt"))
		sse(w,
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"a"}]}}]}`,
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"b"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`,
		)
	}))
	defer srv.Close()

	p := NewGeminiProvider("g-key", srv.URL, srv.Client())
	stream, err := p.ChatCompletionStream(context.Background(), userRequest("gemini-2.0-flash"))
	require.NoError(t, err)
	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "b", chunks[1].Choices[0].Delta.Content)
	require.Equal(t, 5, chunks[1].Usage.TotalTokens)

	_, err = p.ChatCompletionStream(context.Background(), userRequest("limited"))
	require.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	require.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(transportError("openai", context.Canceled)))
	require.True(t, IsRetryable(errors.New("connection reset by peer")))
	require.True(t, IsRetryable(&ProviderError{Provider: "openai", StatusCode: http.StatusRequestTimeout}))
	require.True(t, IsRetryable(&ProviderError{Provider: "openai", StatusCode: http.StatusBadGateway}))
	require.False(t, IsRetryable(&ProviderError{Provider: "openai", StatusCode: http.StatusNotFound}))
}

func TestManagerFallsBackToLiteLLM(t *testing.T) {
	m := NewManager(&config.Config{OpenAIAPIKey: "sk-test"})
	require.Equal(t, []string{"openai"}, m.Names())

	_, err := m.Provider("anthropic")
	require.ErrorIs(t, err, ErrNotConfigured)

	m = NewManager(&config.Config{OpenAIAPIKey: "sk-test", LiteLLMURL: "http://litellm:4000"})
	p, err := m.Provider("anthropic")
	require.NoError(t, err)
	require.Equal(t, ProviderLiteLLM, p.Name())

	p, err = m.Provider("openai")
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())
}
