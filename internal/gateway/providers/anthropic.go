package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
	// 529 is what the API returns for overloaded_error
	statusOverloaded = 529
)

// AnthropicProvider handles Anthropic Messages API requests
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	System        string             `json:"system,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicEvent covers every SSE event the stream reader uses
type anthropicEvent struct {
	Type    string             `json:"type"`
	Message *anthropicResponse `json:"message,omitempty"`
	Delta   struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string, httpClient *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.Name(), err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: httpResp.StatusCode,
			Message:    anthropicErrorMessage(respBody),
		}
	}
	return httpResp, nil
}

func anthropicErrorMessage(body []byte) string {
	var e anthropicError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// ChatCompletion makes a chat completion request to Anthropic
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpResp, err := p.post(ctx, p.convertRequest(req))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, transportError(p.Name(), fmt.Errorf("failed to parse response: %w", err))
	}
	return p.convertResponse(resp), nil
}

// ChatCompletionStream makes a streaming request
func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	body := p.convertRequest(req)
	body.Stream = true

	httpResp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return &anthropicStreamReader{
		reader: bufio.NewReader(httpResp.Body),
		resp:   httpResp,
		model:  req.Model,
	}, nil
}

type anthropicStreamReader struct {
	reader *bufio.Reader
	resp   *http.Response
	model  string
	id     string
	usage  anthropicUsage
}

func (r *anthropicStreamReader) chunk(choice openai.ChatCompletionStreamChoice) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   r.model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	}
}

// Recv reads SSE lines until an event maps to a chunk
func (r *anthropicStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return openai.ChatCompletionStreamResponse{}, io.EOF
			}
			return openai.ChatCompletionStreamResponse{}, transportError("anthropic", err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var event anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				r.id = event.Message.ID
				r.usage.InputTokens = event.Message.Usage.InputTokens
			}
			return r.chunk(openai.ChatCompletionStreamChoice{
				Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
			}), nil

		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			return r.chunk(openai.ChatCompletionStreamChoice{
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: event.Delta.Text},
			}), nil

		case "message_delta":
			if event.Usage != nil {
				r.usage.OutputTokens = event.Usage.OutputTokens
			}
			chunk := r.chunk(openai.ChatCompletionStreamChoice{FinishReason: finishReason(event.Delta.StopReason)})
			chunk.Usage = &openai.Usage{
				PromptTokens:     r.usage.InputTokens,
				CompletionTokens: r.usage.OutputTokens,
				TotalTokens:      r.usage.InputTokens + r.usage.OutputTokens,
			}
			return chunk, nil

		case "message_stop":
			return openai.ChatCompletionStreamResponse{}, io.EOF

		case "error":
			status := http.StatusInternalServerError
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
				if event.Error.Type == "overloaded_error" {
					status = statusOverloaded
				}
			}
			return openai.ChatCompletionStreamResponse{}, &ProviderError{Provider: "anthropic", StatusCode: status, Message: msg}
		}
	}
}

// Close closes the stream
func (r *anthropicStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}

// convertRequest converts to Anthropic format. System messages are lifted
// into the top-level system prompt.
func (p *AnthropicProvider) convertRequest(req ChatRequest) anthropicRequest {
	out := anthropicRequest{
		Model:         req.Model,
		Messages:      []anthropicMessage{},
		MaxTokens:     anthropicDefaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		text := messageText(msg)
		if msg.Role == openai.ChatMessageRoleSystem {
			system = append(system, text)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: msg.Role, Content: text})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (p *AnthropicProvider) convertResponse(resp anthropicResponse) *ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content.String(),
				},
				FinishReason: finishReason(resp.StopReason),
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
