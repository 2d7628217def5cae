// Package providers adapts upstream LLM APIs to the OpenAI chat completion
// shape used everywhere else in the router.
package providers

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest is a chat completion request addressed to one upstream model
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stop        []string                       `json:"stop,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
}

// ChatResponse is an OpenAI-shaped chat completion
type ChatResponse struct {
	ID                string                        `json:"id"`
	Object            string                        `json:"object"`
	Created           int64                         `json:"created"`
	Model             string                        `json:"model"`
	Choices           []openai.ChatCompletionChoice `json:"choices"`
	Usage             openai.Usage                  `json:"usage"`
	SystemFingerprint string                        `json:"system_fingerprint,omitempty"`
}

// StreamReader yields OpenAI-shaped chunks until io.EOF
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Provider is the interface all upstream adapters implement
type Provider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error)
	Name() string
}

// messageText flattens a message to plain text, joining multi-part content
func messageText(msg openai.ChatCompletionMessage) string {
	if len(msg.MultiContent) == 0 {
		return msg.Content
	}
	var parts []string
	for _, p := range msg.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// finishReason maps upstream stop reasons onto OpenAI's vocabulary
func finishReason(upstream string) openai.FinishReason {
	switch strings.ToLower(upstream) {
	case "max_tokens":
		return openai.FinishReasonLength
	case "safety", "recitation":
		return openai.FinishReasonContentFilter
	case "tool_use":
		return openai.FinishReasonToolCalls
	default:
		return openai.FinishReasonStop
	}
}
