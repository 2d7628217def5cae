package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/cfx-platform/cfx-router/internal/gateway/providers"
	"github.com/cfx-platform/cfx-router/internal/gateway/ratelimit"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

// StatusClientClosedRequest is logged when the caller went away mid-request
const StatusClientClosedRequest = 499

// CompletionRequest is the inbound OpenAI-compatible body
type CompletionRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Stream      bool                           `json:"stream"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	Temperature *float32                       `json:"temperature,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stop        StopSequences                  `json:"stop,omitempty"`
}

// StopSequences accepts either a string or a list of strings
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = StopSequences{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// Request is one authenticated chat completion call
type Request struct {
	RequestID   string
	Key         models.APIKey
	StageHeader string
	Body        CompletionRequest
	// BodyError is set when the body could not be decoded
	BodyError *APIError
}

// Meta is what the caller is told about routing and quota, sent as headers
type Meta struct {
	RequestID     string
	RateLimit     ratelimit.Status
	Stage         models.Stage
	InferredStage bool
	Model         string
	FallbackUsed  bool
}

// APIError is a user-visible failure in the OpenAI error shape
type APIError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// InvalidJSON reports a body that is not a valid completion request
func InvalidJSON(err error) *APIError {
	return &APIError{Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "invalid_json", Message: "invalid request body: " + err.Error()}
}

func invalidRequest(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "invalid_request", Message: msg}
}

// Output owns the wire format. SetMeta is called exactly once, before any
// other method.
type Output interface {
	SetMeta(meta Meta)
	WriteRejected(d *ratelimit.Decision)
	WriteError(err *APIError)
	WriteCompletion(resp *providers.ChatResponse)
	// WriteChunk sends one stream chunk. An error means the caller is gone.
	WriteChunk(chunk openai.ChatCompletionStreamResponse) error
	// EndStream terminates a stream, with an error event when err is non-nil
	EndStream(err *APIError)
}
