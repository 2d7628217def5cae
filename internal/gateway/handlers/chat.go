package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/cfx-platform/cfx-router/internal/gateway/orchestrator"
	"github.com/cfx-platform/cfx-router/internal/gateway/providers"
	"github.com/cfx-platform/cfx-router/internal/gateway/ratelimit"
)

const (
	// HeaderStage selects the stage explicitly
	HeaderStage = "X-CFX-Stage"

	maxBodyBytes = 10 << 20
)

// Pipeline runs one chat completion to its terminal state
type Pipeline interface {
	Handle(ctx context.Context, req orchestrator.Request, out orchestrator.Output)
}

type ChatHandler struct {
	pipeline Pipeline
}

func NewChatHandler(p Pipeline) *ChatHandler {
	return &ChatHandler{pipeline: p}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "unauthorized")
		return
	}

	req := orchestrator.Request{
		RequestID:   RequestIDFromContext(r.Context()),
		Key:         principal.Key,
		StageHeader: r.Header.Get(HeaderStage),
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req.Body); err != nil {
		// still goes through the pipeline so it is logged with quota headers
		req.Body = orchestrator.CompletionRequest{}
		req.BodyError = orchestrator.InvalidJSON(err)
	}
	h.pipeline.Handle(r.Context(), req, newHTTPOutput(w))
}

// httpOutput renders orchestrator results as JSON or SSE
type httpOutput struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	streaming bool
}

func newHTTPOutput(w http.ResponseWriter) *httpOutput {
	f, _ := w.(http.Flusher)
	return &httpOutput{w: w, flusher: f}
}

func (o *httpOutput) SetMeta(m orchestrator.Meta) {
	h := o.w.Header()
	h.Set(HeaderRequestID, m.RequestID)
	// no quota is known when the plan could not be loaded
	if !m.RateLimit.ResetAt.IsZero() {
		h.Set("X-RateLimit-Limit", strconv.Itoa(m.RateLimit.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(m.RateLimit.Remaining))
		h.Set("X-RateLimit-Reset", m.RateLimit.ResetAt.UTC().Format(time.RFC3339))
	}
	if m.Stage != "" {
		h.Set(HeaderStage, string(m.Stage))
		h.Set("X-CFX-Inferred-Stage", strconv.FormatBool(m.InferredStage))
	}
	if m.Model != "" {
		h.Set("X-CFX-Model-Used", m.Model)
	}
	if m.FallbackUsed {
		h.Set("X-CFX-Fallback", "true")
	}
}

type rateLimitBody struct {
	Error rateLimitDetail `json:"error"`
}

type rateLimitDetail struct {
	Code      string `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Limit     string `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
}

func (o *httpOutput) WriteRejected(d *ratelimit.Decision) {
	msg := fmt.Sprintf("daily request limit of %d reached", d.Status.Limit)
	retryAfter := int(math.Ceil(time.Until(d.Status.ResetAt).Seconds()))
	if d.Reason == ratelimit.ReasonConcurrent {
		msg = "too many concurrent requests for this key"
		retryAfter = 1
	}
	if retryAfter > 0 {
		o.w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	writeJSON(o.w, http.StatusTooManyRequests, rateLimitBody{Error: rateLimitDetail{
		Code:      "rate_limit_exceeded",
		Type:      "rate_limit_error",
		Message:   msg,
		Limit:     string(d.Reason),
		Remaining: d.Status.Remaining,
		ResetAt:   d.Status.ResetAt.UTC().Format(time.RFC3339),
	}})
}

func (o *httpOutput) WriteError(err *orchestrator.APIError) {
	writeError(o.w, err.Status, err.Type, err.Code, err.Message)
}

func (o *httpOutput) WriteCompletion(resp *providers.ChatResponse) {
	writeJSON(o.w, http.StatusOK, resp)
}

func (o *httpOutput) startStream() {
	if o.streaming {
		return
	}
	o.streaming = true
	h := o.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	o.w.WriteHeader(http.StatusOK)
}

func (o *httpOutput) event(data []byte) error {
	if _, err := fmt.Fprintf(o.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if o.flusher != nil {
		o.flusher.Flush()
	}
	return nil
}

func (o *httpOutput) WriteChunk(chunk openai.ChatCompletionStreamResponse) error {
	o.startStream()
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return o.event(data)
}

func (o *httpOutput) EndStream(apiErr *orchestrator.APIError) {
	o.startStream()
	if apiErr != nil {
		data, _ := json.Marshal(errorBody{Error: errorDetail{Message: apiErr.Message, Type: apiErr.Type, Code: apiErr.Code}})
		if err := o.event(data); err != nil {
			return
		}
	}
	if err := o.event([]byte("[DONE]")); err != nil {
		log.Debug().Err(err).Msg("failed to terminate stream")
	}
}
