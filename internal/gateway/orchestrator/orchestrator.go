// Package orchestrator drives one chat completion from classification to
// the usage record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/cfx-platform/cfx-router/internal/gateway/classifier"
	"github.com/cfx-platform/cfx-router/internal/gateway/dispatcher"
	"github.com/cfx-platform/cfx-router/internal/gateway/providers"
	"github.com/cfx-platform/cfx-router/internal/gateway/ratelimit"
	"github.com/cfx-platform/cfx-router/internal/gateway/registry"
	"github.com/cfx-platform/cfx-router/internal/gateway/usage"
	"github.com/cfx-platform/cfx-router/internal/shared/metrics"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

// Router resolves a stage and requested model to a route
type Router interface {
	Resolve(stage models.Stage, requested string) (registry.Route, error)
}

// PlanSource returns the plan currently attached to a key's account
type PlanSource interface {
	GetPlan(ctx context.Context, key models.APIKey) (*models.Plan, error)
}

// Limiter admits requests against a plan's limits
type Limiter interface {
	Admit(ctx context.Context, keyID string, limits ratelimit.Limits) *ratelimit.Decision
	Status(ctx context.Context, keyID string, limits ratelimit.Limits) (ratelimit.Status, error)
}

// Dispatcher runs a route against the upstream providers
type Dispatcher interface {
	Complete(ctx context.Context, route registry.Route, req providers.ChatRequest) (*dispatcher.Result, error)
	Stream(ctx context.Context, route registry.Route, req providers.ChatRequest) (*dispatcher.Stream, error)
}

// Recorder persists the outcome of a request
type Recorder interface {
	Record(rec usage.Record) models.LogEntry
}

// Orchestrator wires the request pipeline together
type Orchestrator struct {
	classifier classifier.Classifier
	router     Router
	plans      PlanSource
	limiter    Limiter
	dispatcher Dispatcher
	recorder   Recorder
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMetrics records request outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(c classifier.Classifier, r Router, plans PlanSource, l Limiter, d Dispatcher, rec Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier: c,
		router:     r,
		plans:      plans,
		limiter:    l,
		dispatcher: d,
		recorder:   rec,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs one request to its terminal state. Exactly one usage record
// is written, after the concurrency slot (if any) has been released.
func (o *Orchestrator) Handle(ctx context.Context, req Request, out Output) {
	start := o.now()
	meta := Meta{RequestID: req.RequestID}
	rec := usage.Record{
		RequestID:      req.RequestID,
		APIKeyID:       req.Key.ID,
		AccountID:      req.Key.AccountID,
		RequestedModel: req.Body.Model,
		Streamed:       req.Body.Stream,
	}

	cls := o.classifier.Classify(req.StageHeader, req.Body.Messages)
	rec.Stage, rec.InferredStage = cls.Stage, cls.Inferred
	meta.Stage, meta.InferredStage = cls.Stage, cls.Inferred

	plan, err := o.plans.GetPlan(ctx, req.Key)
	if err != nil {
		log.Error().Err(err).Str("request_id", req.RequestID).Str("account_id", req.Key.AccountID).Msg("failed to load plan")
		apiErr := &APIError{Status: http.StatusInternalServerError, Type: "server_error", Code: "plan_unavailable", Message: "could not load plan for this key"}
		out.SetMeta(meta)
		out.WriteError(apiErr)
		o.finish(start, o.failed(rec, models.StatusError, apiErr))
		return
	}
	limits := ratelimit.Limits{DailyRequests: plan.DailyRequests, ConcurrentStreams: plan.ConcurrentStreams}

	var route registry.Route
	apiErr := req.BodyError
	if apiErr == nil {
		route, apiErr = o.resolve(cls.Stage, req.Body)
	}
	if apiErr != nil {
		// invalid requests consume no quota, but still report it
		meta.RateLimit, _ = o.limiter.Status(ctx, req.Key.ID, limits)
		out.SetMeta(meta)
		out.WriteError(apiErr)
		o.finish(start, o.failed(rec, models.StatusInvalid, apiErr))
		return
	}

	decision := o.limiter.Admit(ctx, req.Key.ID, limits)
	meta.RateLimit = decision.Status
	if !decision.Admitted {
		out.SetMeta(meta)
		out.WriteRejected(decision)
		rec.HTTPStatus = http.StatusTooManyRequests
		rec.Status = models.StatusRateLimited
		rec.Error = rejectionMessage(decision.Reason)
		o.finish(start, rec)
		return
	}

	o.dispatch(ctx, req, route, plan, decision, meta, rec, start, out)
}

func (o *Orchestrator) resolve(stage models.Stage, body CompletionRequest) (registry.Route, *APIError) {
	if len(body.Messages) == 0 {
		return registry.Route{}, invalidRequest("messages must not be empty")
	}
	route, err := o.router.Resolve(stage, body.Model)
	if err != nil {
		return registry.Route{}, invalidRequest(err.Error())
	}
	return route, nil
}

func rejectionMessage(reason ratelimit.Reason) string {
	if reason == ratelimit.ReasonConcurrent {
		return "concurrent stream limit reached"
	}
	return "daily request limit reached"
}

func (o *Orchestrator) failed(rec usage.Record, status models.LogStatus, err *APIError) usage.Record {
	rec.Status = status
	rec.HTTPStatus = err.Status
	rec.Error = err.Message
	return rec
}

// dispatch runs an admitted request. The deferred block releases the slot
// and then records, on every path including a panic.
func (o *Orchestrator) dispatch(ctx context.Context, req Request, route registry.Route, plan *models.Plan,
	decision *ratelimit.Decision, meta Meta, rec usage.Record, start time.Time, out Output) {

	defer func() {
		p := recover()
		decision.Release()
		if p != nil {
			rec.Status = models.StatusError
			rec.HTTPStatus = http.StatusInternalServerError
			rec.Error = fmt.Sprintf("panic: %v", p)
		}
		o.finish(start, rec)
		if p != nil {
			panic(p)
		}
	}()

	upstream := providers.ChatRequest{
		Messages:    req.Body.Messages,
		Temperature: req.Body.Temperature,
		MaxTokens:   capTokens(req.Body.MaxTokens, route.MaxTokens, plan.MaxTokensPerRequest),
		TopP:        req.Body.TopP,
		Stop:        req.Body.Stop,
	}
	if upstream.Temperature == nil {
		upstream.Temperature = route.Temperature
	}

	if req.Body.Stream {
		o.stream(ctx, req, route, upstream, meta, &rec, out)
		return
	}

	res, err := o.dispatcher.Complete(ctx, route, upstream)
	if err != nil {
		o.fail(ctx, err, meta, &rec, out)
		return
	}

	rec.Model, rec.Provider, rec.FallbackUsed = res.Model, res.Provider, res.FallbackUsed
	u := res.Response.Usage
	if u.PromptTokens == 0 {
		u.PromptTokens = EstimateTokens(req.Body.Messages)
	}
	if u.CompletionTokens == 0 {
		for _, c := range res.Response.Choices {
			u.CompletionTokens += estimateText(c.Message.Content)
		}
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	res.Response.Usage = u
	rec.PromptTokens, rec.CompletionTokens = u.PromptTokens, u.CompletionTokens
	rec.Status, rec.HTTPStatus = models.StatusSuccess, http.StatusOK

	meta.Model, meta.FallbackUsed = res.Model, res.FallbackUsed
	out.SetMeta(meta)
	out.WriteCompletion(res.Response)
}

func (o *Orchestrator) stream(ctx context.Context, req Request, route registry.Route, upstream providers.ChatRequest,
	meta Meta, rec *usage.Record, out Output) {

	s, err := o.dispatcher.Stream(ctx, route, upstream)
	if err != nil {
		o.fail(ctx, err, meta, rec, out)
		return
	}
	defer s.Close()

	rec.Model, rec.Provider, rec.FallbackUsed = s.Model, s.Provider, s.FallbackUsed
	meta.Model, meta.FallbackUsed = s.Model, s.FallbackUsed
	out.SetMeta(meta)

	delivered := 0
	clientGone := false
	for chunk := range s.Chunks() {
		if ctx.Err() != nil {
			clientGone = true
			break
		}
		if err := out.WriteChunk(chunk); err != nil {
			clientGone = true
			break
		}
		if hasContent(chunk) {
			delivered++
		}
	}
	s.Close()
	clientGone = clientGone || ctx.Err() != nil
	streamErr := s.Err()
	reported := s.Usage()

	rec.CompletionTokens = delivered
	rec.PromptTokens = EstimateTokens(req.Body.Messages)
	if reported != nil {
		if reported.PromptTokens > 0 {
			rec.PromptTokens = reported.PromptTokens
		}
		if streamErr == nil && !clientGone {
			rec.CompletionTokens = reported.CompletionTokens
		}
	}

	switch {
	case clientGone:
		rec.Status, rec.HTTPStatus = models.StatusCancelled, StatusClientClosedRequest
		rec.Error = context.Canceled.Error()
	case streamErr != nil:
		apiErr := upstreamError(streamErr)
		rec.Status, rec.HTTPStatus, rec.Error = models.StatusError, apiErr.Status, apiErr.Message
		out.EndStream(apiErr)
	default:
		rec.Status, rec.HTTPStatus = models.StatusSuccess, http.StatusOK
		out.EndStream(nil)
	}
}

// fail maps a dispatch error onto the record and the response
func (o *Orchestrator) fail(ctx context.Context, err error, meta Meta, rec *usage.Record, out Output) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		rec.Status, rec.HTTPStatus = models.StatusCancelled, StatusClientClosedRequest
		rec.Error = context.Canceled.Error()
		return
	}

	var exhausted *dispatcher.ExhaustedError
	if errors.As(err, &exhausted) {
		log.Warn().Str("request_id", meta.RequestID).Str("attempts", exhausted.Summary()).Msg("all models failed")
	}

	apiErr := upstreamError(err)
	rec.Status, rec.HTTPStatus, rec.Error = models.StatusError, apiErr.Status, apiErr.Message
	out.SetMeta(meta)
	out.WriteError(apiErr)
}

// upstreamError passes provider 4xx through and turns everything else into
// a 502
func upstreamError(err error) *APIError {
	if status := providers.StatusCode(err); status >= 400 && status < 500 && !providers.IsRetryable(err) {
		return &APIError{Status: status, Type: "invalid_request_error", Code: "upstream_rejected", Message: err.Error()}
	}
	return &APIError{Status: http.StatusBadGateway, Type: "upstream_error", Code: "provider_unavailable", Message: err.Error()}
}

func (o *Orchestrator) finish(start time.Time, rec usage.Record) {
	rec.Latency = o.now().Sub(start)
	o.metrics.ObserveRequest(string(rec.Stage), rec.Model, string(rec.Status), rec.Latency, rec.PromptTokens, rec.CompletionTokens)
	entry := o.recorder.Record(rec)

	log.Info().
		Str("request_id", rec.RequestID).
		Str("api_key_id", rec.APIKeyID).
		Str("stage", string(rec.Stage)).
		Bool("inferred_stage", rec.InferredStage).
		Str("model", rec.Model).
		Bool("fallback", rec.FallbackUsed).
		Str("status", string(rec.Status)).
		Int("http_status", rec.HTTPStatus).
		Int("prompt_tokens", rec.PromptTokens).
		Int("completion_tokens", rec.CompletionTokens).
		Str("cost", entry.Cost.String()).
		Dur("latency", rec.Latency).
		Msg("chat completion")
}

// capTokens returns the smallest positive value among the request and the
// two caps, or nil when none is set
func capTokens(requested *int, caps ...int) *int {
	limit := 0
	if requested != nil && *requested > 0 {
		limit = *requested
	}
	for _, c := range caps {
		if c > 0 && (limit == 0 || c < limit) {
			limit = c
		}
	}
	if limit == 0 {
		return nil
	}
	return &limit
}

func hasContent(chunk openai.ChatCompletionStreamResponse) bool {
	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			return true
		}
	}
	return false
}

// EstimateTokens approximates prompt tokens as one per four characters
func EstimateTokens(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content)
		for _, p := range m.MultiContent {
			total += utf8.RuneCountInString(p.Text)
		}
	}
	return (total + 3) / 4
}

func estimateText(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
