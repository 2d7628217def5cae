// Package dispatcher sends a request down a model fallback chain, skipping
// models whose circuit is open.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/cfx-platform/cfx-router/internal/gateway/circuit"
	"github.com/cfx-platform/cfx-router/internal/gateway/providers"
	"github.com/cfx-platform/cfx-router/internal/gateway/registry"
	"github.com/cfx-platform/cfx-router/internal/shared/metrics"
)

// errEmptyStream is returned when an upstream closes a stream before the
// first chunk
var errEmptyStream = errors.New("stream closed before first chunk")

// Catalog resolves a model name to its provider and upstream id
type Catalog interface {
	Lookup(model string) registry.ModelSpec
}

// Providers returns the adapter serving a provider name
type Providers interface {
	Provider(name string) (providers.Provider, error)
}

// Attempt is one candidate the dispatcher considered
type Attempt struct {
	Model    string
	Provider string
	Skipped  bool
	Err      error
	Duration time.Duration
}

// ExhaustedError means no candidate in the chain produced a response
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return "no model available"
	}
	return e.Last.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Summary lists the attempted models and why each failed
func (e *ExhaustedError) Summary() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Model, a.Err))
	}
	return strings.Join(parts, "; ")
}

// Result is a completed non-streaming call
type Result struct {
	Response     *providers.ChatResponse
	Model        string
	Provider     string
	FallbackUsed bool
	Attempts     []Attempt
}

// Dispatcher is safe for concurrent use
type Dispatcher struct {
	catalog   Catalog
	providers Providers
	breakers  *circuit.Registry
	metrics   *metrics.Metrics
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics counts provider failures and fallbacks
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher
func New(catalog Catalog, provs Providers, breakers *circuit.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{catalog: catalog, providers: provs, breakers: breakers}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// candidate is a model that passed the provider and breaker checks
type candidate struct {
	spec     registry.ModelSpec
	provider providers.Provider
	permit   *circuit.Permit
}

// acquire resolves model and takes a breaker permit. A nil candidate means
// the model was skipped and the attempt says why.
func (d *Dispatcher) acquire(model string) (*candidate, Attempt) {
	spec := d.catalog.Lookup(model)
	attempt := Attempt{Model: model, Provider: spec.Provider}

	p, err := d.providers.Provider(spec.Provider)
	if err != nil {
		attempt.Skipped, attempt.Err = true, err
		return nil, attempt
	}
	permit, err := d.breakers.Allow(model)
	if err != nil {
		attempt.Skipped, attempt.Err = true, fmt.Errorf("%s: %w", model, err)
		return nil, attempt
	}
	attempt.Provider = p.Name()
	return &candidate{spec: spec, provider: p, permit: permit}, attempt
}

func chain(route registry.Route) []string {
	return append([]string{route.Model}, route.Fallbacks...)
}

// settle records the outcome of a failed call. It reports whether the
// dispatcher may move on to the next candidate.
func (d *Dispatcher) settle(ctx context.Context, c *candidate, attempt *Attempt, err error) bool {
	if ctx.Err() != nil {
		c.permit.Cancel()
		return false
	}
	if !providers.IsRetryable(err) {
		// the provider answered; the request itself was bad
		c.permit.Success()
		return false
	}
	c.permit.Failure()
	d.metrics.ProviderFailure(attempt.Model, attempt.Provider)
	log.Warn().
		Err(err).
		Str("model", attempt.Model).
		Str("provider", attempt.Provider).
		Dur("duration", attempt.Duration).
		Msg("provider call failed, trying next model")
	return true
}

// Complete runs a non-streaming request through the chain
func (d *Dispatcher) Complete(ctx context.Context, route registry.Route, req providers.ChatRequest) (*Result, error) {
	var attempts []Attempt
	var last error

	for i, model := range chain(route) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, attempt := d.acquire(model)
		if c == nil {
			attempts = append(attempts, attempt)
			last = attempt.Err
			continue
		}

		r := req
		r.Model = c.spec.UpstreamID
		r.Stream = false
		start := time.Now()
		resp, err := c.provider.ChatCompletion(ctx, r)
		attempt.Duration = time.Since(start)

		if err == nil {
			c.permit.Success()
			resp.Model = model
			if i > 0 {
				d.metrics.Fallback(string(route.Stage), model)
			}
			return &Result{
				Response:     resp,
				Model:        model,
				Provider:     attempt.Provider,
				FallbackUsed: i > 0,
				Attempts:     append(attempts, attempt),
			}, nil
		}

		attempt.Err = err
		attempts = append(attempts, attempt)
		if !d.settle(ctx, c, &attempt, err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		last = err
	}

	return nil, &ExhaustedError{Attempts: attempts, Last: last}
}

// Stream opens a streaming request. Candidates are tried until one yields
// its first chunk; after that the stream is committed to that model.
func (d *Dispatcher) Stream(ctx context.Context, route registry.Route, req providers.ChatRequest) (*Stream, error) {
	var attempts []Attempt
	var last error

	for i, model := range chain(route) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, attempt := d.acquire(model)
		if c == nil {
			attempts = append(attempts, attempt)
			last = attempt.Err
			continue
		}

		r := req
		r.Model = c.spec.UpstreamID
		r.Stream = true

		actx, cancel := context.WithCancel(ctx)
		start := time.Now()
		reader, err := c.provider.ChatCompletionStream(actx, r)
		var first openai.ChatCompletionStreamResponse
		if err == nil {
			first, err = reader.Recv()
			if errors.Is(err, io.EOF) {
				err = &providers.ProviderError{Provider: attempt.Provider, Message: errEmptyStream.Error(), Err: errEmptyStream}
			}
			if err != nil {
				_ = reader.Close()
			}
		}
		attempt.Duration = time.Since(start)

		if err == nil {
			if i > 0 {
				d.metrics.Fallback(string(route.Stage), model)
			}
			s := &Stream{
				Model:        model,
				Provider:     attempt.Provider,
				FallbackUsed: i > 0,
				Attempts:     append(attempts, attempt),
				chunks:       make(chan openai.ChatCompletionStreamResponse),
				done:         make(chan struct{}),
				cancel:       cancel,
			}
			go s.run(actx, reader, first, c.permit)
			return s, nil
		}
		cancel()

		attempt.Err = err
		attempts = append(attempts, attempt)
		if !d.settle(ctx, c, &attempt, err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		last = err
	}

	return nil, &ExhaustedError{Attempts: attempts, Last: last}
}
