package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cfx_router"

// Metrics holds the router's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Requests          *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	Tokens            *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	LimiterErrors     prometheus.Counter
	CircuitState      *prometheus.GaugeVec
	ProviderFailures  *prometheus.CounterVec
	Fallbacks         *prometheus.CounterVec
	UsageDropped      prometheus.Counter
	UsageWriteFailure prometheus.Counter
	UsageWritten      prometheus.Counter
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	m.gatherer = reg
	return m
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	latencyBuckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by stage, served model and outcome.",
		}, []string{"stage", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end chat completion latency.",
			Buckets:   latencyBuckets,
		}, []string{"stage", "model"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Prompt and completion tokens by served model.",
		}, []string{"model", "type"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the quota tracker, by limit.",
		}, []string{"limit"}),
		LimiterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_store_errors_total",
			Help:      "Quota store errors; the request was admitted without accounting.",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per model (0 closed, 1 open, 2 half-open).",
		}, []string{"model"}),
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Failed upstream attempts by model and provider.",
		}, []string{"model", "provider"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests served by a model other than the first candidate.",
		}, []string{"stage", "model"}),
		UsageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_entries_dropped_total",
			Help:      "Usage entries dropped because the write queue was full.",
		}),
		UsageWriteFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_write_failures_total",
			Help:      "Usage entries lost after all write retries failed.",
		}),
		UsageWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_entries_written_total",
			Help:      "Usage entries persisted.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.RequestLatency, m.Tokens, m.RateLimited, m.LimiterErrors,
		m.CircuitState, m.ProviderFailures, m.Fallbacks,
		m.UsageDropped, m.UsageWriteFailure, m.UsageWritten,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRequest records one finished chat completion
func (m *Metrics) ObserveRequest(stage, model, status string, d time.Duration, prompt, completion int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(stage, model, status).Inc()
	if model != "" {
		m.RequestLatency.WithLabelValues(stage, model).Observe(d.Seconds())
		m.Tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
		m.Tokens.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

func (m *Metrics) RateLimitRejected(limit string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(limit).Inc()
}

func (m *Metrics) LimiterStoreError() {
	if m == nil {
		return
	}
	m.LimiterErrors.Inc()
}

func (m *Metrics) SetCircuitState(model string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(model).Set(float64(state))
}

func (m *Metrics) ProviderFailure(model, provider string) {
	if m == nil {
		return
	}
	m.ProviderFailures.WithLabelValues(model, provider).Inc()
}

func (m *Metrics) Fallback(stage, model string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(stage, model).Inc()
}

func (m *Metrics) UsageDrop() {
	if m == nil {
		return
	}
	m.UsageDropped.Inc()
}

func (m *Metrics) UsageFailed(n int) {
	if m == nil {
		return
	}
	m.UsageWriteFailure.Add(float64(n))
}

func (m *Metrics) UsageStored(n int) {
	if m == nil {
		return
	}
	m.UsageWritten.Add(float64(n))
}
