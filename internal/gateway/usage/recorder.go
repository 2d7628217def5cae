// Package usage prices finished requests and persists one log entry per
// request in the background.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/cfx-platform/cfx-router/internal/gateway/registry"
	"github.com/cfx-platform/cfx-router/internal/shared/metrics"
	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

// Pricer returns the rates of a model
type Pricer interface {
	Lookup(model string) registry.ModelSpec
}

// Writer persists a batch of entries
type Writer interface {
	InsertLogs(ctx context.Context, entries []models.LogEntry) error
}

// Record is the outcome of one request after every fallback hop
type Record struct {
	RequestID      string
	APIKeyID       string
	AccountID      string
	Stage          models.Stage
	InferredStage  bool
	RequestedModel string
	// Model is the model that served the request, empty if none did
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	HTTPStatus       int
	Status           models.LogStatus
	Error            string
	FallbackUsed     bool
	Streamed         bool
}

// Options tune the write path
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	WriteTimeout  time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 100 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Recorder buffers entries in a bounded queue drained by one worker
type Recorder struct {
	pricer  Pricer
	writer  Writer
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan models.LogEntry
	wg     sync.WaitGroup
	start  sync.Once
}

// Option configures a Recorder
type Option func(*Recorder)

// WithMetrics counts written, failed and dropped entries
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a recorder. Call Start before recording and Stop on shutdown.
func New(pricer Pricer, writer Writer, opts Options, options ...Option) *Recorder {
	opts.defaults()
	r := &Recorder{
		pricer: pricer,
		writer: writer,
		opts:   opts,
		now:    time.Now,
		queue:  make(chan models.LogEntry, opts.QueueSize),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Start launches the background writer
func (r *Recorder) Start() {
	r.start.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Entry builds the priced log entry for rec without queueing it
func (r *Recorder) Entry(rec Record) models.LogEntry {
	cost := decimal.Zero
	if rec.Model != "" {
		cost = r.pricer.Lookup(rec.Model).Cost(rec.PromptTokens, rec.CompletionTokens)
	}

	entry := models.LogEntry{
		ID:               uuid.NewString(),
		RequestID:        rec.RequestID,
		APIKeyID:         rec.APIKeyID,
		AccountID:        rec.AccountID,
		Stage:            rec.Stage,
		InferredStage:    rec.InferredStage,
		RequestedModel:   rec.RequestedModel,
		Model:            rec.Model,
		Provider:         rec.Provider,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.PromptTokens + rec.CompletionTokens,
		Cost:             cost,
		LatencyMs:        rec.Latency.Milliseconds(),
		HTTPStatus:       rec.HTTPStatus,
		Status:           rec.Status,
		FallbackUsed:     rec.FallbackUsed,
		Streamed:         rec.Streamed,
		CreatedAt:        r.now().UTC(),
	}
	if rec.Error != "" {
		msg := rec.Error
		entry.Error = &msg
	}
	return entry
}

// Record prices rec and queues it for persistence. It never blocks; a full
// queue drops the entry.
func (r *Recorder) Record(rec Record) models.LogEntry {
	entry := r.Entry(rec)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(entry, "recorder stopped")
		return entry
	}
	select {
	case r.queue <- entry:
	default:
		r.drop(entry, "usage queue full")
	}
	return entry
}

func (r *Recorder) drop(entry models.LogEntry, reason string) {
	r.metrics.UsageDrop()
	log.Error().
		Str("request_id", entry.RequestID).
		Str("api_key_id", entry.APIKeyID).
		Str("reason", reason).
		Msg("dropping usage log entry")
}

// Stop stops accepting entries and waits for the queue to drain
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.LogEntry, 0, r.opts.BatchSize)
	for {
		select {
		case entry, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch, retrying with linear backoff
func (r *Recorder) flush(batch []models.LogEntry) {
	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 1; attempt <= r.opts.RetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		err = r.writer.InsertLogs(ctx, batch)
		cancel()
		if err == nil {
			r.metrics.UsageStored(len(batch))
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("entries", len(batch)).Msg("usage write failed")
		if attempt < r.opts.RetryAttempts {
			time.Sleep(time.Duration(attempt) * r.opts.RetryBackoff)
		}
	}

	r.metrics.UsageFailed(len(batch))
	log.Error().Err(err).Int("entries", len(batch)).Msg("giving up on usage batch")
}
