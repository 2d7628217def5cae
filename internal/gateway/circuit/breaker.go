// Package circuit implements per-model circuit breakers shared by all callers.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while a model's circuit is failing fast
var ErrOpen = errors.New("circuit open")

// State of a breaker
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Settings control when a breaker trips and recovers
type Settings struct {
	// Threshold consecutive failures within Window open the circuit
	Threshold int
	Window    time.Duration
	// Cooldown is how long the circuit stays open before one trial
	Cooldown time.Duration
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStateHook is called, outside the breaker lock, on every transition
func WithStateHook(fn func(model string, s State)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry lazily creates one breaker per model
type Registry struct {
	settings Settings
	now      func() time.Time
	onChange func(model string, s State)

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// NewRegistry creates an empty breaker registry
func NewRegistry(s Settings, opts ...Option) *Registry {
	if s.Threshold < 1 {
		s.Threshold = 1
	}
	r := &Registry{
		settings: s,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(model string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[model]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[model]; !ok {
		b = &breaker{model: model, reg: r}
		r.breakers[model] = b
	}
	return b
}

// Allow returns a permit for one call to model, or ErrOpen. Every permit must
// be settled with exactly one of Success, Failure or Cancel; extra calls are
// ignored.
func (r *Registry) Allow(model string) (*Permit, error) {
	return r.get(model).allow()
}

// State reports the current state of a model's breaker
func (r *Registry) State(model string) State {
	b := r.get(model)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state of every breaker seen so far
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		b.mu.Lock()
		out[name] = b.state
		b.mu.Unlock()
	}
	return out
}

type breaker struct {
	model string
	reg   *Registry

	mu       sync.Mutex
	state    State
	failures []time.Time // consecutive failures still inside the window
	openedAt time.Time
	trialOut bool
}

func (b *breaker) allow() (*Permit, error) {
	b.mu.Lock()
	now := b.reg.now()
	changed := false

	if b.state == Open {
		if now.Sub(b.openedAt) < b.reg.settings.Cooldown {
			b.mu.Unlock()
			return nil, ErrOpen
		}
		b.state = HalfOpen
		b.trialOut = false
		changed = true
	}

	var p *Permit
	if b.state == HalfOpen {
		if b.trialOut {
			b.mu.Unlock()
			return nil, ErrOpen
		}
		b.trialOut = true
		p = &Permit{b: b, trial: true}
	} else {
		p = &Permit{b: b}
	}
	b.mu.Unlock()

	if changed {
		b.notify(HalfOpen)
	}
	return p, nil
}

func (b *breaker) notify(s State) {
	if b.reg.onChange != nil {
		b.reg.onChange(b.model, s)
	}
}

func (b *breaker) success(trial bool) {
	b.mu.Lock()
	changed := false
	switch {
	case trial && b.state == HalfOpen:
		b.state = Closed
		b.trialOut = false
		b.failures = b.failures[:0]
		changed = true
	case b.state == Closed:
		b.failures = b.failures[:0]
	}
	b.mu.Unlock()

	if changed {
		b.notify(Closed)
	}
}

func (b *breaker) failure(trial bool) {
	b.mu.Lock()
	now := b.reg.now()
	changed := false
	switch {
	case trial && b.state == HalfOpen:
		b.state = Open
		b.openedAt = now
		b.trialOut = false
		changed = true
	case b.state == Closed:
		cutoff := now.Add(-b.reg.settings.Window)
		kept := b.failures[:0]
		for _, at := range b.failures {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		b.failures = append(kept, now)
		if len(b.failures) >= b.reg.settings.Threshold {
			b.state = Open
			b.openedAt = now
			b.failures = b.failures[:0]
			changed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(Open)
	}
}

func (b *breaker) cancel(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trialOut = false
	}
	b.mu.Unlock()
}

// Permit is the right to make one call through a breaker
type Permit struct {
	b     *breaker
	trial bool
	once  sync.Once
}

// Trial reports whether this permit is the single half-open probe
func (p *Permit) Trial() bool { return p.trial }

// Success records a healthy call
func (p *Permit) Success() {
	p.once.Do(func() { p.b.success(p.trial) })
}

// Failure records a failed call
func (p *Permit) Failure() {
	p.once.Do(func() { p.b.failure(p.trial) })
}

// Cancel gives the permit back without a verdict
func (p *Permit) Cancel() {
	p.once.Do(func() { p.b.cancel(p.trial) })
}
