// Package breaker implements per-dependency circuit breakers.
//
// Each dependency name gets its own CLOSED/OPEN/HALF_OPEN state machine,
// created lazily on first use. State lives in the Registry value, so a
// process normally owns one Registry and injects it where needed; separate
// instances of a horizontally scaled deployment do not share breaker state.
package breaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// State is the circuit state of one dependency.
type State int

const (
	// Closed is normal operation: calls pass through.
	Closed State = iota
	// Open rejects calls without touching the dependency.
	Open
	// HalfOpen admits a single trial call.
	HalfOpen
)

// String returns the state name used in logs and responses.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is the sentinel wrapped by every *OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned by Check when the caller must not attempt the call.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry after %s)", e.Dependency, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1.
func (e *OpenError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Config holds the tunables of one dependency's breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// OpenTimeout is how long the circuit stays open after the last failure
	// before a trial call is admitted.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// FailureWindow bounds how far apart failures may be and still count
	// toward the threshold. A quiet period longer than this resets the breaker.
	FailureWindow time.Duration `yaml:"failure_window"`
}

// DefaultConfig returns the built-in tunables.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		FailureWindow:    60 * time.Second,
	}
}

// Validate checks that every tunable is positive.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive, got %s", c.OpenTimeout)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("failure window must be positive, got %s", c.FailureWindow)
	}
	return nil
}

// Breakers is the surface the upload saga depends on. Registry implements it;
// a shared external store can implement it for multi-instance deployments.
type Breakers interface {
	Check(dependency string) (State, error)
	RecordSuccess(dependency string)
	RecordFailure(dependency string)
}

// Observer receives state changes and rejections, e.g. for metrics.
type Observer interface {
	BreakerState(dependency string, state int)
	BreakerRejected(dependency string)
}

// Snapshot is a point-in-time copy of one breaker.
type Snapshot struct {
	State         State
	FailureCount  int
	LastFailureAt time.Time
}

type entry struct {
	state          State
	failureCount   int
	lastFailureAt  time.Time
	trialStartedAt time.Time // zero unless a half-open trial is outstanding
}

// Registry owns the breakers of every dependency. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	configs  map[string]Config
	entries  map[string]*entry
	now      func() time.Time
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithDefaults sets the config used by dependencies without their own.
func WithDefaults(cfg Config) Option {
	return func(r *Registry) { r.defaults = cfg }
}

// WithConfig sets the config for one dependency.
func WithConfig(dependency string, cfg Config) Option {
	return func(r *Registry) { r.configs[dependency] = cfg }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		defaults: DefaultConfig(),
		configs:  make(map[string]Config),
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check returns the current state of dependency after applying the lazy
// transitions (window reset, OPEN -> HALF_OPEN). It returns an *OpenError
// when the call must not be attempted. A nil error in HALF_OPEN means the
// caller holds the single trial and must report its outcome.
func (r *Registry) Check(dependency string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(dependency)
	cfg := r.config(dependency)
	now := r.now()

	if !e.lastFailureAt.IsZero() && now.Sub(e.lastFailureAt) > cfg.FailureWindow {
		e.failureCount = 0
		e.lastFailureAt = time.Time{}
		e.trialStartedAt = time.Time{}
		r.transition(dependency, e, Closed)
	}

	switch e.state {
	case Open:
		elapsed := now.Sub(e.lastFailureAt)
		if elapsed > cfg.OpenTimeout {
			r.transition(dependency, e, HalfOpen)
			e.trialStartedAt = now
			return HalfOpen, nil
		}
		return Open, r.reject(dependency, cfg.OpenTimeout-elapsed)

	case HalfOpen:
		// A trial whose outcome never arrived is abandoned after OpenTimeout.
		if !e.trialStartedAt.IsZero() {
			elapsed := now.Sub(e.trialStartedAt)
			if elapsed <= cfg.OpenTimeout {
				return HalfOpen, r.reject(dependency, cfg.OpenTimeout-elapsed)
			}
		}
		e.trialStartedAt = now
		return HalfOpen, nil
	}

	return Closed, nil
}

// RecordSuccess closes the circuit and zeroes the failure count.
func (r *Registry) RecordSuccess(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(dependency)
	e.failureCount = 0
	e.lastFailureAt = time.Time{}
	e.trialStartedAt = time.Time{}
	r.transition(dependency, e, Closed)
}

// RecordFailure counts a failure. The circuit opens when the count reaches
// the threshold, or immediately when the failure was the half-open trial.
func (r *Registry) RecordFailure(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(dependency)
	cfg := r.config(dependency)
	now := r.now()

	if !e.lastFailureAt.IsZero() && now.Sub(e.lastFailureAt) > cfg.FailureWindow {
		e.failureCount = 0
	}
	e.failureCount++
	e.lastFailureAt = now

	wasTrial := e.state == HalfOpen
	e.trialStartedAt = time.Time{}
	if wasTrial || e.failureCount >= cfg.FailureThreshold {
		r.transition(dependency, e, Open)
	}
}

// Snapshot returns a copy of the dependency's bookkeeping without applying
// lazy transitions.
func (r *Registry) Snapshot(dependency string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(dependency)
	return Snapshot{
		State:         e.state,
		FailureCount:  e.failureCount,
		LastFailureAt: e.lastFailureAt,
	}
}

// entry must be called with r.mu held.
func (r *Registry) entry(dependency string) *entry {
	e, ok := r.entries[dependency]
	if !ok {
		e = &entry{state: Closed}
		r.entries[dependency] = e
	}
	return e
}

func (r *Registry) config(dependency string) Config {
	if cfg, ok := r.configs[dependency]; ok {
		return cfg
	}
	return r.defaults
}

func (r *Registry) transition(dependency string, e *entry, to State) {
	if e.state == to {
		return
	}
	e.state = to
	if r.observer != nil {
		r.observer.BreakerState(dependency, int(to))
	}
}

func (r *Registry) reject(dependency string, retryAfter time.Duration) error {
	if r.observer != nil {
		r.observer.BreakerRejected(dependency)
	}
	return &OpenError{Dependency: dependency, RetryAfter: retryAfter}
}
