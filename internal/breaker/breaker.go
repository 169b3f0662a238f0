// Package breaker implements the circuit breaker that wraps every call the
// connection factory makes against a Redis endpoint, adapted from the
// resilience package's CircuitBreaker (mutex-serialized state, callback on
// transition) and generalized to a strict Closed/Open/HalfOpen state
// machine with operation-timeout wrapping.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/arcbound/tenantcore/pkg/corerr"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds. Zero values are replaced by defaults.
type Config struct {
	FailureThreshold int           // default 5
	SuccessThreshold int           // default 3
	RecoveryTimeout  time.Duration // default 60s
	OperationTimeout time.Duration // default 10s
	// Classify reports whether err counts against the breaker. Nil means
	// every non-nil error counts (the common case for a Redis-only caller).
	Classify func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
	return c
}

// Breaker is one circuit breaker instance, global to a connection factory.
type Breaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	cfg             Config
	onStateChange   func(name string, from, to State)
}

// New creates a breaker in the Closed state.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, state: Closed, cfg: cfg.withDefaults()}
}

// OnStateChange registers a callback fired (asynchronously) on every
// transition. Used by C7 to raise an alert when the breaker opens.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed, advancing Open -> HalfOpen when
// the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure registers a classified failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
		b.successes = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}

// classify reports whether err should count against the breaker.
func (b *Breaker) classify(err error) bool {
	if err == nil {
		return false
	}
	if b.cfg.Classify != nil {
		return b.cfg.Classify(err)
	}
	return true
}

// Call invokes fn under the breaker: fails fast with CircuitBreakerOpen
// without attempting fn if the breaker is Open, bounds fn by the configured
// operation timeout, and records success/failure on return. A timeout is
// classified as a failure. Unclassified errors (fn returned a non-nil error
// that Classify rejects, e.g. a programmer error) propagate without
// affecting breaker state.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return corerr.NewCircuitOpenError(b.name)
	}

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	err := fn(opCtx)
	if err == nil {
		b.RecordSuccess()
		return nil
	}

	if opCtx.Err() == context.DeadlineExceeded {
		b.RecordFailure()
		return corerr.NewTimeoutError(b.name, "operation timed out", err)
	}

	if b.classify(err) {
		b.RecordFailure()
	}
	return err
}
