// Package resilience guards network-bound playback operations with a
// circuit breaker and an absolute operation timeout.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkarrer/audiogate/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	// DefaultFailureThreshold opens the circuit on the Nth consecutive failure.
	DefaultFailureThreshold = 3
	// DefaultResetTimeout is the cooldown before a half-open probe is allowed.
	DefaultResetTimeout = 10 * time.Second
	// DefaultOperationTimeout bounds every attempted operation.
	DefaultOperationTimeout = 60 * time.Second
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrOperationTimeout = errors.New("operation timed out")
)

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Guard wraps a fallible, possibly slow remote operation with fail-fast
// protection. State is derived from the failure counter and the time the
// circuit opened: closed below the threshold, open during the cooldown,
// half-open once the cooldown has fully elapsed.
type Guard struct {
	mu               sync.Mutex
	name             string // component name for metrics
	failures         int
	openedAt         time.Time // zero while the circuit has never opened since the last success
	threshold        int
	resetTimeout     time.Duration
	operationTimeout time.Duration
	clock            clock
}

// Option configures a Guard.
type Option func(*Guard)

func WithClock(c clock) Option {
	return func(g *Guard) { g.clock = c }
}

func WithFailureThreshold(n int) Option {
	return func(g *Guard) { g.threshold = n }
}

func WithResetTimeout(d time.Duration) Option {
	return func(g *Guard) { g.resetTimeout = d }
}

func WithOperationTimeout(d time.Duration) Option {
	return func(g *Guard) { g.operationTimeout = d }
}

// NewGuard creates a circuit breaker for the named component.
func NewGuard(name string, opts ...Option) *Guard {
	g := &Guard{
		name:             name,
		threshold:        DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
		operationTimeout: DefaultOperationTimeout,
		clock:            realClock{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.threshold <= 0 {
		g.threshold = DefaultFailureThreshold
	}
	if g.resetTimeout <= 0 {
		g.resetTimeout = DefaultResetTimeout
	}
	if g.operationTimeout <= 0 {
		g.operationTimeout = DefaultOperationTimeout
	}

	metrics.SetCircuitBreakerState(g.name, string(StateClosed))
	return g
}

// Execute runs op respecting the breaker state. A call blocked by the open
// circuit returns ErrCircuitOpen without attempting (and without counting) a
// failure. An attempted op is bounded by the operation timeout; exceeding it
// counts as a failure. Cancellation through the caller's ctx is a deliberate
// abort and does not count.
func (g *Guard) Execute(ctx context.Context, op func(context.Context) error) error {
	if !g.ShouldAllow() {
		metrics.RecordCircuitBreakerFastFail(g.name)
		return ErrCircuitOpen
	}

	opCtx, cancel := context.WithTimeout(ctx, g.operationTimeout)
	defer cancel()

	err := op(opCtx)
	if err == nil {
		g.RecordSuccess()
		return nil
	}

	if ctx.Err() == context.Canceled {
		return err
	}

	g.RecordFailure()

	if opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrOperationTimeout, g.operationTimeout)
	}
	return err
}

// ShouldAllow reports whether the next operation may be attempted. It is true
// while the circuit is closed, and again once the cooldown has fully elapsed
// (the half-open probe).
func (g *Guard) ShouldAllow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(g.clock.Now()) != StateOpen
}

// RecordFailure increments the consecutive failure counter. It returns true
// exactly when this failure opened the circuit (count reached the threshold).
// A failed half-open probe re-opens the circuit with a fresh cooldown window
// and returns false: the circuit was already open, the window is extended.
func (g *Guard) RecordFailure() (justOpened bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.failures++

	switch {
	case g.failures == g.threshold:
		g.openedAt = now
		justOpened = true
		metrics.RecordCircuitBreakerTrip(g.name, "threshold_exceeded")
	case g.failures > g.threshold && now.Sub(g.openedAt) >= g.resetTimeout:
		g.openedAt = now
		metrics.RecordCircuitBreakerTrip(g.name, "half_open_failure")
	}

	metrics.SetCircuitBreakerState(g.name, string(g.stateLocked(now)))
	return justOpened
}

// RecordSuccess fully closes the circuit, including from half-open.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.openedAt = time.Time{}
	metrics.SetCircuitBreakerState(g.name, string(StateClosed))
}

// State returns the current derived state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(g.clock.Now())
}

// Failures returns the current consecutive failure count.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// stateLocked derives the state at the given instant. Caller must hold mu.
func (g *Guard) stateLocked(now time.Time) State {
	if g.failures < g.threshold {
		return StateClosed
	}
	if now.Sub(g.openedAt) >= g.resetTimeout {
		return StateHalfOpen
	}
	return StateOpen
}
