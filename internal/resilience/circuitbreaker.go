// Package resilience protects the session manager from a failing signaling
// backend.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [GuardedStore] wraps a [signaling.Store] so that every store call passes
// through a breaker and is recorded in the signaling metrics.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. The
	// default counts every error except context cancellation, which reflects
	// the caller giving up rather than the backend failing.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition. It runs
	// without the breaker's lock held.
	OnStateChange func(from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(from, to State)
	now           func() time.Time
	log           *slog.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		log:           cfg.Logger,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax probes are in flight or completed before the breaker decides.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transitions []transition
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transitions = append(transitions, cb.setStateLocked(StateHalfOpen))
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(transitions)

	err := fn()

	cb.mu.Lock()
	var t transition
	if cb.isFailure(err) {
		t = cb.recordFailureLocked()
	} else {
		t = cb.recordSuccessLocked(probe)
	}
	cb.mu.Unlock()
	cb.notify([]transition{t})
	return err
}

type transition struct{ from, to State }

func (cb *CircuitBreaker) setStateLocked(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	return t
}

func (cb *CircuitBreaker) notify(ts []transition) {
	for _, t := range ts {
		if t.from == t.to {
			continue
		}
		switch t.to {
		case StateOpen:
			cb.log.Warn("circuit breaker opened", "name", cb.name, "from", t.from.String())
		default:
			cb.log.Info("circuit breaker transitioned", "name", cb.name, "from", t.from.String(), "to", t.to.String())
		}
		if cb.onStateChange != nil {
			cb.onStateChange(t.from, t.to)
		}
	}
}

func (cb *CircuitBreaker) recordFailureLocked() transition {
	if cb.state == StateHalfOpen {
		// Any failed probe re-opens immediately.
		cb.openedAt = cb.now()
		return cb.setStateLocked(StateOpen)
	}
	if cb.state == StateOpen {
		return transition{from: StateOpen, to: StateOpen}
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.openedAt = cb.now()
		return cb.setStateLocked(StateOpen)
	}
	return transition{from: cb.state, to: cb.state}
}

func (cb *CircuitBreaker) recordSuccessLocked(probe bool) transition {
	if probe {
		if cb.state != StateHalfOpen {
			return transition{from: cb.state, to: cb.state}
		}
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenOK = 0
			return cb.setStateLocked(StateClosed)
		}
		return transition{from: cb.state, to: cb.state}
	}
	if cb.state == StateClosed {
		cb.consecutiveFail = 0
	}
	return transition{from: cb.state, to: cb.state}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setStateLocked(StateClosed)
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()
	cb.notify([]transition{t})
}
