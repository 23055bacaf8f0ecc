// Package breaker implements the turn-scoped circuit breaker that protects a
// chat turn from tool-call storms. Counters are per turn and reset at every
// turn boundary. States: CLOSED (normal) -> OPEN (failing) -> HALF_OPEN
// (probing) -> CLOSED.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rhythmchamber/internal/logging"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// String returns the string representation of the breaker state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker denies a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes the breaker.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	MaxCallsPerTurn  int           // hard cap on tool calls within one turn
	Cooldown         time.Duration // OPEN -> HALF_OPEN after this much quiet
	SuccessesToClose int           // HALF_OPEN probes needed to close
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		MaxCallsPerTurn:  10,
		Cooldown:         30 * time.Second,
		SuccessesToClose: 2,
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	State   State
	Reason  string
}

// Breaker tracks per-turn tool-call failures and volume.
type Breaker struct {
	mu sync.Mutex

	config Config

	state           State
	callCount       int
	failures        int
	successes       int
	lastFailureTime time.Time

	nowFunc func() time.Time // for testing
}

// New creates a breaker with the given config, applying defaults for zero
// values.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MaxCallsPerTurn <= 0 {
		cfg.MaxCallsPerTurn = def.MaxCallsPerTurn
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessesToClose <= 0 {
		cfg.SuccessesToClose = def.SuccessesToClose
	}
	return &Breaker{
		config:  cfg,
		nowFunc: time.Now,
	}
}

// Check decides whether the next tool call may proceed. Counting happens here:
// an allowed Check consumes one call slot for the turn.
func (b *Breaker) Check() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= b.config.MaxCallsPerTurn {
		logging.Breaker("denied: call cap reached (%d/%d)", b.callCount, b.config.MaxCallsPerTurn)
		return Decision{
			Allowed: false,
			State:   b.state,
			Reason:  fmt.Sprintf("tool call limit reached for this turn (%d)", b.config.MaxCallsPerTurn),
		}
	}

	switch b.state {
	case StateOpen:
		if b.nowFunc().Sub(b.lastFailureTime) < b.config.Cooldown {
			return Decision{
				Allowed: false,
				State:   StateOpen,
				Reason:  "too many recent tool failures; cooling down",
			}
		}
		// Cooldown elapsed: allow a probe.
		b.state = StateHalfOpen
		b.successes = 0
		logging.BreakerDebug("open -> half_open after cooldown")
	case StateHalfOpen:
		// Probes are allowed; outcomes decide the next state.
	}

	b.callCount++
	return Decision{Allowed: true, State: b.state}
}

// RecordSuccess notes a successful tool call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessesToClose {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			logging.Breaker("half_open -> closed after %d probe successes", b.config.SuccessesToClose)
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed tool call. While open or half-open, every
// failure refreshes the cooldown window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.nowFunc()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			logging.Breaker("closed -> open after %d failures", b.failures)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		logging.Breaker("half_open -> open: probe failed")
	}
}

// ResetTurn clears all per-turn counters. Invoked at every turn boundary.
func (b *Breaker) ResetTurn() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.callCount = 0
	b.failures = 0
	b.successes = 0
	logging.BreakerDebug("turn reset")
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CallCount returns the calls consumed this turn.
func (b *Breaker) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}
