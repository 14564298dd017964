// Package breaker implements a per-exchange circuit breaker with a rolling
// failure window and a bounded half-open probe phase.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker thresholds. All fields are hot-reloadable.
type Config struct {
	ErrorThreshold       int           // failures within Window before opening
	WarningThreshold     int           // failures within Window before warning
	Window               time.Duration // rolling failure window
	CoolDown             time.Duration // time after the last failure before probing
	HalfOpenAttemptLimit int           // probes admitted, and successes needed to close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       5,
		WarningThreshold:     3,
		Window:               5 * time.Minute,
		CoolDown:             60 * time.Second,
		HalfOpenAttemptLimit: 1,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.HalfOpenAttemptLimit <= 0 {
		c.HalfOpenAttemptLimit = d.HalfOpenAttemptLimit
	}
	return c
}

// CircuitOpenError is returned without invoking the protected call while the
// breaker is open.
type CircuitOpenError struct {
	Exchange  string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s: retry in %.1fs", e.Exchange, e.Remaining.Seconds())
}

// IsOpen reports whether err is (or wraps) a CircuitOpenError.
func IsOpen(err error) bool {
	var e *CircuitOpenError
	return errors.As(err, &e)
}

// Snapshot is a point-in-time view for stats and health endpoints.
type Snapshot struct {
	Name        string        `json:"name"`
	State       State         `json:"state"`
	Failures    int           `json:"failures_in_window"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
	Trips       uint64        `json:"trips"`
	Remaining   time.Duration `json:"remaining_cool_down"`
}

// CircuitBreaker is safe for concurrent use. Its lock is never held while
// the protected call runs.
type CircuitBreaker struct {
	name   string
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	failures    []time.Time
	lastFailure time.Time
	probes      int    // in-flight half-open calls
	successes   int    // consecutive half-open successes
	gen         uint64 // bumped on every transition
	trips       uint64
	warned      bool

	onChange func(name string, from, to State)
}

// New creates a breaker for the named exchange.
func New(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg.normalized(),
		logger: logger.Named("breaker").With(zap.String("exchange", name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

// OnStateChange registers a callback invoked after every transition. It runs
// with the breaker lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Name returns the exchange this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, gen, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.gen {
		// Admitted before the last transition; its outcome belongs to a
		// state the breaker has already left.
		return err
	}
	switch classify(ctx, err) {
	case outcomeSuccess:
		cb.successLocked(probe)
	case outcomeFailure:
		cb.failureLocked(probe)
	default:
		if probe && cb.state == StateHalfOpen && cb.probes > 0 {
			cb.probes--
		}
	}
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

// classify decides how a call result affects the breaker. Terminal client
// rejections prove the exchange answered and count as success; caller
// cancellation says nothing about exchange health.
func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case common.IsTerminal(err):
		return outcomeSuccess
	case IsOpen(err):
		return outcomeNeutral
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}

func (cb *CircuitBreaker) acquire() (probe bool, gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advanceLocked(now)
	switch cb.state {
	case StateOpen:
		return false, cb.gen, &CircuitOpenError{Exchange: cb.name, Remaining: cb.remainingLocked(now)}
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenAttemptLimit {
			return false, cb.gen, &CircuitOpenError{Exchange: cb.name}
		}
		cb.probes++
		return true, cb.gen, nil
	default:
		return false, cb.gen, nil
	}
}

// RecordSuccess records a successful operation outside Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(cb.now())
	cb.successLocked(false)
}

// RecordFailure records a failed operation outside Execute.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(cb.now())
	cb.failureLocked(false)
}

func (cb *CircuitBreaker) successLocked(probe bool) {
	if cb.state != StateHalfOpen {
		return
	}
	if probe && cb.probes > 0 {
		cb.probes--
	}
	cb.successes++
	if cb.successes >= cb.cfg.HalfOpenAttemptLimit {
		cb.failures = nil
		cb.warned = false
		cb.transitionLocked(StateClosed)
		cb.logger.Info("circuit breaker closed (recovered)")
	}
}

func (cb *CircuitBreaker) failureLocked(probe bool) {
	now := cb.now()

	switch cb.state {
	case StateClosed:
		cb.lastFailure = now
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		n := len(cb.failures)
		if cb.cfg.WarningThreshold > 0 && n >= cb.cfg.WarningThreshold && !cb.warned && n < cb.cfg.ErrorThreshold {
			cb.warned = true
			cb.logger.Warn("circuit breaker failure count approaching threshold",
				zap.Int("failures", n),
				zap.Int("threshold", cb.cfg.ErrorThreshold))
		}
		if n >= cb.cfg.ErrorThreshold {
			cb.tripLocked(n)
		}
	case StateHalfOpen:
		cb.lastFailure = now
		if probe && cb.probes > 0 {
			cb.probes--
		}
		cb.tripLocked(0)
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)")
	}
}

func (cb *CircuitBreaker) tripLocked(failures int) {
	cb.trips++
	cb.probes = 0
	cb.successes = 0
	cb.failures = nil
	cb.warned = false
	cb.transitionLocked(StateOpen)
	if failures > 0 {
		cb.logger.Warn("circuit breaker opened (failures exceeded threshold)",
			zap.Int("failures", failures),
			zap.Duration("cool_down", cb.cfg.CoolDown))
	}
}

// advanceLocked performs the lazy OPEN -> HALF_OPEN transition.
func (cb *CircuitBreaker) advanceLocked(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.lastFailure) >= cb.cfg.CoolDown {
		cb.probes = 0
		cb.successes = 0
		cb.transitionLocked(StateHalfOpen)
		cb.logger.Info("circuit breaker half-open")
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	if from != to {
		cb.gen++
	}
	if cb.onChange != nil && from != to {
		cb.onChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

func (cb *CircuitBreaker) remainingLocked(now time.Time) time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	d := cb.lastFailure.Add(cb.cfg.CoolDown).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// State returns the current state, applying any pending cool-down transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(cb.now())
	return cb.state
}

// Trips returns how many times the breaker has opened.
func (cb *CircuitBreaker) Trips() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Snapshot returns the breaker's current view.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advanceLocked(now)
	cb.pruneLocked(now)
	return Snapshot{
		Name:        cb.name,
		State:       cb.state,
		Failures:    len(cb.failures),
		LastFailure: cb.lastFailure,
		Trips:       cb.trips,
		Remaining:   cb.remainingLocked(now),
	}
}

// Config returns the active configuration.
func (cb *CircuitBreaker) Config() Config {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cfg
}

// Configure swaps thresholds without resetting state.
func (cb *CircuitBreaker) Configure(cfg Config) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cfg = cfg.normalized()
	cb.pruneLocked(cb.now())
	cb.logger.Info("circuit breaker reconfigured",
		zap.Int("error_threshold", cb.cfg.ErrorThreshold),
		zap.Duration("window", cb.cfg.Window),
		zap.Duration("cool_down", cb.cfg.CoolDown))
}

// Reset forces the breaker closed (operator action).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = nil
	cb.probes = 0
	cb.successes = 0
	cb.warned = false
	cb.transitionLocked(StateClosed)
	cb.logger.Info("circuit breaker reset")
}
