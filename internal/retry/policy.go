// Package retry runs exchange calls under an exponential backoff policy.
package retry

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// Policy describes how often and how patiently a call is retried.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	BackoffBase  float64
	Retryable    []common.ErrorKind
}

// DefaultPolicy retries timeouts, rate limits and connection failures three
// times starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		BackoffBase:  2,
		Retryable:    []common.ErrorKind{common.KindTimeout, common.KindRateLimit, common.KindConnection},
	}
}

// Validate rejects policies that cannot produce a sane schedule.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("retry: max_retries must be >= 0, got %d", p.MaxRetries)
	case p.InitialDelay < 0:
		return fmt.Errorf("retry: initial_delay must be >= 0, got %s", p.InitialDelay)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("retry: max_delay %s is below initial_delay %s", p.MaxDelay, p.InitialDelay)
	case p.BackoffBase < 1:
		return fmt.Errorf("retry: backoff_base must be >= 1, got %v", p.BackoffBase)
	}
	return nil
}

// Delay returns the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffBase, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err's kind is in the retryable set.
// Terminal kinds are never retried regardless of configuration.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	kind := common.KindOf(err)
	if kind.Terminal() {
		return false
	}
	return slices.Contains(p.Retryable, kind)
}

// RetryFunc observes each scheduled retry.
type RetryFunc func(op string, attempt int, delay time.Duration, err error)

// Retrier applies a hot-swappable Policy.
type Retrier struct {
	mu      sync.RWMutex
	policy  Policy
	onRetry RetryFunc
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier.
func New(policy Policy, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		policy: policy,
		logger: logger.Named("retry"),
		sleep:  sleepCtx,
	}
}

// OnRetry installs a hook called before each backoff sleep.
func (r *Retrier) OnRetry(fn RetryFunc) {
	r.mu.Lock()
	r.onRetry = fn
	r.mu.Unlock()
}

// Policy returns the active policy.
func (r *Retrier) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Configure replaces the policy. Calls already in flight keep the old one.
func (r *Retrier) Configure(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
	return nil
}

// Do runs fn, retrying retryable failures. It returns the last error once
// retries are exhausted or the context ends.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	r.mu.RLock()
	p, hook := r.policy, r.onRetry
	r.mu.RUnlock()

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.ShouldRetry(err) || ctx.Err() != nil {
			return err
		}

		delay := p.Delay(attempt + 1)
		if ra := common.RetryAfterOf(err); ra > delay {
			delay = ra
		}

		r.logger.Warn("retrying exchange call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))
		if hook != nil {
			hook(op, attempt+1, delay, err)
		}

		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
