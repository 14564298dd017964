package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"execution-core/internal/advanced"
	"execution-core/internal/breaker"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/retry"
	"execution-core/pkg/exchanges/common"
)

// ErrInvalid wraps every validation failure of a reliability file.
var ErrInvalid = errors.New("invalid reliability config")

// RetryFile is the retry section. Delays are in seconds.
type RetryFile struct {
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	BackoffBase     float64  `yaml:"backoff_base" json:"backoff_base"`
	InitialDelay    float64  `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        float64  `yaml:"max_delay" json:"max_delay"`
	RetryableErrors []string `yaml:"retryable_errors" json:"retryable_errors"`
}

// BreakerFile is the circuit_breaker section.
type BreakerFile struct {
	ErrorThreshold       int     `yaml:"error_threshold" json:"error_threshold"`
	WarningThreshold     int     `yaml:"warning_threshold" json:"warning_threshold"`
	WindowSizeMinutes    float64 `yaml:"window_size_minutes" json:"window_size_minutes"`
	CoolDownSeconds      float64 `yaml:"cool_down_seconds" json:"cool_down_seconds"`
	HalfOpenAttemptLimit int     `yaml:"half_open_attempt_limit" json:"half_open_attempt_limit"`
}

// RuleFile is one sliding-window quota.
type RuleFile struct {
	MaxRequests       int     `yaml:"max_requests" json:"max_requests"`
	TimeWindowSeconds float64 `yaml:"time_window_seconds" json:"time_window_seconds"`
	WeightMultiplier  float64 `yaml:"weight_multiplier" json:"weight_multiplier"`
}

// ExchangeLimitsFile holds an exchange's windows and per-endpoint windows.
type ExchangeLimitsFile struct {
	Limits    []RuleFile            `yaml:"limits" json:"limits"`
	Endpoints map[string][]RuleFile `yaml:"endpoints" json:"endpoints"`
}

// VerificationFile is the post-placement polling section.
type VerificationFile struct {
	Attempts   int `yaml:"attempts" json:"attempts"`
	IntervalMs int `yaml:"interval_ms" json:"interval_ms"`
}

// AdvancedFile configures the OCO and trailing stop monitors.
type AdvancedFile struct {
	PollIntervalMs int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	HistoryLimit   int `yaml:"history_limit" json:"history_limit"`
}

// ReconciliationFile configures the scheduled reconciler.
type ReconciliationFile struct {
	ThresholdPct    float64 `yaml:"threshold_pct" json:"threshold_pct"`
	IntervalMinutes float64 `yaml:"interval_minutes" json:"interval_minutes"`
	LookbackHours   float64 `yaml:"lookback_hours" json:"lookback_hours"`
}

// Reliability is the hot-reloadable reliability file.
type Reliability struct {
	Retry          RetryFile                     `yaml:"retry" json:"retry"`
	CircuitBreaker BreakerFile                   `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      map[string]ExchangeLimitsFile `yaml:"rate_limit" json:"rate_limit"`
	Verification   VerificationFile              `yaml:"verification" json:"verification"`
	Advanced       AdvancedFile                  `yaml:"advanced" json:"advanced"`
	Reconciliation ReconciliationFile            `yaml:"reconciliation" json:"reconciliation"`
}

// DefaultReliability mirrors the built-in defaults of each component.
func DefaultReliability() Reliability {
	return Reliability{
		Retry: RetryFile{
			MaxRetries:      3,
			BackoffBase:     2,
			InitialDelay:    1,
			MaxDelay:        30,
			RetryableErrors: []string{"timeout", "rate_limit", "connection"},
		},
		CircuitBreaker: BreakerFile{
			ErrorThreshold:       5,
			WarningThreshold:     3,
			WindowSizeMinutes:    5,
			CoolDownSeconds:      60,
			HalfOpenAttemptLimit: 1,
		},
		Verification: VerificationFile{Attempts: 3, IntervalMs: 500},
		Advanced:     AdvancedFile{PollIntervalMs: 1000, HistoryLimit: 1000},
		Reconciliation: ReconciliationFile{
			ThresholdPct:    0.1,
			IntervalMinutes: 60,
			LookbackHours:   24,
		},
	}
}

// LoadReliability reads a YAML file over the defaults. An empty path returns
// the defaults.
func LoadReliability(path string) (Reliability, error) {
	r := DefaultReliability()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Reliability{}, err
	}
	return ParseReliability(data)
}

// ParseReliability decodes YAML (or JSON, which YAML accepts) over the
// defaults and validates the result.
func ParseReliability(data []byte) (Reliability, error) {
	r := DefaultReliability()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Reliability{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := r.Validate(); err != nil {
		return Reliability{}, err
	}
	return r, nil
}

var knownKinds = map[string]common.ErrorKind{
	string(common.KindTimeout):           common.KindTimeout,
	string(common.KindRateLimit):         common.KindRateLimit,
	string(common.KindConnection):        common.KindConnection,
	string(common.KindAuthentication):    common.KindAuthentication,
	string(common.KindInvalidOrder):      common.KindInvalidOrder,
	string(common.KindInsufficientFunds): common.KindInsufficientFunds,
	string(common.KindExchange):          common.KindExchange,
}

// Validate checks ranges and error kind names.
func (r Reliability) Validate() error {
	for _, name := range r.Retry.RetryableErrors {
		kind, ok := knownKinds[name]
		if !ok {
			return fmt.Errorf("%w: unknown error kind %q", ErrInvalid, name)
		}
		if kind.Terminal() {
			return fmt.Errorf("%w: %q is a terminal rejection and cannot be retried", ErrInvalid, name)
		}
	}
	if err := r.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cb := r.CircuitBreaker
	switch {
	case cb.ErrorThreshold < 1:
		return fmt.Errorf("%w: circuit_breaker.error_threshold must be >= 1", ErrInvalid)
	case cb.WarningThreshold > cb.ErrorThreshold:
		return fmt.Errorf("%w: circuit_breaker.warning_threshold exceeds error_threshold", ErrInvalid)
	case cb.WindowSizeMinutes <= 0:
		return fmt.Errorf("%w: circuit_breaker.window_size_minutes must be positive", ErrInvalid)
	case cb.CoolDownSeconds <= 0:
		return fmt.Errorf("%w: circuit_breaker.cool_down_seconds must be positive", ErrInvalid)
	case cb.HalfOpenAttemptLimit < 0:
		return fmt.Errorf("%w: circuit_breaker.half_open_attempt_limit must not be negative", ErrInvalid)
	}

	for ex, limits := range r.RateLimit {
		rules := append([]RuleFile(nil), limits.Limits...)
		for _, eps := range limits.Endpoints {
			rules = append(rules, eps...)
		}
		for _, rule := range rules {
			if rule.MaxRequests < 1 || rule.TimeWindowSeconds <= 0 || rule.WeightMultiplier < 0 {
				return fmt.Errorf("%w: rate_limit.%s has a rule with non-positive quota or window", ErrInvalid, ex)
			}
		}
	}

	if r.Verification.Attempts < 1 || r.Verification.IntervalMs < 0 {
		return fmt.Errorf("%w: verification needs attempts >= 1 and a non-negative interval", ErrInvalid)
	}
	if r.Advanced.PollIntervalMs <= 0 || r.Advanced.HistoryLimit < 0 {
		return fmt.Errorf("%w: advanced.poll_interval_ms must be positive", ErrInvalid)
	}
	if r.Reconciliation.ThresholdPct < 0 || r.Reconciliation.IntervalMinutes <= 0 || r.Reconciliation.LookbackHours <= 0 {
		return fmt.Errorf("%w: reconciliation needs a non-negative threshold and positive interval and lookback", ErrInvalid)
	}
	return nil
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// RetryPolicy converts the retry section.
func (r Reliability) RetryPolicy() retry.Policy {
	kinds := make([]common.ErrorKind, 0, len(r.Retry.RetryableErrors))
	for _, name := range r.Retry.RetryableErrors {
		kinds = append(kinds, common.ErrorKind(name))
	}
	return retry.Policy{
		MaxRetries:   r.Retry.MaxRetries,
		InitialDelay: seconds(r.Retry.InitialDelay),
		MaxDelay:     seconds(r.Retry.MaxDelay),
		BackoffBase:  r.Retry.BackoffBase,
		Retryable:    kinds,
	}
}

// BreakerConfig converts the circuit_breaker section.
func (r Reliability) BreakerConfig() breaker.Config {
	cb := r.CircuitBreaker
	return breaker.Config{
		ErrorThreshold:       cb.ErrorThreshold,
		WarningThreshold:     cb.WarningThreshold,
		Window:               time.Duration(cb.WindowSizeMinutes * float64(time.Minute)),
		CoolDown:             seconds(cb.CoolDownSeconds),
		HalfOpenAttemptLimit: cb.HalfOpenAttemptLimit,
	}
}

// RateLimitConfig converts the rate_limit section. Exchanges not listed
// keep the limiter's defaults.
func (r Reliability) RateLimitConfig() common.RateLimitConfig {
	cfg := common.RateLimitConfig{Exchanges: make(map[string]common.ExchangeLimits, len(r.RateLimit))}
	for ex, lf := range r.RateLimit {
		limits := common.ExchangeLimits{Endpoints: make(map[string][]common.RateLimitRule, len(lf.Endpoints))}
		for _, rule := range lf.Limits {
			limits.Limits = append(limits.Limits, rule.toRule())
		}
		for ep, rules := range lf.Endpoints {
			for _, rule := range rules {
				limits.Endpoints[ep] = append(limits.Endpoints[ep], rule.toRule())
			}
		}
		cfg.Exchanges[ex] = limits
	}
	return cfg
}

func (f RuleFile) toRule() common.RateLimitRule {
	return common.RateLimitRule{
		MaxRequests:      f.MaxRequests,
		Window:           seconds(f.TimeWindowSeconds),
		WeightMultiplier: f.WeightMultiplier,
	}
}

// ExecutorConfig bundles the executor's hot-reloadable settings.
func (r Reliability) ExecutorConfig() order.Config {
	return order.Config{
		Retry:   r.RetryPolicy(),
		Breaker: r.BreakerConfig(),
		Verification: order.VerificationConfig{
			Attempts: r.Verification.Attempts,
			Interval: time.Duration(r.Verification.IntervalMs) * time.Millisecond,
		},
	}
}

// AdvancedConfig converts the advanced section.
func (r Reliability) AdvancedConfig() advanced.Config {
	return advanced.Config{
		PollInterval: time.Duration(r.Advanced.PollIntervalMs) * time.Millisecond,
		HistoryLimit: r.Advanced.HistoryLimit,
	}
}

// ReconciliationConfig converts the reconciliation section.
func (r Reliability) ReconciliationConfig() reconciliation.Config {
	rc := r.Reconciliation
	return reconciliation.Config{
		ThresholdPct: rc.ThresholdPct,
		Interval:     time.Duration(rc.IntervalMinutes * float64(time.Minute)),
		Lookback:     time.Duration(rc.LookbackHours * float64(time.Hour)),
	}
}
