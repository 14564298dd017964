package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	throttleThreshold = 0.80
	criticalThreshold = 0.95
	maxBackoffFactor  = 10.0
	minThrottleWait   = time.Millisecond
)

// RateLimitRule is a sliding-window quota.
type RateLimitRule struct {
	MaxRequests      int           `yaml:"max_requests" json:"max_requests"`
	Window           time.Duration `yaml:"-" json:"window"`
	WeightMultiplier float64       `yaml:"weight_multiplier" json:"weight_multiplier"`
}

func (r RateLimitRule) multiplier() float64 {
	if r.WeightMultiplier <= 0 {
		return 1
	}
	return r.WeightMultiplier
}

// ExchangeLimits holds the exchange-wide windows plus optional per-endpoint windows.
type ExchangeLimits struct {
	Limits    []RateLimitRule
	Endpoints map[string][]RateLimitRule
}

// RateLimitConfig maps exchange name to its limits. Exchanges absent from
// the map get DefaultExchangeLimits.
type RateLimitConfig struct {
	Exchanges map[string]ExchangeLimits
}

// DefaultExchangeLimits mirrors the common spot quota: 1200 weight/minute and
// 48000 weight/hour, with order placement weighing twice a read and history
// listings ten times.
func DefaultExchangeLimits() ExchangeLimits {
	return ExchangeLimits{
		Limits: []RateLimitRule{
			{MaxRequests: 1200, Window: time.Minute, WeightMultiplier: 1},
			{MaxRequests: 48000, Window: time.Hour, WeightMultiplier: 1},
		},
		Endpoints: map[string][]RateLimitRule{
			EndpointOrder:   {{MaxRequests: 100, Window: 10 * time.Second, WeightMultiplier: 2}},
			EndpointHistory: {{MaxRequests: 600, Window: time.Minute, WeightMultiplier: 10}},
		},
	}
}

type usageEntry struct {
	at     time.Time
	weight float64
}

type window struct {
	endpoint string
	rule     RateLimitRule
	entries  []usageEntry
	used     float64
}

// prune drops entries that left the window. Caller holds the exchange lock.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.rule.Window)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		w.used -= w.entries[i].weight
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
	if len(w.entries) == 0 {
		w.used = 0
	}
}

func (w *window) add(now time.Time, weight float64) {
	w.entries = append(w.entries, usageEntry{at: now, weight: weight})
	w.used += weight
}

// untilBelow returns how long until enough of the oldest entries expire for
// usage to drop under target.
func (w *window) untilBelow(now time.Time, target float64) time.Duration {
	used := w.used
	for _, e := range w.entries {
		used -= e.weight
		if used < target {
			d := e.at.Add(w.rule.Window).Sub(now)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return w.rule.Window
}

type exchangeState struct {
	mu        sync.Mutex
	limits    []*window
	endpoints map[string][]*window
	backoff   float64
}

func newExchangeState(l ExchangeLimits) *exchangeState {
	st := &exchangeState{endpoints: make(map[string][]*window), backoff: 1}
	for _, r := range l.Limits {
		st.limits = append(st.limits, &window{rule: r})
	}
	for ep, rules := range l.Endpoints {
		for _, r := range rules {
			st.endpoints[ep] = append(st.endpoints[ep], &window{endpoint: ep, rule: r})
		}
	}
	return st
}

func (st *exchangeState) applicable(endpoint string) []*window {
	if endpoint == "" {
		return st.limits
	}
	eps := st.endpoints[endpoint]
	out := make([]*window, 0, len(st.limits)+len(eps))
	out = append(out, st.limits...)
	return append(out, eps...)
}

// requestWeight is the endpoint's multiplier, 1 when the endpoint has no rules.
func (st *exchangeState) requestWeight(endpoint string) float64 {
	weight := 1.0
	for _, w := range st.endpoints[endpoint] {
		if m := w.rule.multiplier(); m > weight {
			weight = m
		}
	}
	return weight
}

// RateLimitManager tracks weighted request volume per exchange and endpoint.
// Construct one per application and inject it; it holds no global state.
type RateLimitManager struct {
	mu        sync.RWMutex
	cfg       RateLimitConfig
	exchanges map[string]*exchangeState
	logger    *zap.Logger
	now       func() time.Time
}

// NewRateLimitManager creates a manager for the configured exchanges.
func NewRateLimitManager(cfg RateLimitConfig, logger *zap.Logger) *RateLimitManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RateLimitManager{
		exchanges: make(map[string]*exchangeState),
		logger:    logger.Named("ratelimit"),
		now:       time.Now,
	}
	m.Configure(cfg)
	return m
}

// Configure swaps the quota rules. Recorded usage is discarded for every
// exchange; the error backoff factor is carried over.
func (m *RateLimitManager) Configure(cfg RateLimitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	old := m.exchanges
	m.exchanges = make(map[string]*exchangeState, len(cfg.Exchanges))
	for name, limits := range cfg.Exchanges {
		st := newExchangeState(limits)
		if prev, ok := old[name]; ok {
			prev.mu.Lock()
			st.backoff = prev.backoff
			prev.mu.Unlock()
		}
		m.exchanges[name] = st
	}
}

func (m *RateLimitManager) state(exchange string) *exchangeState {
	m.mu.RLock()
	st, ok := m.exchanges[exchange]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.exchanges[exchange]; ok {
		return st
	}
	st = newExchangeState(DefaultExchangeLimits())
	m.exchanges[exchange] = st
	return st
}

// ShouldThrottle reports whether usage in any applicable window reached 80%
// of capacity. The wait accounts for the error backoff factor and never
// exceeds half of the throttling window.
func (m *RateLimitManager) ShouldThrottle(exchange, endpoint string) (bool, time.Duration) {
	st := m.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	throttled := false
	var wait time.Duration
	for _, w := range st.applicable(endpoint) {
		capacity := float64(w.rule.MaxRequests)
		if capacity <= 0 || w.rule.Window <= 0 {
			continue
		}
		w.prune(now)
		pct := w.used / capacity
		if pct >= criticalThreshold {
			m.logger.Warn("rate limit critical",
				zap.String("exchange", exchange),
				zap.String("endpoint", w.endpoint),
				zap.Float64("used", w.used),
				zap.Int("limit", w.rule.MaxRequests))
		}
		if pct < throttleThreshold {
			continue
		}
		throttled = true
		d := time.Duration(float64(w.untilBelow(now, capacity*throttleThreshold)) * st.backoff)
		if limit := w.rule.Window / 2; d > limit {
			d = limit
		}
		if d > wait {
			wait = d
		}
	}
	return throttled, wait
}

// RecordRequest appends the request's weight to every applicable window.
func (m *RateLimitManager) RecordRequest(exchange, endpoint string) {
	st := m.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	weight := st.requestWeight(endpoint)
	for _, w := range st.limits {
		w.add(now, weight*w.rule.multiplier())
	}
	if endpoint != "" {
		for _, w := range st.endpoints[endpoint] {
			w.add(now, weight)
		}
	}
}

// Wait blocks until the exchange is no longer throttled for endpoint, or ctx
// ends. The throttle is re-checked after every sleep, so waiters released
// together do not all proceed into a window that filled up meanwhile.
func (m *RateLimitManager) Wait(ctx context.Context, exchange, endpoint string) error {
	for {
		throttled, d := m.ShouldThrottle(exchange, endpoint)
		if !throttled {
			return nil
		}
		if d < minThrottleWait {
			d = minThrottleWait
		}
		m.logger.Debug("throttling request",
			zap.String("exchange", exchange),
			zap.String("endpoint", endpoint),
			zap.Duration("wait", d))

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RecordError grows the exchange's backoff factor and returns the new value.
func (m *RateLimitManager) RecordError(exchange string, kind ErrorKind) float64 {
	st := m.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()

	growth := 1.5
	if kind == KindRateLimit {
		growth = 2
	}
	st.backoff *= growth
	if st.backoff > maxBackoffFactor {
		st.backoff = maxBackoffFactor
	}
	m.logger.Debug("backoff increased",
		zap.String("exchange", exchange),
		zap.String("kind", string(kind)),
		zap.Float64("factor", st.backoff))
	return st.backoff
}

// ResetBackoff halves the distance between the backoff factor and 1.0.
func (m *RateLimitManager) ResetBackoff(exchange string) float64 {
	st := m.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.backoff = 1 + (st.backoff-1)/2
	if st.backoff < 1.01 {
		st.backoff = 1
	}
	return st.backoff
}

// BackoffFactor returns the current error backoff multiplier.
func (m *RateLimitManager) BackoffFactor(exchange string) float64 {
	st := m.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.backoff
}

// WindowUsage describes one window's current load.
type WindowUsage struct {
	Endpoint    string        `json:"endpoint,omitempty"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Used        float64       `json:"used"`
	Percentage  float64       `json:"percentage"`
}

// Usage returns a snapshot of every window of exchange.
func (m *RateLimitManager) Usage(exchange string) []WindowUsage {
	st := m.state(exchange)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	all := append([]*window{}, st.limits...)
	for _, ws := range st.endpoints {
		all = append(all, ws...)
	}
	out := make([]WindowUsage, 0, len(all))
	for _, w := range all {
		w.prune(now)
		u := WindowUsage{
			Endpoint:    w.endpoint,
			MaxRequests: w.rule.MaxRequests,
			Window:      w.rule.Window,
			Used:        w.used,
		}
		if w.rule.MaxRequests > 0 {
			u.Percentage = w.used / float64(w.rule.MaxRequests) * 100
		}
		out = append(out, u)
	}
	return out
}
