package order

import (
	"sync"
	"sync/atomic"
	"time"

	"execution-core/pkg/exchanges/common"
)

// ExecutionStats is a snapshot of the executor's counters.
type ExecutionStats struct {
	Exchange           string               `json:"exchange"`
	TotalOrders        uint64               `json:"total_orders"`
	SuccessfulOrders   uint64               `json:"successful_orders"`
	FailedOrders       uint64               `json:"failed_orders"`
	RejectedOrders     uint64               `json:"rejected_orders"`
	TimedOutOrders     uint64               `json:"timed_out_orders"`
	RetryCount         uint64               `json:"retry_count"`
	CircuitTrips       uint64               `json:"circuit_trips"`
	CircuitState       string               `json:"circuit_state"`
	ErrorRatePerMinute float64              `json:"error_rate_per_minute"`
	BackoffFactor      float64              `json:"backoff_factor"`
	RateLimits         []common.WindowUsage `json:"rate_limits"`
	Since              time.Time            `json:"since"`
}

type stats struct {
	total     atomic.Uint64
	success   atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	timedOut  atomic.Uint64
	retries   atomic.Uint64
	trips     atomic.Uint64
	sinceNano atomic.Int64

	mu     sync.Mutex
	errors []time.Time
	window time.Duration
}

func newStats(window time.Duration) *stats {
	s := &stats{window: window}
	s.sinceNano.Store(time.Now().UnixNano())
	return s
}

func (s *stats) setWindow(d time.Duration) {
	s.mu.Lock()
	s.window = d
	s.mu.Unlock()
}

func (s *stats) recordError(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, at)
	s.pruneLocked(at)
}

func (s *stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.errors) && !s.errors[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.errors = append(s.errors[:0], s.errors[i:]...)
	}
}

// errorRate is the number of errors in the window divided by the window
// length in minutes, not a continuous rate estimate.
func (s *stats) errorRate(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	minutes := s.window.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(len(s.errors)) / minutes
}

func (s *stats) reset() {
	s.total.Store(0)
	s.success.Store(0)
	s.failed.Store(0)
	s.rejected.Store(0)
	s.timedOut.Store(0)
	s.retries.Store(0)
	s.trips.Store(0)
	s.sinceNano.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.errors = nil
	s.mu.Unlock()
}
