package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionKey labels an execution sample.
type ExecutionKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Status   string `json:"status"`
}

type executionSeries struct {
	count   atomic.Uint64
	latency *LatencyHistogram
}

type exchangeSeries struct {
	retries      atomic.Uint64
	trips        atomic.Uint64
	breakerState atomic.Value // string
	mismatchPct  atomic.Value // float64
}

// Metrics tracks execution counts and latency by exchange, symbol, side and
// status, plus per-exchange reliability counters.
type Metrics struct {
	mu         sync.RWMutex
	executions map[ExecutionKey]*executionSeries
	exchanges  map[string]*exchangeSeries

	APILatency  *LatencyHistogram
	apiRequests atomic.Uint64
	apiErrors   atomic.Uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		executions: make(map[ExecutionKey]*executionSeries),
		exchanges:  make(map[string]*exchangeSeries),
		APILatency: NewLatencyHistogram(1000),
		started:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) execution(key ExecutionKey) *executionSeries {
	m.mu.RLock()
	s, ok := m.executions[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.executions[key]; ok {
		return s
	}
	s = &executionSeries{latency: NewLatencyHistogram(500)}
	m.executions[key] = s
	return s
}

func (m *Metrics) exchange(name string) *exchangeSeries {
	m.mu.RLock()
	s, ok := m.exchanges[name]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.exchanges[name]; ok {
		return s
	}
	s = &exchangeSeries{}
	s.breakerState.Store("CLOSED")
	s.mismatchPct.Store(float64(0))
	m.exchanges[name] = s
	return s
}

// RecordExecution counts one order execution and its latency.
func (m *Metrics) RecordExecution(key ExecutionKey, latency time.Duration) {
	s := m.execution(key)
	s.count.Add(1)
	s.latency.RecordDuration(latency)
}

// RecordRetry counts one retry against exchange.
func (m *Metrics) RecordRetry(exchange string) {
	m.exchange(exchange).retries.Add(1)
}

// RecordTrip counts one breaker trip.
func (m *Metrics) RecordTrip(exchange string) {
	m.exchange(exchange).trips.Add(1)
}

// SetBreakerState records the latest breaker state name.
func (m *Metrics) SetBreakerState(exchange, state string) {
	m.exchange(exchange).breakerState.Store(state)
}

// SetMismatchPct records the last reconciliation mismatch percentage.
func (m *Metrics) SetMismatchPct(exchange string, pct float64) {
	m.exchange(exchange).mismatchPct.Store(pct)
}

// IncrementAPI counts one operator API request.
func (m *Metrics) IncrementAPI() { m.apiRequests.Add(1) }

// IncrementAPIErrors counts one operator API request answered with >= 400.
func (m *Metrics) IncrementAPIErrors() { m.apiErrors.Add(1) }

// ExecutionSample is one labelled series in a snapshot.
type ExecutionSample struct {
	ExecutionKey
	Count   uint64       `json:"count"`
	Latency LatencyStats `json:"latency_ms"`
}

// ExchangeSample is one exchange's reliability counters in a snapshot.
type ExchangeSample struct {
	Exchange     string  `json:"exchange"`
	Retries      uint64  `json:"retries"`
	Trips        uint64  `json:"circuit_trips"`
	BreakerState string  `json:"breaker_state"`
	MismatchPct  float64 `json:"reconciliation_mismatch_pct"`
}

// MetricsSnapshot is a point-in-time view of every series.
type MetricsSnapshot struct {
	Executions     []ExecutionSample `json:"executions"`
	Exchanges      []ExchangeSample  `json:"exchanges"`
	APILatency     LatencyStats      `json:"api_latency_ms"`
	APIRequests    uint64            `json:"api_requests"`
	APIErrors      uint64            `json:"api_errors"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	Uptime         string            `json:"uptime"`
	Timestamp      time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot, sorted by label.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	execs := make([]ExecutionSample, 0, len(m.executions))
	for k, s := range m.executions {
		execs = append(execs, ExecutionSample{ExecutionKey: k, Count: s.count.Load(), Latency: s.latency.Stats()})
	}
	exs := make([]ExchangeSample, 0, len(m.exchanges))
	for name, s := range m.exchanges {
		exs = append(exs, ExchangeSample{
			Exchange:     name,
			Retries:      s.retries.Load(),
			Trips:        s.trips.Load(),
			BreakerState: s.breakerState.Load().(string),
			MismatchPct:  s.mismatchPct.Load().(float64),
		})
	}
	m.mu.RUnlock()

	sort.Slice(execs, func(i, j int) bool {
		a, b := execs[i].ExecutionKey, execs[j].ExecutionKey
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.Status < b.Status
	})
	sort.Slice(exs, func(i, j int) bool { return exs[i].Exchange < exs[j].Exchange })

	return MetricsSnapshot{
		Executions:     execs,
		Exchanges:      exs,
		APILatency:     m.APILatency.Stats(),
		APIRequests:    m.apiRequests.Load(),
		APIErrors:      m.apiErrors.Load(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Uptime:         time.Since(m.started).Round(time.Second).String(),
		Timestamp:      time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
