// Package order places orders on one exchange through a retry, circuit
// breaker and rate-limit chain, verifies them after placement, and keeps the
// local record of what was placed.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/retry"
	"execution-core/pkg/exchanges/common"
)

// Config holds the hot-reloadable executor parameters.
type Config struct {
	Retry        retry.Policy
	Breaker      breaker.Config
	Verification VerificationConfig
}

// DefaultConfig returns the default retry, breaker and verification settings.
func DefaultConfig() Config {
	return Config{
		Retry:        retry.DefaultPolicy(),
		Breaker:      breaker.DefaultConfig(),
		Verification: DefaultVerification(),
	}
}

// Options carries optional collaborators.
type Options struct {
	Logger  *zap.Logger
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Store   *Store
}

// Executor wraps one exchange client with reliability middleware.
type Executor struct {
	client  common.Client
	name    string
	limiter *common.RateLimitManager
	breaker *breaker.CircuitBreaker
	retrier *retry.Retrier
	store   *Store
	stats   *stats
	bus     *events.Bus
	metrics *monitor.Metrics
	logger  *zap.Logger
	chain   Middleware

	mu     sync.RWMutex
	verify VerificationConfig
}

// NewExecutor builds the middleware chain once: retry is outermost so every
// attempt passes through the breaker and the rate limiter.
func NewExecutor(client common.Client, limiter *common.RateLimitManager, cfg Config, opts Options) (*Executor, error) {
	if client == nil {
		return nil, errors.New("executor: exchange client is required")
	}
	if limiter == nil {
		return nil, errors.New("executor: rate limit manager is required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = NewStore(nil)
	}

	name := client.Name()
	e := &Executor{
		client:  client,
		name:    name,
		limiter: limiter,
		breaker: breaker.New(name, cfg.Breaker, logger),
		retrier: retry.New(cfg.Retry, logger),
		store:   store,
		stats:   newStats(cfg.Breaker.Window),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  logger.Named("executor").With(zap.String("exchange", name)),
		verify:  normalizeVerification(cfg.Verification),
	}
	e.stats.setWindow(e.breaker.Config().Window)
	e.chain = Chain(e.withRetry, e.withThrottle, e.withBreaker, e.withRateLimit)

	e.retrier.OnRetry(e.onRetry)
	e.breaker.OnStateChange(e.onBreakerChange)
	return e, nil
}

func normalizeVerification(v VerificationConfig) VerificationConfig {
	if v.Attempts <= 0 {
		v.Attempts = DefaultVerification().Attempts
	}
	if v.Interval < 0 {
		v.Interval = 0
	}
	return v
}

func (e *Executor) onRetry(op string, attempt int, delay time.Duration, err error) {
	e.stats.retries.Add(1)
	if e.metrics != nil {
		e.metrics.RecordRetry(e.name)
	}
	e.bus.Publish(events.EventRetry, events.RetryEvent{
		Exchange: e.name, Op: op, Attempt: attempt, Delay: delay, Error: err.Error(), Time: time.Now(),
	})
}

// onBreakerChange runs under the breaker lock: counters and publishing only.
func (e *Executor) onBreakerChange(name string, from, to breaker.State) {
	if to == breaker.StateOpen {
		e.stats.trips.Add(1)
		if e.metrics != nil {
			e.metrics.RecordTrip(name)
		}
	}
	if e.metrics != nil {
		e.metrics.SetBreakerState(name, to.String())
	}
	e.bus.Publish(events.EventBreakerStateChange, events.BreakerEvent{
		Exchange: name, From: from.String(), To: to.String(), Time: time.Now(),
	})
}

// Name returns the exchange name.
func (e *Executor) Name() string { return e.name }

// Breaker exposes the exchange's circuit breaker for health reporting.
func (e *Executor) Breaker() *breaker.CircuitBreaker { return e.breaker }

// Store returns the local order store.
func (e *Executor) Store() *Store { return e.store }

// CreateOrder places o and verifies it. An error means the order was not
// placed; a rejected or timed-out verification is reported through the
// returned Execution with a nil error.
func (e *Executor) CreateOrder(ctx context.Context, o Order) (Execution, error) {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	start := time.Now()
	e.stats.total.Add(1)

	if err := o.Validate(); err != nil {
		e.stats.rejected.Add(1)
		verr := common.NewInvalidOrderError(e.name, err.Error())
		e.finish(o, "", LifecycleRejected, common.OrderRecord{}, time.Since(start), verr)
		return Execution{ClientID: o.ClientID, Lifecycle: LifecycleRejected}, verr
	}

	e.publish(events.EventOrderSubmitted, o, "", LifecycleSubmitted, "", 0, nil)

	var id string
	err := e.call(ctx, opCreate, func(ctx context.Context) error {
		var cerr error
		id, cerr = e.client.CreateOrder(ctx, o.request())
		return cerr
	})
	if err != nil {
		lc := LifecycleFailed
		if common.IsTerminal(err) {
			lc = LifecycleRejected
			e.stats.rejected.Add(1)
		} else {
			e.stats.failed.Add(1)
		}
		e.logger.Warn("order placement failed",
			zap.String("symbol", o.Symbol),
			zap.String("side", string(o.Side)),
			zap.String("client_id", o.ClientID),
			zap.Error(err))
		e.finish(o, "", lc, common.OrderRecord{}, time.Since(start), err)
		return Execution{ClientID: o.ClientID, Lifecycle: lc}, fmt.Errorf("create order: %w", err)
	}

	now := time.Now()
	rec := Record{
		OrderRecord: common.OrderRecord{
			ID: id, ClientID: o.ClientID, Symbol: o.request().Symbol, Side: o.Side, Type: o.Type,
			Status: common.StatusOpen, Qty: o.Qty, Price: o.Price, StopPrice: o.StopPrice,
			CreatedAt: now, UpdatedAt: now,
		},
		Exchange:    e.name,
		Lifecycle:   LifecycleVerifying,
		SubmittedAt: start,
	}
	e.store.Put(rec)

	lc, seen := e.verifyPlacement(ctx, o, id)
	if seen.ID != "" {
		rec.OrderRecord = seen
	}
	rec.Lifecycle = lc
	e.store.Put(rec)

	switch lc {
	case LifecycleConfirmed:
		e.stats.success.Add(1)
	case LifecycleRejected:
		e.stats.rejected.Add(1)
		e.logger.Warn("order rejected by exchange after placement",
			zap.String("order_id", id),
			zap.String("status", string(rec.Status)))
	case LifecycleTimedOut:
		e.stats.success.Add(1)
		e.stats.timedOut.Add(1)
		e.logger.Warn("order verification timed out; leaving for reconciliation",
			zap.String("order_id", id),
			zap.String("symbol", rec.Symbol))
	}

	latency := time.Since(start)
	e.finish(o, id, lc, rec.OrderRecord, latency, nil)
	return Execution{OrderID: id, ClientID: o.ClientID, Lifecycle: lc, Record: rec.OrderRecord, Latency: latency}, nil
}

// verifyPlacement polls the order until it is confirmed, rejected, or the
// attempts run out. It never cancels the order.
func (e *Executor) verifyPlacement(ctx context.Context, o Order, id string) (Lifecycle, common.OrderRecord) {
	e.mu.RLock()
	cfg := e.verify
	e.mu.RUnlock()

	var last common.OrderRecord
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 && cfg.Interval > 0 {
			t := time.NewTimer(cfg.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return LifecycleTimedOut, last
			case <-t.C:
			}
		}

		rec, err := e.GetOrderStatus(ctx, id, o.request().Symbol)
		if err != nil {
			e.logger.Debug("verification status check failed",
				zap.String("order_id", id),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if ctx.Err() != nil || breaker.IsOpen(err) {
				return LifecycleTimedOut, last
			}
			continue
		}
		last = rec

		switch rec.Status {
		case common.StatusFilled:
			return LifecycleConfirmed, rec
		case common.StatusRejected, common.StatusCanceled:
			return LifecycleRejected, rec
		case common.StatusOpen, common.StatusPartiallyFilled:
			if o.Type.RestsOnBook() {
				return LifecycleConfirmed, rec
			}
		}
	}
	return LifecycleTimedOut, last
}

func (e *Executor) finish(o Order, id string, lc Lifecycle, rec common.OrderRecord, latency time.Duration, err error) {
	if e.metrics != nil {
		e.metrics.RecordExecution(monitor.ExecutionKey{
			Exchange: e.name, Symbol: o.request().Symbol, Side: string(o.Side), Status: string(lc),
		}, latency)
	}
	topic := map[Lifecycle]events.Event{
		LifecycleConfirmed: events.EventOrderConfirmed,
		LifecycleRejected:  events.EventOrderRejected,
		LifecycleTimedOut:  events.EventOrderTimedOut,
		LifecycleFailed:    events.EventOrderFailed,
	}[lc]
	if topic != "" {
		e.publish(topic, o, id, lc, rec.Status, latency, err)
	}
}

func (e *Executor) publish(topic events.Event, o Order, id string, lc Lifecycle, status common.OrderStatus, latency time.Duration, err error) {
	if e.bus == nil {
		return
	}
	ev := events.OrderEvent{
		Exchange:  e.name,
		OrderID:   id,
		ClientID:  o.ClientID,
		Symbol:    o.request().Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Status:    string(status),
		Lifecycle: string(lc),
		Latency:   latency,
		Time:      time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(topic, ev)
}

// CancelOrder cancels orderID. It reports false with a nil error when the
// exchange no longer has a cancelable order.
func (e *Executor) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	var ok bool
	err := e.call(ctx, opCancel, func(ctx context.Context) error {
		var cerr error
		ok, cerr = e.client.CancelOrder(ctx, orderID, symbol)
		return cerr
	})
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if ok {
		if rec, found := e.store.Get(orderID); found {
			rec.Status = common.StatusCanceled
			rec.UpdatedAt = time.Now()
			e.store.Put(rec)
		}
		if e.bus != nil {
			e.bus.Publish(events.EventOrderCanceled, events.OrderEvent{
				Exchange: e.name, OrderID: orderID, Symbol: symbol,
				Status: string(common.StatusCanceled), Time: time.Now(),
			})
		}
	}
	return ok, nil
}

// GetOrderStatus fetches the exchange view of orderID and refreshes the
// local record if one exists.
func (e *Executor) GetOrderStatus(ctx context.Context, orderID, symbol string) (common.OrderRecord, error) {
	var rec common.OrderRecord
	err := e.call(ctx, opStatus, func(ctx context.Context) error {
		var cerr error
		rec, cerr = e.client.GetOrderStatus(ctx, orderID, symbol)
		return cerr
	})
	if err != nil {
		return common.OrderRecord{}, err
	}
	if local, found := e.store.Get(orderID); found && changed(local.OrderRecord, rec) {
		local.OrderRecord = rec
		e.store.Put(local)
	}
	return rec, nil
}

func changed(a, b common.OrderRecord) bool {
	return a.Status != b.Status || a.FilledQty != b.FilledQty || a.AvgPrice != b.AvgPrice
}

// GetBalances returns free balances per asset.
func (e *Executor) GetBalances(ctx context.Context) (map[string]float64, error) {
	var out map[string]float64
	err := e.call(ctx, opBalances, func(ctx context.Context) error {
		var cerr error
		out, cerr = e.client.GetBalances(ctx)
		return cerr
	})
	return out, err
}

// GetOpenOrders lists open orders, optionally for one symbol.
func (e *Executor) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	var out []common.OrderRecord
	err := e.call(ctx, opOpen, func(ctx context.Context) error {
		var cerr error
		out, cerr = e.client.GetOpenOrders(ctx, symbol)
		return cerr
	})
	return out, err
}

// GetOrders lists exchange-side orders created in [since, until). It fails
// when the client keeps no order history.
func (e *Executor) GetOrders(ctx context.Context, since, until time.Time) ([]common.OrderRecord, error) {
	hist, ok := e.client.(common.OrderHistory)
	if !ok {
		return nil, fmt.Errorf("%s: order history not supported", e.name)
	}
	var out []common.OrderRecord
	err := e.call(ctx, opHistory, func(ctx context.Context) error {
		var cerr error
		out, cerr = hist.GetOrders(ctx, since, until)
		return cerr
	})
	return out, err
}

// GetTicker returns the latest price snapshot.
func (e *Executor) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	var t common.Ticker
	err := e.call(ctx, opTicker, func(ctx context.Context) error {
		var cerr error
		t, cerr = e.client.GetTicker(ctx, symbol)
		return cerr
	})
	return t, err
}

// ReconcileOrders refreshes every non-terminal local record from the
// exchange. Orders the exchange answers for with a non-transient error are
// counted missing. An open circuit stops the pass early.
func (e *Executor) ReconcileOrders(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	for _, local := range e.store.NonTerminal() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++

		before := local.OrderRecord
		rec, err := e.GetOrderStatus(ctx, local.ID, local.Symbol)
		if err != nil {
			if breaker.IsOpen(err) {
				return sum, err
			}
			switch common.KindOf(err) {
			case common.KindTimeout, common.KindRateLimit, common.KindConnection:
				sum.Errors++
			default:
				sum.Missing++
				e.logger.Warn("local order unknown to exchange", zap.String("order_id", local.ID), zap.Error(err))
			}
			continue
		}
		if changed(before, rec) {
			sum.Updated++
			e.logger.Info("order state refreshed",
				zap.String("order_id", rec.ID),
				zap.String("from", string(before.Status)),
				zap.String("to", string(rec.Status)),
				zap.Float64("filled_qty", rec.FilledQty))
			if e.bus != nil {
				e.bus.Publish(events.EventOrderUpdate, events.OrderEvent{
					Exchange: e.name, OrderID: rec.ID, ClientID: rec.ClientID, Symbol: rec.Symbol,
					Side: string(rec.Side), Type: string(rec.Type), Status: string(rec.Status),
					Lifecycle: string(local.Lifecycle), Time: time.Now(),
				})
			}
		}
	}
	return sum, nil
}

// GetExecutionStats returns a snapshot of the executor's counters.
func (e *Executor) GetExecutionStats() ExecutionStats {
	return ExecutionStats{
		Exchange:           e.name,
		TotalOrders:        e.stats.total.Load(),
		SuccessfulOrders:   e.stats.success.Load(),
		FailedOrders:       e.stats.failed.Load(),
		RejectedOrders:     e.stats.rejected.Load(),
		TimedOutOrders:     e.stats.timedOut.Load(),
		RetryCount:         e.stats.retries.Load(),
		CircuitTrips:       e.stats.trips.Load(),
		CircuitState:       e.breaker.State().String(),
		ErrorRatePerMinute: e.stats.errorRate(time.Now()),
		BackoffFactor:      e.limiter.BackoffFactor(e.name),
		RateLimits:         e.limiter.Usage(e.name),
		Since:              time.Unix(0, e.stats.sinceNano.Load()),
	}
}

// ResetStats zeroes every counter. Breaker state is left alone.
func (e *Executor) ResetStats() {
	e.stats.reset()
	e.logger.Info("execution stats reset")
}

// Configure hot-reloads retry, breaker and verification parameters.
func (e *Executor) Configure(cfg Config) error {
	if err := e.retrier.Configure(cfg.Retry); err != nil {
		return err
	}
	e.breaker.Configure(cfg.Breaker)
	e.stats.setWindow(e.breaker.Config().Window)

	e.mu.Lock()
	e.verify = normalizeVerification(cfg.Verification)
	e.mu.Unlock()

	e.logger.Info("executor reconfigured",
		zap.Int("max_retries", cfg.Retry.MaxRetries),
		zap.Int("error_threshold", e.breaker.Config().ErrorThreshold),
		zap.Int("verification_attempts", cfg.Verification.Attempts))
	return nil
}

// Config returns the active configuration.
func (e *Executor) Config() Config {
	e.mu.RLock()
	v := e.verify
	e.mu.RUnlock()
	return Config{Retry: e.retrier.Policy(), Breaker: e.breaker.Config(), Verification: v}
}
