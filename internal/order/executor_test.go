package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"execution-core/internal/breaker"
	"execution-core/internal/retry"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

func fastConfig() Config {
	return Config{
		Retry: retry.Policy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			BackoffBase:  2,
			Retryable:    []common.ErrorKind{common.KindTimeout, common.KindRateLimit, common.KindConnection},
		},
		Breaker:      breaker.Config{ErrorThreshold: 5, WarningThreshold: 3, Window: time.Minute, CoolDown: time.Minute},
		Verification: VerificationConfig{Attempts: 2, Interval: time.Millisecond},
	}
}

func newPaper(logger *zap.Logger) *paper.Exchange {
	ex := paper.New(paper.Config{Balances: map[string]float64{"USDT": 1_000_000, "BTC": 100}}, logger)
	ex.SetPrice("BTCUSDT", 100)
	return ex
}

func newTestExecutor(t *testing.T, client common.Client, cfg Config) *Executor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e, err := NewExecutor(client, common.NewRateLimitManager(common.RateLimitConfig{}, logger), cfg, Options{Logger: logger})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

var marketBuy = Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1}

func transient() error {
	return common.NewConnectionError("paper", errors.New("connection reset"))
}

func TestCreateOrderConfirmsFilledMarketOrder(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())

	res, err := e.CreateOrder(context.Background(), marketBuy)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.OrderID == "" || res.Lifecycle != LifecycleConfirmed {
		t.Fatalf("result=%+v, expected confirmed with id", res)
	}
	if res.Record.Status != common.StatusFilled {
		t.Fatalf("status=%s, expected filled", res.Record.Status)
	}

	rec, ok := e.Store().Get(res.OrderID)
	if !ok || rec.Lifecycle != LifecycleConfirmed || rec.Exchange != "paper" {
		t.Fatalf("stored record=%+v ok=%v", rec, ok)
	}

	st := e.GetExecutionStats()
	if st.TotalOrders != 1 || st.SuccessfulOrders != 1 || st.RetryCount != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestCreateOrderRetriesTransientFailures(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	ex.InjectFault(common.EndpointOrder, 2, transient())
	e := newTestExecutor(t, ex, fastConfig())

	res, err := e.CreateOrder(context.Background(), marketBuy)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.OrderID == "" {
		t.Fatal("expected an order id")
	}
	if got := e.GetExecutionStats().RetryCount; got != 2 {
		t.Fatalf("RetryCount=%d, expected 2", got)
	}
}

func TestTerminalRejectionIsNotRetriedNorCounted(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())

	_, err := e.CreateOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 1000})
	if !errors.Is(err, common.ErrInsufficientFunds) {
		t.Fatalf("err=%v, expected insufficient funds", err)
	}
	st := e.GetExecutionStats()
	if st.RetryCount != 0 || st.RejectedOrders != 1 || st.CircuitState != "CLOSED" {
		t.Fatalf("stats=%+v", st)
	}
	if snap := e.Breaker().Snapshot(); snap.Failures != 0 {
		t.Fatalf("breaker failures=%d, expected 0", snap.Failures)
	}
}

func TestLocalValidationRejectsWithoutNetwork(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	ex.InjectFault("", 1, errors.New("must not be called"))
	e := newTestExecutor(t, ex, fastConfig())

	_, err := e.CreateOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1})
	if !errors.Is(err, common.ErrInvalidOrder) {
		t.Fatalf("err=%v, expected invalid order", err)
	}
	if _, err := e.GetTicker(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected the injected fault to still be pending")
	}
}

func TestOpenCircuitStopsRetriesAndFailsFast(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	ex.InjectFault(common.EndpointOrder, 100, transient())
	cfg := fastConfig()
	cfg.Breaker.ErrorThreshold = 3
	e := newTestExecutor(t, ex, cfg)

	// 4 attempts allowed by retry, but the breaker opens after the third
	_, err := e.CreateOrder(context.Background(), marketBuy)
	if !breaker.IsOpen(err) {
		t.Fatalf("err=%v, expected CircuitOpenError once the breaker trips mid-retry", err)
	}

	_, err = e.CreateOrder(context.Background(), marketBuy)
	var open *breaker.CircuitOpenError
	if !errors.As(err, &open) || open.Exchange != "paper" {
		t.Fatalf("err=%v, expected CircuitOpenError for paper", err)
	}

	st := e.GetExecutionStats()
	if st.CircuitTrips != 1 || st.CircuitState != "OPEN" || st.FailedOrders != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if st.ErrorRatePerMinute <= 0 {
		t.Fatalf("error rate=%v, expected > 0", st.ErrorRatePerMinute)
	}
}

func TestRestingLimitOrderIsConfirmed(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())

	res, err := e.CreateOrder(context.Background(), Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 90})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.Lifecycle != LifecycleConfirmed || res.Record.Status != common.StatusOpen {
		t.Fatalf("result=%+v, expected confirmed open order", res)
	}
}

func TestVerificationTimeoutKeepsOrder(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	ex.InjectFault(common.EndpointStatus, 2, common.NewExchangeError("paper", -1000, "status unavailable"))
	e := newTestExecutor(t, ex, fastConfig())

	res, err := e.CreateOrder(context.Background(), marketBuy)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.OrderID == "" || res.Lifecycle != LifecycleTimedOut {
		t.Fatalf("result=%+v, expected timed_out with id", res)
	}
	if rec, _ := ex.GetOrderStatus(context.Background(), res.OrderID, "BTCUSDT"); rec.Status != common.StatusFilled {
		t.Fatalf("exchange status=%s, verification must not cancel", rec.Status)
	}
	if got := e.GetExecutionStats().TimedOutOrders; got != 1 {
		t.Fatalf("TimedOutOrders=%d, expected 1", got)
	}
}

type rejectingClient struct {
	*paper.Exchange
}

func (c rejectingClient) GetOrderStatus(ctx context.Context, id, symbol string) (common.OrderRecord, error) {
	rec, err := c.Exchange.GetOrderStatus(ctx, id, symbol)
	rec.Status = common.StatusRejected
	return rec, err
}

func TestExchangeSideRejectionReturnsID(t *testing.T) {
	e := newTestExecutor(t, rejectingClient{newPaper(zaptest.NewLogger(t))}, fastConfig())

	res, err := e.CreateOrder(context.Background(), marketBuy)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.OrderID == "" || res.Lifecycle != LifecycleRejected {
		t.Fatalf("result=%+v, expected rejected with id", res)
	}
}

func TestReconcileOrdersRefreshesLocalRecords(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())
	ctx := context.Background()

	a, _ := e.CreateOrder(ctx, Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 95})
	b, _ := e.CreateOrder(ctx, Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 50})
	c, _ := e.CreateOrder(ctx, Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 40})

	ex.SetPrice("BTCUSDT", 94) // fills a only
	ex.Forget(c.OrderID)

	sum, err := e.ReconcileOrders(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrders: %v", err)
	}
	if sum.Checked != 3 || sum.Updated != 1 || sum.Missing != 1 {
		t.Fatalf("summary=%+v, expected checked=3 updated=1 missing=1", sum)
	}
	if rec, _ := e.Store().Get(a.OrderID); rec.Status != common.StatusFilled {
		t.Fatalf("a status=%s, expected filled", rec.Status)
	}
	if rec, _ := e.Store().Get(b.OrderID); rec.Status != common.StatusOpen {
		t.Fatalf("b status=%s, expected open", rec.Status)
	}
}

func TestCancelOrderUpdatesStore(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())
	ctx := context.Background()

	res, _ := e.CreateOrder(ctx, Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 10})
	ok, err := e.CancelOrder(ctx, res.OrderID, "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("CancelOrder=(%v, %v)", ok, err)
	}
	if rec, _ := e.Store().Get(res.OrderID); rec.Status != common.StatusCanceled {
		t.Fatalf("status=%s, expected canceled", rec.Status)
	}
	if ok, _ := e.CancelOrder(ctx, res.OrderID, "BTCUSDT"); ok {
		t.Fatal("second cancel should report false")
	}
}

func TestConfigureHotReloadsRetry(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())

	cfg := fastConfig()
	cfg.Retry.MaxRetries = 0
	if err := e.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ex.InjectFault(common.EndpointOrder, 1, transient())
	if _, err := e.CreateOrder(context.Background(), marketBuy); !errors.Is(err, common.ErrConnection) {
		t.Fatalf("err=%v, expected connection error without retries", err)
	}

	bad := fastConfig()
	bad.Retry.BackoffBase = 0
	if err := e.Configure(bad); err == nil {
		t.Fatal("expected invalid retry policy to be rejected")
	}
	if e.Config().Retry.MaxRetries != 0 {
		t.Fatal("rejected config must not be applied")
	}
}

func TestResetStats(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	e := newTestExecutor(t, ex, fastConfig())
	_, _ = e.CreateOrder(context.Background(), marketBuy)

	e.ResetStats()
	st := e.GetExecutionStats()
	if st.TotalOrders != 0 || st.SuccessfulOrders != 0 {
		t.Fatalf("stats=%+v, expected zeroed counters", st)
	}
}

func TestProperty_RetryCountEqualsFailedAttempts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(1, 5).Draw(rt, "max_retries")
		failures := rapid.IntRange(0, maxRetries-1).Draw(rt, "failures")
		kind := rapid.SampledFrom([]common.ErrorKind{common.KindTimeout, common.KindRateLimit, common.KindConnection}).Draw(rt, "kind")

		ex := newPaper(zap.NewNop())
		if failures > 0 {
			ex.InjectFault(common.EndpointOrder, failures, &common.Error{Kind: kind, Exchange: "paper", Message: "transient"})
		}
		cfg := fastConfig()
		cfg.Retry.MaxRetries = maxRetries
		cfg.Retry.MaxDelay = time.Millisecond
		cfg.Breaker.ErrorThreshold = 100
		e, err := NewExecutor(ex, common.NewRateLimitManager(common.RateLimitConfig{}, nil), cfg, Options{})
		if err != nil {
			rt.Fatalf("NewExecutor: %v", err)
		}

		res, err := e.CreateOrder(context.Background(), marketBuy)
		if err != nil || res.OrderID == "" {
			rt.Fatalf("CreateOrder=(%+v, %v), expected an order id", res, err)
		}
		if got := e.GetExecutionStats().RetryCount; got != uint64(failures) {
			rt.Fatalf("RetryCount=%d, expected %d", got, failures)
		}
	})
}

func TestThrottleDeadlineDoesNotTripBreaker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	limiter := common.NewRateLimitManager(common.RateLimitConfig{Exchanges: map[string]common.ExchangeLimits{
		"paper": {Limits: []common.RateLimitRule{{MaxRequests: 10, Window: time.Minute}}},
	}}, logger)
	for i := 0; i < 8; i++ {
		limiter.RecordRequest("paper", "")
	}
	cfg := fastConfig()
	cfg.Breaker.ErrorThreshold = 2
	e, err := NewExecutor(newPaper(logger), limiter, cfg, Options{Logger: logger})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := e.GetBalances(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d err=%v, expected deadline while throttled", i, err)
		}
	}

	st := e.GetExecutionStats()
	if st.CircuitState != "CLOSED" || st.CircuitTrips != 0 {
		t.Fatalf("stats=%+v, local throttling must not trip the breaker", st)
	}
	if st.ErrorRatePerMinute != 0 {
		t.Fatalf("error rate=%v, expected 0", st.ErrorRatePerMinute)
	}
	if used := limiter.Usage("paper")[0].Used; used != 8 {
		t.Fatalf("used=%v, throttled calls must not be charged", used)
	}
}

func TestGetOrdersGoesThroughChain(t *testing.T) {
	ex := newPaper(zaptest.NewLogger(t))
	cfg := fastConfig()
	cfg.Breaker.ErrorThreshold = 1
	e := newTestExecutor(t, ex, cfg)
	ctx := context.Background()

	since := time.Now().Add(-time.Minute)
	res, _ := e.CreateOrder(ctx, marketBuy)
	recs, err := e.GetOrders(ctx, since, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != res.OrderID {
		t.Fatalf("records=%+v, expected the placed order", recs)
	}

	var charged bool
	for _, u := range e.GetExecutionStats().RateLimits {
		if u.Endpoint == common.EndpointHistory && u.Used > 0 {
			charged = true
		}
	}
	if !charged {
		t.Fatal("history listing was not charged to the rate limiter")
	}

	ex.InjectFault(common.EndpointHistory, 1, transient())
	cfg.Retry.MaxRetries = 0
	if err := e.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := e.GetOrders(ctx, since, time.Now()); !errors.Is(err, common.ErrConnection) {
		t.Fatalf("err=%v, expected connection error", err)
	}
	if _, err := e.GetOrders(ctx, since, time.Now()); !breaker.IsOpen(err) {
		t.Fatalf("err=%v, expected open circuit", err)
	}
}

func TestGetOrdersWithoutHistory(t *testing.T) {
	e := newTestExecutor(t, noHistoryClient{newPaper(zaptest.NewLogger(t))}, fastConfig())
	if _, err := e.GetOrders(context.Background(), time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatal("expected error for a client without order history")
	}
}

type noHistoryClient struct {
	common.Client
}
