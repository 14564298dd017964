package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"execution-core/internal/advanced"
	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/retry"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

const (
	testSecret = "test-secret"
	testKey    = "operator-key"
)

type testEnv struct {
	srv      *Server
	ex       *paper.Exchange
	exec     *order.Executor
	metrics  *monitor.Metrics
	database *db.Database
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ex := paper.New(paper.Config{Balances: map[string]float64{"USDT": 100_000, "BTC": 10}}, logger)
	ex.SetPrice("BTCUSDT", 100)

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	exec, err := order.NewExecutor(ex, common.NewRateLimitManager(common.RateLimitConfig{}, logger), order.Config{
		Retry: retry.Policy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			BackoffBase:  2,
			Retryable:    []common.ErrorKind{common.KindConnection},
		},
		Breaker:      breaker.Config{ErrorThreshold: 2, WarningThreshold: 1, Window: time.Minute, CoolDown: time.Minute},
		Verification: order.VerificationConfig{Attempts: 1, Interval: time.Millisecond},
	}, order.Options{Logger: logger, Bus: bus, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	coord := advanced.NewCoordinator(exec, advanced.Config{PollInterval: 2 * time.Millisecond}, advanced.Options{
		Logger: logger, Bus: bus, Persist: database,
	})
	t.Cleanup(coord.Close)

	recon := reconciliation.NewService(ex.Name(), exec.Store(), exec, reconciliation.DefaultConfig(), reconciliation.Options{
		Logger: logger, Bus: bus, Metrics: metrics, Reports: database,
	})

	mgr := config.NewManager("", config.DefaultReliability(), func(r config.Reliability) error {
		return exec.Configure(r.ExecutorConfig())
	})

	srv := NewServer(Options{
		Bus:         bus,
		Executor:    exec,
		Coordinator: coord,
		Reconciler:  recon,
		Metrics:     metrics,
		Config:      mgr,
		Logger:      logger,
		JWTSecret:   testSecret,
		OperatorKey: testKey,
		RatePerSec:  1000,
		RateBurst:   1000,
		Meta:        SystemMeta{Exchange: ex.Name(), Symbols: []string{"BTCUSDT"}, Version: "test"},
	})

	token, err := IssueToken("tester", testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return &testEnv{srv: srv, ex: ex, exec: exec, metrics: metrics, database: database, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthReflectsBreakerState(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	env.exec.Breaker().RecordFailure()
	env.exec.Breaker().RecordFailure()

	w = env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health with open breaker: %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "unavailable" {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""

	w := env.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	env.token = "not-a-jwt"
	w = env.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""

	w := env.do(t, http.MethodPost, "/api/auth/token", map[string]string{"operator": "alice", "key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/auth/token", map[string]string{"operator": "alice", "key": testKey})
	if w.Code != http.StatusOK {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]string](t, w)
	if resp["operator"] != "alice" || resp["token"] == "" {
		t.Fatalf("unexpected response %v", resp)
	}

	env.token = resp["token"]
	if w := env.do(t, http.MethodGet, "/api/stats", nil); w.Code != http.StatusOK {
		t.Fatalf("stats with issued token: %d", w.Code)
	}
}

func TestCreateOrderAndStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/orders", order.Order{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 90,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	res := decode[order.Execution](t, w)
	if res.OrderID == "" || res.Lifecycle != order.LifecycleConfirmed {
		t.Fatalf("unexpected execution %+v", res)
	}

	w = env.do(t, http.MethodGet, "/api/orders/"+res.OrderID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/orders", nil)
	if got := decode[[]order.Record](t, w); len(got) != 1 {
		t.Fatalf("listed %d orders, want 1", len(got))
	}

	w = env.do(t, http.MethodDelete, "/api/orders/"+res.OrderID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}

	stats := decode[order.ExecutionStats](t, env.do(t, http.MethodGet, "/api/stats", nil))
	if stats.TotalOrders != 1 || stats.SuccessfulOrders != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateOrderErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/orders", order.Order{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("zero qty: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/orders", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad payload: %d", w.Code)
	}

	env.exec.Breaker().RecordFailure()
	env.exec.Breaker().RecordFailure()
	w = env.do(t, http.MethodPost, "/api/orders", order.Order{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.1,
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("open breaker: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestConfigUpdate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/config", "retry:\n  max_retries: 5\n")
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}
	if got := env.exec.Config().Retry.MaxRetries; got != 5 {
		t.Fatalf("executor max retries = %d, want 5", got)
	}

	cur := decode[config.Reliability](t, env.do(t, http.MethodGet, "/api/config", nil))
	if cur.Retry.MaxRetries != 5 {
		t.Fatalf("current max retries = %d", cur.Retry.MaxRetries)
	}

	w = env.do(t, http.MethodPut, "/api/config", "retry:\n  backoff_base: 0.5\n")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid config: %d %s", w.Code, w.Body.String())
	}
	if got := env.exec.Config().Retry.MaxRetries; got != 5 {
		t.Fatalf("rejected config changed executor: %d", got)
	}
}

func TestOCOViaAPI(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/advanced/oco", advanced.OCORequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Qty: 1, LimitPrice: 110, StopPrice: 90,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place: %d %s", w.Code, w.Body.String())
	}
	mo := decode[advanced.ManagedOrder](t, w)
	if mo.Status != advanced.StatusActive || mo.LimitOrderID == "" || mo.StopOrderID == "" {
		t.Fatalf("unexpected order %+v", mo)
	}

	view := decode[advanced.StatusView](t, env.do(t, http.MethodGet, "/api/advanced/"+mo.ID, nil))
	if len(view.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(view.Legs))
	}

	w = env.do(t, http.MethodDelete, "/api/advanced/"+mo.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if got := decode[advanced.ManagedOrder](t, w); got.Status != advanced.StatusCanceled {
		t.Fatalf("status after cancel = %s", got.Status)
	}

	if w := env.do(t, http.MethodDelete, "/api/advanced/unknown", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/advanced/oco", advanced.OCORequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Qty: 1, LimitPrice: 90, StopPrice: 110,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("inverted prices: %d %s", w.Code, w.Body.String())
	}
}

func TestTrailingStopViaAPI(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/advanced/trailing-stop", advanced.TrailingStopRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Qty: 1, ActivationPrice: 1000, CallbackRate: 1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place: %d %s", w.Code, w.Body.String())
	}

	list := decode[[]advanced.ManagedOrder](t, env.do(t, http.MethodGet, "/api/advanced?status=pending", nil))
	if len(list) != 1 || list[0].Kind != advanced.KindTrailingStop {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestReconciliationRun(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/orders", order.Order{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 90,
	})
	res := decode[order.Execution](t, w)
	if err := env.ex.Override(res.OrderID, common.StatusFilled, 1); err != nil {
		t.Fatalf("Override: %v", err)
	}

	w = env.do(t, http.MethodPost, "/api/reconciliation/run?hours=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run: %d %s", w.Code, w.Body.String())
	}
	result := decode[reconciliation.Result](t, w)
	if result.Mismatched != 1 || !result.Alert {
		t.Fatalf("unexpected result %+v", result)
	}

	reports := decode[[]db.ReconciliationReport](t, env.do(t, http.MethodGet, "/api/reconciliation/reports?limit=5", nil))
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}

	if w := env.do(t, http.MethodPost, "/api/reconciliation/run?since=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", w.Code)
	}
}

func TestBalances(t *testing.T) {
	env := newTestEnv(t)

	snap := decode[balance.Snapshot](t, env.do(t, http.MethodGet, "/api/balances", nil))
	if snap.Assets["USDT"] != 100_000 {
		t.Fatalf("direct USDT = %v", snap.Assets["USDT"])
	}

	env.srv.Balances = balance.NewManager(env.exec, time.Hour, nil)
	w := env.do(t, http.MethodGet, "/api/balances?refresh=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	snap = decode[balance.Snapshot](t, w)
	if snap.Assets["BTC"] != 10 || snap.SyncedAt.IsZero() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestServerShutdownWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
