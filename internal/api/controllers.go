package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/advanced"
	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/order"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/common"
)

const (
	maxConfigBody = 1 << 20
	balanceMaxAge = 5 * time.Second
)

type timeRangeQuery struct {
	Since string `form:"since"`
	Until string `form:"until"`
	Hours int    `form:"hours"`
}

// bounds resolves the range, defaulting to the last 24 hours.
func (q timeRangeQuery) bounds(now time.Time) (time.Time, time.Time, error) {
	until := now
	if q.Until != "" {
		t, err := time.Parse(time.RFC3339, q.Until)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		until = t
	}
	hours := q.Hours
	if hours <= 0 {
		hours = 24
	}
	since := until.Add(-time.Duration(hours) * time.Hour)
	if q.Since != "" {
		t, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		since = t
	}
	return since, until, nil
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	var open *breaker.CircuitOpenError
	switch {
	case errors.As(err, &open):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(open.Remaining.Seconds()))))
		respondError(c, http.StatusServiceUnavailable, "CIRCUIT_OPEN", err.Error())
	case errors.Is(err, advanced.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, advanced.ErrClosed):
		respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	case errors.Is(err, config.ErrInvalid):
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		switch common.KindOf(err) {
		case common.KindInvalidOrder:
			respondError(c, http.StatusUnprocessableEntity, "INVALID_ORDER", err.Error())
		case common.KindInsufficientFunds:
			respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", err.Error())
		case common.KindRateLimit:
			if d := common.RetryAfterOf(err); d > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			}
			respondError(c, http.StatusTooManyRequests, "EXCHANGE_RATE_LIMITED", err.Error())
		default:
			respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
		}
	}
}

func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"exchange": s.Meta.Exchange,
		"symbols":  s.Meta.Symbols,
		"version":  s.Meta.Version,
		"uptime":   time.Since(s.Meta.Started).Round(time.Second).String(),
	}
	if s.Executor != nil {
		resp["circuit_state"] = s.Executor.Breaker().State().String()
	}
	if s.Coordinator != nil {
		resp["active_advanced_orders"] = s.Coordinator.Active()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Executor.GetExecutionStats())
}

func (s *Server) resetStats(c *gin.Context) {
	s.Executor.ResetStats()
	s.logger.Info("stats reset by operator", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, s.Executor.GetExecutionStats())
}

func (s *Server) getConfig(c *gin.Context) {
	if s.Config == nil {
		respondError(c, http.StatusServiceUnavailable, "CONFIG_DISABLED", "config manager not configured")
		return
	}
	c.JSON(http.StatusOK, s.Config.Current())
}

// putConfig applies a YAML or JSON reliability document.
func (s *Server) putConfig(c *gin.Context) {
	if s.Config == nil {
		respondError(c, http.StatusServiceUnavailable, "CONFIG_DISABLED", "config manager not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "could not read body")
		return
	}
	applied, err := s.Config.Apply(body)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	s.logger.Info("reliability config updated", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, applied)
}

// getBalances serves the cached account view; ?refresh=true forces a sync.
func (s *Server) getBalances(c *gin.Context) {
	if s.Balances == nil {
		assets, err := s.Executor.GetBalances(c.Request.Context())
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, balance.Snapshot{Assets: assets, SyncedAt: time.Now()})
		return
	}
	maxAge := balanceMaxAge
	if c.Query("refresh") == "true" {
		maxAge = 0
	}
	snap, err := s.Balances.Get(c.Request.Context(), maxAge)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listOrders(c *gin.Context) {
	var q timeRangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	since, until, err := q.bounds(time.Now())
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since/until must be RFC3339")
		return
	}
	records := s.Executor.Store().Between(since, until)
	if records == nil {
		records = []order.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) createOrder(c *gin.Context) {
	var req order.Order
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	res, err := s.Executor.CreateOrder(c.Request.Context(), req)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Lifecycle == order.LifecycleTimedOut {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) getOrder(c *gin.Context) {
	id := c.Param("id")
	symbol := c.Query("symbol")
	if symbol == "" {
		if local, ok := s.Executor.Store().Get(id); ok {
			symbol = local.Symbol
		}
	}
	rec, err := s.Executor.GetOrderStatus(c.Request.Context(), id, symbol)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	symbol := c.Query("symbol")
	if symbol == "" {
		if local, ok := s.Executor.Store().Get(id); ok {
			symbol = local.Symbol
		}
	}
	ok, err := s.Executor.CancelOrder(c.Request.Context(), id, symbol)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "canceled": ok})
}

func (s *Server) reconcileOrders(c *gin.Context) {
	sum, err := s.Executor.ReconcileOrders(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) listAdvanced(c *gin.Context) {
	c.JSON(http.StatusOK, s.Coordinator.List(advanced.Status(c.Query("status"))))
}

func (s *Server) placeOCO(c *gin.Context) {
	var req advanced.OCORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	mo, err := s.Coordinator.PlaceOCO(c.Request.Context(), req)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mo)
}

func (s *Server) placeTrailingStop(c *gin.Context) {
	var req advanced.TrailingStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	mo, err := s.Coordinator.PlaceTrailingStop(c.Request.Context(), req)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mo)
}

func (s *Server) getAdvanced(c *gin.Context) {
	view, err := s.Coordinator.GetAdvancedOrderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) cancelAdvanced(c *gin.Context) {
	mo, err := s.Coordinator.CancelAdvancedOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, mo)
}

func (s *Server) runReconciliation(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILIATION_DISABLED", "reconciler not configured")
		return
	}
	var q timeRangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	since, until, err := q.bounds(time.Now())
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since/until must be RFC3339")
		return
	}
	res, err := s.Reconciler.Reconcile(c.Request.Context(), since, until)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listReconciliationReports(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILIATION_DISABLED", "reconciler not configured")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	reports, err := s.Reconciler.Reports(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, reports)
}
