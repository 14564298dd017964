package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/advanced"
	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/config"
)

// Server wires HTTP endpoints around the execution engine.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	Executor    *order.Executor
	Coordinator *advanced.Coordinator
	Reconciler  *reconciliation.Service
	Balances    *balance.Manager
	Metrics     *monitor.Metrics
	Config      *config.Manager
	JWTSecret   string
	OperatorKey string
	Meta        SystemMeta

	logger *zap.Logger
	mu     sync.Mutex
	http   *http.Server
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Exchange string   `json:"exchange"`
	Symbols  []string `json:"symbols"`
	Version  string   `json:"version"`
	Started  time.Time
}

// Options holds the server's collaborators and HTTP settings.
type Options struct {
	Bus            *events.Bus
	Executor       *order.Executor
	Coordinator    *advanced.Coordinator
	Reconciler     *reconciliation.Service
	Balances       *balance.Manager
	Metrics        *monitor.Metrics
	Config         *config.Manager
	Logger         *zap.Logger
	JWTSecret      string
	OperatorKey    string
	RatePerSec     float64
	RateBurst      int
	AllowedOrigins []string
	Meta           SystemMeta
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger(logger, opts.Metrics))
	r.Use(RateLimitMiddleware(newIPLimiters(opts.RatePerSec, opts.RateBurst), logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	if opts.Meta.Started.IsZero() {
		opts.Meta.Started = time.Now()
	}
	s := &Server{
		Router:      r,
		Bus:         opts.Bus,
		Executor:    opts.Executor,
		Coordinator: opts.Coordinator,
		Reconciler:  opts.Reconciler,
		Balances:    opts.Balances,
		Metrics:     opts.Metrics,
		Config:      opts.Config,
		JWTSecret:   opts.JWTSecret,
		OperatorKey: opts.OperatorKey,
		Meta:        opts.Meta,
		logger:      logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/stats", s.getStats)
			protected.POST("/stats/reset", s.resetStats)
			protected.GET("/config", s.getConfig)
			protected.PUT("/config", s.putConfig)

			protected.GET("/balances", s.getBalances)
			protected.GET("/orders", s.listOrders)
			protected.POST("/orders", s.createOrder)
			protected.GET("/orders/:id", s.getOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.POST("/orders/reconcile", s.reconcileOrders)

			protected.GET("/advanced", s.listAdvanced)
			protected.POST("/advanced/oco", s.placeOCO)
			protected.POST("/advanced/trailing-stop", s.placeTrailingStop)
			protected.GET("/advanced/:id", s.getAdvanced)
			protected.DELETE("/advanced/:id", s.cancelAdvanced)

			protected.POST("/reconciliation/run", s.runReconciliation)
			protected.GET("/reconciliation/reports", s.listReconciliationReports)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	if s.Executor == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	snap := s.Executor.Breaker().Snapshot()
	status, code := "ok", http.StatusOK
	switch snap.State {
	case breaker.StateOpen:
		status, code = "unavailable", http.StatusServiceUnavailable
	case breaker.StateHalfOpen:
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "exchange": s.Executor.Name(), "circuit": snap})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("operator API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
