package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/advanced"
	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/events"
	"execution-core/internal/health"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	exspot "execution-core/pkg/exchanges/binance/spot"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/logging"
)

// local order records older than this are dropped from memory once terminal
const storeRetention = 7 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "execution-core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reliability, err := config.LoadReliability(cfg.ReliabilityFile)
	if err != nil {
		return fmt.Errorf("load reliability config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	logger.Info("starting execution core",
		zap.String("version", buildVersion),
		zap.String("exchange", cfg.Exchange),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("db_path", cfg.DBPath))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	writer := db.NewBatchWriter(database, 50, 500*time.Millisecond, logger)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn("batch writer close failed", zap.Error(err))
		}
	}()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	limiter := common.NewRateLimitManager(reliability.RateLimitConfig(), logger)

	client, err := newClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store := order.NewStore(writer)
	executor, err := order.NewExecutor(client, limiter, reliability.ExecutorConfig(), order.Options{
		Logger:  logger,
		Bus:     bus,
		Metrics: metrics,
		Store:   store,
	})
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}
	go pruneStore(ctx, store, logger)

	advCfg := reliability.AdvancedConfig()
	coordinator := advanced.NewCoordinator(executor, advCfg, advanced.Options{
		Logger:  logger,
		Bus:     bus,
		Persist: database,
		Tickers: cache.NewTickerCache(advCfg.PollInterval / 2),
	})
	defer coordinator.Close()

	balances := balance.NewManager(executor, 30*time.Second, logger)
	balances.Start(ctx)

	alerts := monitor.MultiSink{monitor.LogSink{Logger: logger}, monitor.BusSink{Bus: bus, Source: "execution-core"}}
	(&monitor.Monitor{Bus: bus, Sink: alerts, Logger: logger}).Start(ctx)

	var reconciler *reconciliation.Service
	if _, ok := client.(common.OrderHistory); ok {
		local := reconciliation.DBHistory{DB: database, Exchange: client.Name()}
		reconciler = reconciliation.NewService(client.Name(), local, executor, reliability.ReconciliationConfig(), reconciliation.Options{
			Logger:  logger,
			Bus:     bus,
			Metrics: metrics,
			Sink:    alerts,
			Reports: database,
		})
		reconciler.Start(ctx)
	} else {
		logger.Warn("exchange client cannot list orders; reconciliation disabled", zap.String("exchange", client.Name()))
	}

	manager := config.NewManager(cfg.ReliabilityFile, reliability, func(r config.Reliability) error {
		if err := executor.Configure(r.ExecutorConfig()); err != nil {
			return err
		}
		limiter.Configure(r.RateLimitConfig())
		logger.Info("reliability config applied",
			zap.Int("max_retries", r.Retry.MaxRetries),
			zap.Int("error_threshold", r.CircuitBreaker.ErrorThreshold),
			zap.Float64("cool_down_seconds", r.CircuitBreaker.CoolDownSeconds))
		return nil
	})

	server := api.NewServer(api.Options{
		Bus:            bus,
		Executor:       executor,
		Coordinator:    coordinator,
		Reconciler:     reconciler,
		Balances:       balances,
		Metrics:        metrics,
		Config:         manager,
		Logger:         logger,
		JWTSecret:      cfg.JWTSecret,
		OperatorKey:    cfg.OperatorKey,
		RatePerSec:     cfg.APIRatePerSec,
		RateBurst:      cfg.APIRateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
		Meta: api.SystemMeta{
			Exchange: client.Name(),
			Symbols:  cfg.Symbols,
			Version:  buildVersion,
			Started:  time.Now(),
		},
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Error("api server stopped", zap.Error(err))
			cancel()
		}
	}()

	healthSrv := health.New([]health.Source{executor.Breaker()}, time.Second, logger)
	go func() {
		if err := healthSrv.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
			logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if cfg.ReliabilityFile == "" {
					logger.Warn("SIGHUP ignored: RELIABILITY_CONFIG not set")
					continue
				}
				if _, err := manager.Reload(); err != nil {
					logger.Error("reliability reload failed; keeping current config", zap.Error(err))
				}
				continue
			}
			logger.Info("shutting down", zap.String("signal", sig.String()))
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", zap.Error(err))
	}
	healthSrv.Stop()
	cancel()
	return nil
}

// newClient builds the configured venue. The paper venue also starts its
// simulated price feed.
func newClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (common.Client, error) {
	switch cfg.Exchange {
	case "paper":
		balances := map[string]float64{"USDT": cfg.PaperQuoteBalance}
		for _, sym := range cfg.Symbols {
			if base, ok := baseAsset(sym, "USDT"); ok {
				balances[base] = cfg.PaperBaseBalance
			}
		}
		ex := paper.New(paper.Config{
			Balances:    balances,
			FeeRate:     cfg.PaperFeeRate,
			SlippageBps: cfg.PaperSlippageBps,
			LatencyMin:  time.Duration(cfg.PaperLatencyMinMs) * time.Millisecond,
			LatencyMax:  time.Duration(cfg.PaperLatencyMaxMs) * time.Millisecond,
		}, logger)
		ex.StartFeed(ctx, cfg.Symbols, 0, 0, cfg.PaperFeedInterval)
		return ex, nil
	case "binance":
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			return nil, fmt.Errorf("binance: BINANCE_API_KEY and BINANCE_API_SECRET are required")
		}
		c := exspot.New(exspot.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
			Symbols:   cfg.Symbols,
		}, logger)
		c.StartTimeSync(ctx)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown exchange %q (want paper or binance)", cfg.Exchange)
	}
}

func baseAsset(symbol, quote string) (string, bool) {
	base, ok := strings.CutSuffix(symbol, quote)
	return base, ok && base != ""
}

func pruneStore(ctx context.Context, store *order.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Prune(time.Now().Add(-storeRetention)); n > 0 {
				logger.Debug("pruned terminal order records", zap.Int("count", n))
			}
		}
	}
}
