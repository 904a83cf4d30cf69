package main

import (
	"context"
	"log" // standard log only for fatal errors before the logger is ready
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dcabot/config"
	"dcabot/internal/adapters/binancegw"
	"dcabot/internal/adapters/logger"
	"dcabot/internal/adapters/simgw"
	"dcabot/internal/adapters/sqlite"
	"dcabot/internal/app"
	"dcabot/internal/ledger"
	"dcabot/internal/metrics"
	"dcabot/internal/ports"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel, nil)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize the Gateway. The live Binance client always exists: in
	// simulation it only serves as the read-only price feed.
	live, err := binancegw.New(binancegw.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.UseTestnet,
		Symbol:     cfg.ExchangeSymbol,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance gateway")
		log.Fatalf("FATAL: Failed to initialize Binance gateway: %v", err)
	}

	var gateway ports.Gateway = live
	if cfg.Mode == config.ModeSimulation {
		sim, err := simgw.New(simgw.Config{
			Logger:              appLogger,
			Feed:                live,
			Repo:                repo,
			InitialQuoteBalance: cfg.SimInitialBalance,
			QuoteAsset:          cfg.QuoteAsset,
			BaseAsset:           cfg.BaseAsset,
			MakerFeeRate:        cfg.MakerFeeRate,
			TakerFeeRate:        cfg.TakerFeeRate,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize simulated gateway")
			log.Fatalf("FATAL: Failed to initialize simulated gateway: %v", err)
		}
		gateway = sim
		appLogger.Info(ctx, "Paper trading against the simulated matching engine", map[string]interface{}{
			"initialBalance": cfg.SimInitialBalance,
		})
	} else {
		appLogger.Warn(ctx, "LIVE trading mode: orders will spend real funds", map[string]interface{}{
			"testnet": cfg.UseTestnet,
		})
	}

	// 5. Ledger and Metrics
	book, err := ledger.New(appLogger, repo)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize position ledger")
		log.Fatalf("FATAL: Failed to initialize position ledger: %v", err)
	}
	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go serveMetrics(appLogger, cfg.MetricsAddr)
	}

	// 6. Trading Engine
	engine, err := app.NewEngine(app.Config{
		Symbol:             cfg.Symbol,
		QuoteAsset:         cfg.QuoteAsset,
		BaseAsset:          cfg.BaseAsset,
		ProfitMargin:       cfg.ProfitMargin,
		BuyTriggerPercent:  cfg.BuyTriggerPercent,
		OrderKind:          cfg.OrderKind(),
		Fees:               cfg.Fees(),
		MaxOpenPositions:   cfg.MaxOpenPositions,
		MinTradeAmount:     cfg.MinTradeAmount,
		InitialBuyFraction: cfg.InitialBuyFraction,
		FirstTierFraction:  cfg.FirstTierFraction,
		NextTierFraction:   cfg.NextTierFraction,
		TickInterval:       cfg.TickInterval,
		ForceStopTimeout:   cfg.ForceStopTimeout,
	}, appLogger, gateway, book, m)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading engine")
		log.Fatalf("FATAL: Failed to initialize trading engine: %v", err)
	}

	if err := engine.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Trading engine refused to start")
		log.Fatalf("FATAL: Trading engine refused to start: %v", err)
	}

	// 7. Signal handling: first signal drains gracefully, second forces out.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	appLogger.Info(ctx, "Shutdown signal received, draining positions (send again to force)")
	if err := engine.Stop(ctx); err != nil {
		appLogger.Error(ctx, err, "Graceful stop failed")
	}

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-sigCh:
			appLogger.Warn(ctx, "Second signal received, force-stopping")
			if err := engine.ForceStop(ctx); err != nil {
				appLogger.Error(ctx, err, "Force stop failed")
			}
			logFinalStatus(ctx, appLogger, engine)
			return
		case <-poll.C:
			st := engine.GetStatus()
			if st.State == app.StateStopped || st.State == app.StateError {
				logFinalStatus(ctx, appLogger, engine)
				return
			}
		}
	}
}

func serveMetrics(appLogger ports.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		appLogger.Error(context.Background(), err, "Metrics endpoint failed")
	}
}

func logFinalStatus(ctx context.Context, appLogger ports.Logger, engine *app.Engine) {
	st := engine.GetStatus()
	appLogger.Info(ctx, "Application finished", map[string]interface{}{
		"state":         string(st.State),
		"openPositions": st.OpenPositions,
		"realizedPnL":   st.Realized.Absolute,
		"totalTrades":   st.Realized.TotalTrades,
		"winRate":       st.Realized.WinRate,
	})
}
