package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/api"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/bot"
	"futures-trading-agent/internal/features"
	"futures-trading-agent/internal/forecast"
	"futures-trading-agent/internal/guard"
	"futures-trading-agent/internal/logging"
	"futures-trading-agent/internal/metrics"
	"futures-trading-agent/internal/reconcile"
	"futures-trading-agent/internal/regime"
	"futures-trading-agent/internal/risk"
	"futures-trading-agent/internal/router"
	"futures-trading-agent/internal/state"
	"futures-trading-agent/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfgStore := config.NewStore("config.json", cfg)

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exchange client: mock mode trades against a simulated book
	var client binance.FuturesClient
	if cfg.BinanceConfig.MockMode {
		logger.Info().Msg("mock mode enabled, no live exchange connectivity")
		client = binance.NewMockFuturesClient()
	} else {
		client = binance.NewFuturesClient(
			cfg.BinanceConfig.APIKey,
			cfg.BinanceConfig.SecretKey,
			cfg.BinanceConfig.TestNet,
			cfg.BinanceConfig.RecvWindow,
		)
	}

	// Fill/event persistence
	var repo store.Repository
	if cfg.DatabaseConfig.Enabled {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseConfig.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		repo = pg
	} else {
		repo = store.NewMemory()
	}
	defer repo.Close()

	// Order idempotency: one attempt per (symbol, timeframe, bar, side, action)
	var idem router.IdemStore
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisConfig.Addr).Msg("redis unreachable")
		}
		idem = router.NewRedisIdem(rdb, "fta:idem", logger)
	} else {
		idem = router.NewMemoryIdem()
	}

	bus := state.NewBus()
	quality := metrics.NewExecQuality(cfg.MetricsConfig, logger)
	ledger := metrics.NewOrderLedger(repo, logger)

	rtr := router.New(cfg.ExecConfig, client, idem, ledger, logger)
	gates := risk.NewGateKeeper(cfg.GatesConfig, logger)

	var userStream *binance.UserDataStream
	var orderEvents <-chan binance.OrderTradeUpdate
	var accountEvents <-chan binance.AccountUpdate
	if !cfg.BinanceConfig.MockMode {
		userStream = binance.NewUserDataStream(
			cfg.BinanceConfig.BaseURL,
			cfg.BinanceConfig.WSBaseURL,
			cfg.BinanceConfig.APIKey,
			logger,
		)
		orderEvents = userStream.OrderUpdates()
		accountEvents = userStream.AccountUpdates()
	}

	agent := bot.New(bot.Deps{
		Config:    cfgStore,
		Bus:       bus,
		Client:    client,
		Features:  features.NewEngine(cfg.FeatureConfig, logger),
		Regimes:   regime.NewClassifier(cfg.RegimeConfig, logger),
		Ensemble:  forecast.NewEnsemble(cfg.ForecastConfig, logger),
		Risk:      risk.NewEngine(cfg.RiskConfig, cfg.MarketConfig.AnchorTF, cfg.ForecastConfig.StrongThr, gates, logger),
		Gates:     gates,
		Router:    rtr,
		Reconcile: reconcile.New(cfg.ReconcileConfig, orderEvents, repo, quality, ledger, rtr, logger),
		Guard:     guard.New(cfg.GuardConfig, rtr, bus, gates, cfg.RiskConfig.EquityDefault, logger),
		Quality:   quality,
		Accounts:  accountEvents,
	}, logger)

	if err := agent.Bootstrap(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bootstrap failed")
	}

	if !cfg.BinanceConfig.MockMode {
		marketStream := binance.NewMarketStream(
			cfg.BinanceConfig.WSBaseURL,
			cfg.MarketConfig.Symbols,
			cfg.MarketConfig.Timeframes,
			bus,
			logger,
		)
		go marketStream.Run(ctx)
		go userStream.Run(ctx)
	}

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(cfg.ServerConfig, bus, quality, ledger, repo, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()
		logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)).Msg("api server listening")
	}

	go agent.Run(ctx)

	logger.Info().
		Strs("symbols", cfg.MarketConfig.Symbols).
		Strs("timeframes", cfg.MarketConfig.Timeframes).
		Bool("live", cfg.ExecConfig.Active).
		Msg("futures trading agent started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutdown signal received")
	cancel()
}
