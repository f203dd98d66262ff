package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"riskdesk/internal/api"
	"riskdesk/internal/broker"
	"riskdesk/internal/config"
	"riskdesk/internal/engine"
	"riskdesk/internal/store"
	"riskdesk/internal/util"
)

func main() {
	cfgPath := "config/riskdesk.yaml"
	if p := os.Getenv("RISKDESK_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLoggerWithOptions(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("riskdesk-server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clock, err := util.NewVenueClock(cfg.Risk.VenueTimezone)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("creating sqlite dir: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite: %w", err)
	}
	defer db.Close()
	archive := store.NewParquetArchive(cfg.Storage.DataDir)

	exits, err := exitSet(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dialer, quoter := brokerFor(cfg, clock)
	rm := engine.NewRiskManager(cfg.Risk.RiskPerTrade, cfg.Risk.Cooldown(), cfg.Risk.MaxPositionPct, clock)
	eng := engine.NewEngine(dialer, quoter, rm, exits, engine.Options{
		Endpoint: broker.Endpoint{
			Host:           cfg.Broker.Host,
			Port:           cfg.Broker.Port,
			ClientID:       cfg.Broker.ClientID,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
		},
		Routing: engine.Routing{
			Exchange:        cfg.Broker.Exchange,
			Currency:        cfg.Broker.Currency,
			PrimaryExchange: cfg.Broker.PrimaryExchange,
		},
		SettleDelay:   cfg.Broker.SettleDelay,
		UseLastAsk:    cfg.Risk.UseLastAsk,
		IgnoreSymbols: cfg.Risk.IgnoreSymbols,
	}, logger)

	monitor := engine.NewMonitor(eng, db, db, archive, clock)
	hub := api.NewHub()
	monitor.OnAlarm(hub.Publish)

	srv := api.NewServer(cfg.Server, api.NewService(eng, monitor, db, hub, logger), logger)

	logger.Info("riskdesk-server starting",
		"broker", dialer.Name(),
		"grpc", srv.Addr(),
		"venue_tz", cfg.Risk.VenueTimezone,
		"exit_requests", cfg.Storage.ExitRequests,
		"monitor", cfg.Monitor.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if cfg.Monitor.Enabled {
		g.Go(func() error {
			return monitor.Run(gctx, cfg.Monitor.Interval)
		})
	}
	err = g.Wait()
	logger.Info("riskdesk-server stopped")
	return err
}

func exitSet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.SymbolSet, error) {
	switch cfg.Storage.ExitRequests {
	case "redis":
		rdb, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return store.NewRedisSymbolSet(rdb, cfg.Redis.Key), nil
	case "file":
		path := cfg.Storage.ExitRequestsFile
		if path == "" {
			path = filepath.Join(cfg.Storage.DataDir, "exit_requests.json")
		}
		return store.NewMemorySymbolSet(path, logger), nil
	}
	return store.NewMemorySymbolSet("", logger), nil
}

func brokerFor(cfg *config.Config, clock *util.VenueClock) (broker.Dialer, broker.Quoter) {
	if cfg.Broker.Kind == "alpaca" {
		a := cfg.Alpaca
		dialer := broker.NewAlpacaDialer(a.APIKey, a.APISecret, a.BaseURL, a.RateLimitPerMin, cfg.Broker.RequestTimeout)
		dialer.SetClock(clock)
		quoter := broker.NewAlpacaQuoter(a.APIKey, a.APISecret, a.DataURL, a.Feed, a.RateLimitPerMin)
		return dialer, quoter
	}
	sim := broker.NewSimulator()
	return sim, sim
}
