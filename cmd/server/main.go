// Package main runs the weather trading agent: the scheduled trading
// engine, the HTTP/WebSocket control surface, the SQLite store and the
// optional Telegram alert sink, all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stormline/weather-trader/internal/api"
	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/config"
	"github.com/stormline/weather-trader/internal/data"
	"github.com/stormline/weather-trader/internal/engine"
	"github.com/stormline/weather-trader/internal/events"
	"github.com/stormline/weather-trader/internal/execution"
	"github.com/stormline/weather-trader/internal/feeds"
	"github.com/stormline/weather-trader/internal/forecast"
	"github.com/stormline/weather-trader/internal/metrics"
	"github.com/stormline/weather-trader/internal/notify"
	"github.com/stormline/weather-trader/internal/portfolio"
	"github.com/stormline/weather-trader/internal/risk"
	"github.com/stormline/weather-trader/internal/scheduler"
	"github.com/stormline/weather-trader/internal/sizing"
	"github.com/stormline/weather-trader/internal/strategy"
	"github.com/stormline/weather-trader/internal/workers"
	"github.com/stormline/weather-trader/pkg/types"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	live := flag.Bool("live", false, "Trade against the live venue instead of paper mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *live {
		cfg.Trading.Paper = false
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting weather trader",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("paper", cfg.Trading.Paper),
		zap.String("database", cfg.Database.Path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()

	store, err := data.NewStore(logger, cfg.Database.Path, cfg.Database.RetentionDays)
	if err != nil {
		logger.Fatal("open data store", zap.Error(err))
	}

	m := metrics.New()

	bus := events.NewBroadcaster(events.BroadcasterConfig{
		AlertHistorySize:    cfg.Alerts.AlertHistory,
		ActivityHistorySize: cfg.Alerts.ActivityHistory,
	}, clk, logger)
	bus.SetObserver(m)
	seedAlertPreferences(ctx, logger, store, bus, cfg.Alerts)

	// Durable audit trail: trades, alerts and lifecycle events go to
	// SQLite; price ticks stay in the in-memory ring only.
	activitySub := bus.Subscribe(events.ChannelTrades, events.ChannelAlerts, events.ChannelSystem)
	activityDone := make(chan struct{})
	go func() {
		defer close(activityDone)
		for ev := range activitySub.C() {
			wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := store.AppendActivity(wctx, ev.Timestamp, ev.Type, ev.Channel, ev.Data); err != nil {
				logger.Warn("persist activity", zap.String("type", ev.Type), zap.Error(err))
			}
			wcancel()
		}
	}()

	poolCfg := workers.DefaultPoolConfig("weather")
	if cfg.Weather.FetchConcurrency > 0 {
		poolCfg.NumWorkers = cfg.Weather.FetchConcurrency
	}
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()

	marketClient := feeds.NewMarketClient(logger, cfg.Markets)
	parser := feeds.NewParser(logger, clk)
	weatherClient := feeds.NewWeatherClient(logger, clk, cfg.Weather, pool)

	bankroll := decimal.NewFromFloat(cfg.Trading.InitialBankroll)
	var feed feeds.PriceFeed
	var venue execution.VenueClient
	if cfg.Trading.Paper {
		feed = feeds.NewSimulatedFeed(logger, clk, 5*time.Second, 0)
		venue = execution.NewPaperVenue(logger, bankroll)
	} else {
		ws := feeds.NewWSFeed(logger, clk, cfg.Feed)
		ws.OnReconnect(func() { m.FeedReconnects.Inc() })
		feed = ws
		venue = feeds.NewCLOBClient(logger, cfg.Venue)
	}

	monitor := execution.NewMonitor(logger, cfg.Execution, venue, clk)
	tracker := portfolio.NewTracker(logger, clk)
	riskMgr := risk.NewManager(logger, cfg.Risk, bankroll, clk)
	restoreState(ctx, logger, store, riskMgr, tracker)

	sizer := sizing.NewSizer(logger, cfg.Sizing, cfg.Diversification.MaxTotalExposurePct)
	filter := sizing.NewFilter(logger, cfg.Diversification, cfg.Sizing.MinPosition)
	forecaster := forecast.NewCalculator(logger, cfg.Strategy.ModelWeights)
	strat := strategy.NewCalculator(logger, cfg.Strategy, forecaster)

	sched := scheduler.New(logger, clk, cfg.Scheduler.TickInterval)
	sched.SetObserver(m.ObserveTask)

	eng := engine.New(engine.Deps{
		Logger:    logger,
		Clock:     clk,
		Config:    cfg,
		Markets:   marketClient,
		Parser:    parser,
		Weather:   weatherClient,
		Feed:      feed,
		Venue:     venue,
		Monitor:   monitor,
		Tracker:   tracker,
		Risk:      riskMgr,
		Sizer:     sizer,
		Filter:    filter,
		Strategy:  strat,
		Scheduler: sched,
		Store:     store,
		Events:    bus,
		Metrics:   m,
	})

	srv := api.New(api.Deps{
		Logger:  logger,
		Clock:   clk,
		Config:  cfg,
		Engine:  eng,
		Events:  bus,
		Store:   store,
		Metrics: m,
		RunCtx:  ctx,
	})

	var notifier *notify.Notifier
	if cfg.Telegram.Enabled {
		notifier, err = notify.New(logger, cfg.Telegram, cfg.Alerts, bus)
		if err != nil {
			// The agent trades fine without the sink.
			logger.Warn("telegram notifier disabled", zap.Error(err))
		}
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("start engine", zap.Error(err))
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("api server", zap.Error(err))
		}
	}()

	logger.Info("agent running",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.Bool("paper", cfg.Trading.Paper))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("stop api server", zap.Error(err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("stop engine", zap.Error(err))
	}
	if notifier != nil {
		notifier.Stop()
	}
	activitySub.Close()
	<-activityDone
	if err := pool.Stop(); err != nil {
		logger.Warn("stop worker pool", zap.Error(err))
	}
	bus.Close()
	if err := store.Close(); err != nil {
		logger.Error("close data store", zap.Error(err))
	}
	logger.Info("agent stopped")
}

// seedAlertPreferences applies the configured alert categories, then lets
// a persisted runtime update from a previous session override them.
func seedAlertPreferences(ctx context.Context, logger *zap.Logger, store *data.Store, bus *events.Broadcaster, alerts types.AlertsConfig) {
	seed := events.PreferencesUpdate{
		EdgeAlerts:      &alerts.Categories.Forecast,
		RiskAlerts:      &alerts.Categories.Risk,
		TradeAlerts:     &alerts.Categories.Trade,
		SystemAlerts:    &alerts.Categories.System,
		MinEdgeForAlert: &alerts.MinEdgeForAlert,
	}
	if _, err := bus.UpdatePreferences(seed); err != nil {
		logger.Warn("alert preferences from config rejected", zap.Error(err))
	}

	var saved events.AlertPreferences
	ok, err := store.GetSetting(ctx, data.SettingAlertPrefs, &saved)
	if err != nil {
		logger.Warn("load saved alert preferences", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	update := events.PreferencesUpdate{
		EdgeAlerts:      &saved.EdgeAlerts,
		RiskAlerts:      &saved.RiskAlerts,
		TradeAlerts:     &saved.TradeAlerts,
		SystemAlerts:    &saved.SystemAlerts,
		MinEdgeForAlert: &saved.MinEdgeForAlert,
	}
	if _, err := bus.UpdatePreferences(update); err != nil {
		logger.Warn("saved alert preferences rejected", zap.Error(err))
	}
}

// restoreState reloads the risk window and open positions persisted by the
// previous run. A fresh database is not an error.
func restoreState(ctx context.Context, logger *zap.Logger, store *data.Store, riskMgr *risk.Manager, tracker *portfolio.Tracker) {
	snap, err := store.LatestRiskSnapshot(ctx)
	if err != nil {
		logger.Warn("load risk snapshot", zap.Error(err))
	} else if snap != nil {
		riskMgr.Restore(*snap)
	}

	open, err := store.OpenPositions(ctx)
	if err != nil {
		logger.Warn("load open positions", zap.Error(err))
		return
	}
	if n := tracker.Restore(open); n > 0 {
		logger.Info("open positions restored", zap.Int("count", n))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
