// Command autotrader runs the condition-driven trading session and its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/autotrader/db/migrations"
	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/app/condition"
	"github.com/coachpo/autotrader/internal/app/entry"
	"github.com/coachpo/autotrader/internal/app/reconcile"
	"github.com/coachpo/autotrader/internal/app/risk"
	"github.com/coachpo/autotrader/internal/app/session"
	"github.com/coachpo/autotrader/internal/app/tracker"
	"github.com/coachpo/autotrader/internal/app/watchlist"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
	"github.com/coachpo/autotrader/internal/infra/adapters/bridge"
	"github.com/coachpo/autotrader/internal/infra/adapters/paper"
	"github.com/coachpo/autotrader/internal/infra/bus/eventbus"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/notify"
	"github.com/coachpo/autotrader/internal/infra/notify/slack"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/persistence"
	"github.com/coachpo/autotrader/internal/infra/persistence/migrations"
	"github.com/coachpo/autotrader/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/autotrader/internal/infra/server/http"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	shutdownTimeout              = 30 * time.Second
	startupTimeout               = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	entryShutdownTimeout         = 5 * time.Second
	recorderShutdownTimeout      = 5 * time.Second
	notifierShutdownTimeout      = 5 * time.Second
	dataBusShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	loggerShutdownTimeout        = 2 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	recorderWorkers              = 2
	recorderQueue                = 256
	notifyQueue                  = 128
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logRuntime, err := observability.New(loggingConfig(appCfg.Logging))
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	logger := logRuntime.Logger().With(slog.String("service", "autotrader"))
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", slog.String("path", configPath))
	}
	logger.Info("configuration initialised",
		slog.String("environment", string(appCfg.Environment)),
		slog.String("adapter", string(appCfg.Broker.Adapter)))

	appStore, err := config.NewAppConfigStore(appCfg, func(cfg config.AppConfig) error {
		return config.SaveAppConfig(configPath, cfg)
	})
	if err != nil {
		return fmt.Errorf("initialise app config store: %w", err)
	}
	runtimeStore, err := config.NewRuntimeStore(appCfg.Trading, appStore.SetTrading)
	if err != nil {
		return fmt.Errorf("initialise trading config: %w", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, startupTimeout)
	defer startupCancel()

	store, dbPool, err := openTradeStore(startupCtx, logger, appCfg.Database)
	if err != nil {
		return err
	}
	if dbPool != nil {
		defer dbPool.Close()
	}
	recorder, err := persistence.NewRecorder(store, persistence.RecorderConfig{
		Workers: recorderWorkers,
		Queue:   recorderQueue,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialise trade recorder: %w", err)
	}

	bus := newEventBus(appCfg.Eventbus, logger)

	gateway, paperGateway, closeGateway, err := openGateway(ctx, logger, appCfg.Broker, bus)
	if err != nil {
		return err
	}
	defer closeGateway()

	var channel broker.Notifier = broker.NopNotifier{}
	if slackNotifier := slack.New(appCfg.Notifier.Slack, logger); slackNotifier != nil {
		channel = slackNotifier
		logger.Info("slack notifications enabled")
	}
	notifier, err := notify.NewDispatcher(channel, notify.DispatcherConfig{Queue: notifyQueue}, logger)
	if err != nil {
		return fmt.Errorf("initialise notifier: %w", err)
	}

	trading := runtimeStore.Snapshot()
	positions := tracker.New(tracker.WithLogger(logger), tracker.WithClearLiquidated(trading.ClearLiquidated))
	view := watchlist.New()
	entryController, err := entry.New(gateway, positions, runtimeStore, view, entry.Config{
		Workers: trading.EntryWorkers,
		Queue:   trading.EntryQueue,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("initialise entry controller: %w", err)
	}
	fetcher, err := reconcile.New(gateway, positions, bus, reconcile.Config{
		Timeout: appCfg.Broker.BalanceTimeout,
		Source:  string(appCfg.Broker.Adapter),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("initialise reconciler: %w", err)
	}
	monitor, err := risk.NewMonitor(gateway, positions, fetcher, runtimeStore, risk.Config{Logger: logger, View: view, Notifier: notifier})
	if err != nil {
		return fmt.Errorf("initialise risk monitor: %w", err)
	}
	conditions := condition.NewManager(gateway, runtimeStore, logger)

	tradingSession, err := session.New(session.Deps{
		Gateway:    gateway,
		Bus:        bus,
		Tracker:    positions,
		Entry:      entryController,
		Monitor:    monitor,
		Fetcher:    fetcher,
		Conditions: conditions,
		Watchlist:  view,
		Trading:    runtimeStore,
		Notifier:   notifier,
		Recorder:   recorder,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialise session: %w", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := tradingSession.Run(ctx); err != nil {
			logger.Error("session stopped", observability.Err(err))
		}
	})
	select {
	case <-tradingSession.Subscribed():
	case <-ctx.Done():
	}

	if trading.Account != "" {
		if _, err := fetcher.Fetch(startupCtx, trading.Account); err != nil {
			logger.Warn("initial balance reconcile failed", observability.Err(err))
		}
	}
	if started, ok, err := conditions.StartSaved(startupCtx); err != nil {
		logger.Warn("saved condition not started", observability.Err(err))
	} else if ok {
		logger.Info("saved condition started", slog.String("condition", started.Name))
	}

	handler := httpserver.NewHandler(httpserver.Options{
		Environment: appCfg.Environment,
		Session:     tradingSession,
		Conditions:  conditions,
		Trades:      store,
		Paper:       paperControl(paperGateway),
		Logger:      logger,
	})
	apiServer := buildAPIServer(appCfg.APIServer, handler)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("control API listening", slog.String("addr", apiServer.Addr))

	logger.Info("autotrader started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		entry:      entryController,
		recorder:   recorder,
		notifier:   notifier,
		dataBus:    bus,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", slog.Duration("elapsed", time.Since(shutdownStart)))

	logCtx, logCancel := context.WithTimeout(context.Background(), loggerShutdownTimeout)
	defer logCancel()
	return logRuntime.Shutdown(logCtx)
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loggingConfig(cfg config.LoggingConfig) observability.Config {
	return observability.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

func initTelemetry(ctx context.Context, logger *slog.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			slog.String("endpoint", telemetryCfg.OTLPEndpoint),
			slog.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// openTradeStore returns the PostgreSQL store when a DSN is configured and the in-memory store otherwise.
func openTradeStore(ctx context.Context, logger *slog.Logger, cfg config.DatabaseConfig) (tradestore.Store, *pgxpool.Pool, error) {
	if !cfg.Enabled() {
		logger.Info("no database configured; trades kept in memory")
		return persistence.NewMemoryTradeStore(), nil, nil
	}
	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("trade store connected", slog.Int("max_conns", int(cfg.MaxConns)))
	return postgres.NewTradeStore(pool), pool, nil
}

func newEventBus(cfg config.EventbusConfig, logger *slog.Logger) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
		Logger:        logger,
	})
}

// openGateway builds the configured broker adapter. The paper gateway is also returned for its control routes.
// The bridge stream lives for ctx; its first connection is bounded by the ready timeout.
func openGateway(ctx context.Context, logger *slog.Logger, cfg config.BrokerConfig, bus eventbus.Bus) (broker.Gateway, *paper.Gateway, func(), error) {
	switch cfg.Adapter {
	case config.AdapterBridge:
		gateway, err := bridge.New(bridge.Options{
			BaseURL:        cfg.BaseURL,
			StreamURL:      cfg.StreamURL,
			APIKey:         cfg.APIKey,
			RequestTimeout: cfg.RequestTimeout,
			Publisher:      bus,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initialise bridge gateway: %w", err)
		}
		if err := gateway.Start(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("start bridge gateway: %w", err)
		}
		logger.Info("bridge gateway connected", slog.String("base_url", cfg.BaseURL))
		return gateway, nil, gateway.Close, nil
	default:
		gateway := paper.New(cfg.Paper, bus, logger)
		logger.Info("paper gateway ready", slog.Int("accounts", len(cfg.Paper.Accounts)))
		return gateway, gateway, gateway.Close, nil
	}
}

func paperControl(gateway *paper.Gateway) httpserver.Paper {
	if gateway == nil {
		return nil
	}
	return gateway
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *slog.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", observability.Err(err))
		}
	})
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	entry      shutdowner
	recorder   shutdowner
	notifier   shutdowner
	dataBus    eventbus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *slog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", slog.String("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", slog.String("step", name), observability.Err(err))
		} else {
			logger.Info("shutdown step completed", slog.String("step", name))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.entry != nil {
		shutdownStep("draining entry steps", entryShutdownTimeout, cfg.entry.Shutdown)
	}
	if cfg.recorder != nil {
		shutdownStep("flushing trade recorder", recorderShutdownTimeout, cfg.recorder.Shutdown)
	}

	if cfg.notifier != nil {
		shutdownStep("flushing notifications", notifierShutdownTimeout, cfg.notifier.Shutdown)
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.dataBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
