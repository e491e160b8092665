// Command bridge consumes machine telemetry from an MQTT broker, derives
// production events from it and reports them to the MES.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"telemetry-bridge/bridge/internal/auth"
	"telemetry-bridge/bridge/internal/config"
	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/mes"
	"telemetry-bridge/bridge/internal/metrics"
	"telemetry-bridge/bridge/internal/pipeline"
	"telemetry-bridge/bridge/internal/store"
	bridgehttp "telemetry-bridge/bridge/internal/transport/http"
	"telemetry-bridge/bridge/internal/transport/mqtt"
)

const serviceName = "mes-bridge"

func main() {
	cfg := config.Load()
	logger := setupLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checks := map[string]bridgehttp.HealthFunc{}

	redisStore := openRedis(ctx, cfg, logger)
	if redisStore != nil {
		defer redisStore.Close()
		checks["redis"] = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return redisStore.Ping(pingCtx)
		}
	}
	journalStore := openJournal(ctx, cfg, logger)
	if journalStore != nil {
		defer journalStore.Close()
		checks["journal"] = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return journalStore.Ping(pingCtx)
		}
	}

	sideSize := func(enabled bool, size int) int {
		if enabled {
			return size
		}
		return 0
	}
	dispatcher := pipeline.NewDispatcher(
		cfg.EventQueueSize,
		sideSize(journalStore != nil, cfg.JournalChannelSize),
		sideSize(redisStore != nil, cfg.StateChannelSize),
		sideSize(redisStore != nil, cfg.StateChannelSize),
		m,
	)

	engine := derive.NewEngine(derive.Options{
		RunningStatus: cfg.RunningStatus,
		CountCeiling:  cfg.CountJumpCeiling,
		Rules:         domain.QualityRules(cfg.TemperatureThreshold, cfg.VibrationThreshold),
	})
	inbound := make(chan domain.RawMessage, cfg.InboundChannelSize)
	driver := pipeline.NewDriver(inbound, engine, dispatcher, m, logger)

	client := mes.NewClient(mes.Config{
		BaseURL:        cfg.MESBaseURL,
		Token:          cfg.MESToken,
		OperationID:    cfg.MESOpID,
		StepID:         cfg.MESStepID,
		Timeout:        cfg.MESTimeout(),
		MaxRetries:     cfg.MESMaxRetries,
		RetryBaseDelay: cfg.MESRetryBase(),
	})
	feed := bridgehttp.NewEventFeed(m, logger)
	sender := pipeline.NewMESSender(dispatcher.EventChan, client, m, logger, dispatcher, feed)
	if redisStore != nil && cfg.QualityAlarmCooldownSeconds > 0 {
		sender = sender.WithCooldown(redisStore)
		logger.Info("Quality alarm cooldown enabled", "cooldown", cfg.QualityAlarmCooldown())
	}

	// Side-channel writers outlive the root context so they can flush.
	var writers sync.WaitGroup
	if journalStore != nil {
		jw := pipeline.NewJournalWriter(dispatcher.JournalChan, journalStore, cfg.JournalBatchSize, cfg.JournalFlushIntervalMS, m, logger)
		writers.Add(1)
		go func() {
			defer writers.Done()
			jw.Run(context.Background())
		}()
	}
	if redisStore != nil {
		rw := pipeline.NewRedisWriter(dispatcher.StateChan, dispatcher.OutcomeChan, redisStore, logger)
		writers.Add(1)
		go func() {
			defer writers.Done()
			rw.Run(context.Background())
		}()
	}

	senderCtx, abandon := context.WithCancel(context.Background())
	defer abandon()
	senderDone := make(chan struct{})
	go func() {
		sender.Run(senderCtx)
		close(senderDone)
	}()

	sub := mqtt.NewSubscriber(cfg, inbound, m, logger)
	if err := sub.Start(ctx); err != nil {
		return err
	}
	checks["mqtt"] = sub.Connected

	routes := bridgehttp.Routes{
		Metrics: m.Handler(),
		Feed:    feed,
		Checks:  checks,
	}
	if cfg.HTTPIngestEnabled {
		var lookup auth.KeyLookup
		if redisStore != nil {
			lookup = redisStore
		}
		routes.Ingest = bridgehttp.NewIngestHandler(inbound, m, logger)
		routes.Auth = bridgehttp.NewAuthMiddleware(auth.NewAuthenticator(cfg, lookup), m)
	}
	srv := bridgehttp.NewServer(cfg.HTTPPort, routes)
	srv.BaseContext = func(net.Listener) context.Context { return ctx }
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr, "ingest", cfg.HTTPIngestEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	driverDone := make(chan struct{})
	go func() {
		driver.Run(ctx)
		close(driverDone)
	}()

	logger.Info("Bridge started",
		"broker", cfg.MQTTHost+":"+cfg.MQTTPort,
		"topic", cfg.MQTTTopic,
		"mes", client.URL(""),
		"redis", redisStore != nil,
		"journal", journalStore != nil,
	)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	sub.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	cancel()
	feed.Close()

	<-driverDone
	dispatcher.CloseEvents()

	select {
	case <-senderDone:
	case <-time.After(cfg.ShutdownGrace()):
		logger.Warn("Shutdown grace elapsed, abandoning queued events", "queued", len(dispatcher.EventChan))
		abandon()
		<-senderDone
	}

	dispatcher.CloseSideChannels()
	writers.Wait()

	logger.Info("Bridge stopped", "status", driver.State().CurrentStatus, "last_count", driver.State().LastCount)
	return nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *store.RedisStore {
	if !cfg.RedisEnabled {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := store.NewRedisStore(connectCtx, cfg)
	if err != nil {
		logger.Warn("Redis unavailable, live state and alarm cooldown disabled", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	logger.Info("Connected to Redis", "addr", cfg.RedisAddr)
	return s
}

func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) *store.JournalStore {
	if !cfg.JournalEnabled {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := store.NewJournalStore(connectCtx, cfg)
	if err != nil {
		logger.Warn("Journal database unavailable, dispatch journal disabled", "host", cfg.DBHost, "error", err)
		return nil
	}
	logger.Info("Connected to journal database", "host", cfg.DBHost, "db", cfg.DBName)
	return s
}
