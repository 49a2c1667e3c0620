// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/oilmq/broker"
	"github.com/absmach/oilmq/broker/webhook"
	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/cache/badger"
	"github.com/absmach/oilmq/cache/file"
	"github.com/absmach/oilmq/cache/memory"
	"github.com/absmach/oilmq/config"
	"github.com/absmach/oilmq/invocation"
	"github.com/absmach/oilmq/persistence"
	"github.com/absmach/oilmq/push"
	"github.com/absmach/oilmq/ratelimit"
	"github.com/absmach/oilmq/server/health"
	"github.com/absmach/oilmq/server/otel"
	"github.com/absmach/oilmq/server/tcp"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting OIL broker", "version", version)
	slog.Info("Configuration loaded",
		"request_addr", cfg.Server.Request.Addr,
		"push_mode", cfg.Server.Push.Mode,
		"push_addr", cfg.Server.Push.Addr,
		"data_dir", cfg.Persistence.DataDir,
		"cache_type", cfg.Cache.Type,
		"log_level", cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		slog.Error("Broker terminated", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func newCacheStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Type {
	case config.CacheBadger:
		return badger.New(badger.Config{Dir: cfg.Dir})
	case config.CacheFile:
		return file.New(cfg.Dir)
	default:
		return memory.New(), nil
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	instanceID := uuid.NewString()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.Otel.Enabled || cfg.Server.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Server.Otel, instanceID)
		if err != nil {
			return err
		}
		otelShutdown = shutdown

		if cfg.Server.Otel.Enabled {
			m, err := otel.NewMetrics()
			if err != nil {
				return err
			}
			metrics = m
		}
		if cfg.Server.Otel.TracesEnabled {
			tracer = oteltrace.Tracer("oilmq")
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.Otel.Endpoint,
			"metrics", cfg.Server.Otel.Enabled,
			"traces", cfg.Server.Otel.TracesEnabled)
	}

	store, err := newCacheStore(cfg.Cache)
	if err != nil {
		return err
	}
	mc, err := cache.NewMessageCache(store, cfg.Cache.MaxResident, logger)
	if err != nil {
		store.Close()
		return err
	}
	defer mc.Close()
	slog.Info("Message cache ready", "type", cfg.Cache.Type, "dir", cfg.Cache.Dir, "max_resident", cfg.Cache.MaxResident)

	compression, err := persistence.ParseCompression(cfg.Persistence.Compression)
	if err != nil {
		return err
	}
	pm, err := persistence.New(cfg.Persistence.DataDir, mc,
		persistence.WithTxPoolSize(cfg.Persistence.TxPoolSize),
		persistence.WithCompression(compression),
		persistence.WithSyncWrites(cfg.Persistence.SyncWrites),
		persistence.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer pm.Close()

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	var notifier broker.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			return err
		}
		defer n.Close()
		notifier = n
	}

	b, err := broker.New(pm, mc, broker.Config{
		MaxReceiveWait:     cfg.Broker.MaxReceiveWait,
		RedeliveryInterval: cfg.Broker.RedeliveryInterval,
		Prefetch:           cfg.Broker.Prefetch,
		Push: push.Config{
			AckTimeout:      cfg.Server.Push.AckTimeout,
			QueueSize:       cfg.Server.Push.QueueSize,
			MaxFrameSize:    cfg.Server.MaxFrameSize,
			BreakerFailures: cfg.Server.Push.BreakerFailures,
			BreakerReset:    cfg.Server.Push.BreakerReset,
			Logger:          logger,
		},
		RateLimiter: limiter,
		Notifier:    notifier,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error("Server error", "server", name, "error", err)
				serverErr <- err
			}
		}()
	}

	var registry *push.Registry
	pushAddr := ""
	if cfg.Server.Push.Mode == config.PushModeAccept {
		registry = push.NewRegistry(cfg.Server.Push.HandshakeWait, logger)
		pushAddr = cfg.PushAdvertisedAddr()
		pushServer := tcp.New(tcp.Config{
			Name:            "push",
			Address:         cfg.Server.Push.Addr,
			Logger:          logger,
			RateLimiter:     limiter,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.Push.MaxConnections,
			DisableNoDelay:  !cfg.Server.Push.NoDelay,
		}, registry)
		serve("push", pushServer.Listen)
	}

	svc := invocation.New(b, invocation.Config{
		IdleTimeout:  cfg.Server.Request.IdleTimeout,
		FrameTimeout: cfg.Server.Request.FrameTimeout,
		MaxFrameSize: cfg.Server.MaxFrameSize,
		Registry:     registry,
		PushAddr:     pushAddr,
		DialTimeout:  cfg.Server.Push.DialTimeout,
		Metrics:      metrics,
		Logger:       logger,
	})
	requestServer := tcp.New(tcp.Config{
		Name:            "request",
		Address:         cfg.Server.Request.Addr,
		Logger:          logger,
		RateLimiter:     limiter,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.Request.MaxConnections,
		DisableNoDelay:  !cfg.Server.Request.NoDelay,
	}, svc)
	serve("request", requestServer.Listen)

	if cfg.Server.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.Health.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		serve("health", healthServer.Listen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
	}

	cancel()
	wg.Wait()

	if err := b.Close(); err != nil {
		slog.Error("Error during broker shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Error during OpenTelemetry shutdown", "error", err)
		}
	}

	slog.Info("Broker stopped")
	return runErr
}
