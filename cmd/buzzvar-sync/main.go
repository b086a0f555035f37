// Package main implements the buzzvar-sync entry point: it wires the
// tiered cache, asset cache, connectivity gate, and real-time subscription
// manager over one NATS connection and serves Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/IdrisKulubi/m-buzzvar-sub000/assetcache"
	"github.com/IdrisKulubi/m-buzzvar-sub000/cache"
	"github.com/IdrisKulubi/m-buzzvar-sub000/config"
	"github.com/IdrisKulubi/m-buzzvar-sub000/connectivity"
	"github.com/IdrisKulubi/m-buzzvar-sub000/health"
	"github.com/IdrisKulubi/m-buzzvar-sub000/metric"
	"github.com/IdrisKulubi/m-buzzvar-sub000/natskv"
	"github.com/IdrisKulubi/m-buzzvar-sub000/perf"
	"github.com/IdrisKulubi/m-buzzvar-sub000/realtime"
	"github.com/IdrisKulubi/m-buzzvar-sub000/realtime/natssource"
	"github.com/IdrisKulubi/m-buzzvar-sub000/service"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "buzzvar-sync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := connectNATS(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	registry := metric.NewMetricsRegistry()
	recorder := perf.NewRecorder(perf.WithMetrics(registry))
	monitor := health.NewMonitor()

	kvStore, err := natskv.New(ctx, js, cfg.NATS.KV, logger)
	if err != nil {
		return fmt.Errorf("provision KV bucket: %w", err)
	}

	store := cache.New(kvStore,
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithMetrics(registry.Metrics, "tiered"),
		cache.WithRecorder(recorder),
		cache.WithLogger(logger))

	assets := assetcache.New(cfg.Assets.Dir, kvStore,
		assetcache.WithMaxSize(cfg.Assets.MaxSizeBytes),
		assetcache.WithMaxAge(cfg.Assets.MaxAge),
		assetcache.WithDownloader(assetcache.NewHTTPDownloader(cfg.Assets.DownloadTimeout)),
		assetcache.WithRecorder(recorder),
		assetcache.WithLogger(logger))
	if err := assets.Initialize(ctx); err != nil {
		logger.Warn("asset cache initialization degraded", "error", err)
	}

	gate := connectivity.NewGate(connectivity.NewNATSProbe(conn),
		connectivity.WithCacheWindow(cfg.Connectivity.CacheWindow),
		connectivity.WithMetrics(registry.Metrics),
		connectivity.WithLogger(logger))

	source := natssource.New(conn, natssource.WithLogger(logger))

	manager := realtime.NewManager(source,
		realtime.WithInvalidator(store),
		realtime.WithMonitor(monitor),
		realtime.WithMetrics(registry.Metrics),
		realtime.WithHeartbeatInterval(cfg.Realtime.HeartbeatInterval),
		realtime.WithLogger(logger),
		realtime.OnConnectionChange(func(status realtime.ConnectionStatus) {
			logger.Info("realtime connection status changed", "status", status)
		}))
	defer manager.Close()

	svc := service.NewVenueService(store, source,
		service.WithManager(manager),
		service.WithGate(gate),
		service.WithAssets(assets),
		service.WithRecorder(recorder),
		service.WithLogger(logger))

	// Keep the cross-venue live feed warm for the whole process lifetime.
	if err := svc.SubscribeVibeChecks(ctx, "live-feed", "", func(checks []service.VibeCheck) {
		logger.Debug("live feed updated", "count", len(checks))
	}, func(err error) {
		logger.Warn("live feed subscription error", "error", err)
	}); err != nil {
		logger.Warn("live feed subscription failed", "error", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, "/metrics", registry,
			metric.WithHealthMonitor(monitor))
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server listening", "address", metricsServer.Address())
	}

	logger.Info("started", "nats", conn.ConnectedUrl(), "kv_bucket", cfg.NATS.KV.Bucket)
	<-ctx.Done()
	logger.Info("shutting down")

	manager.UnsubscribeAll()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if err := conn.Drain(); err != nil {
		logger.Warn("NATS drain failed", "error", err)
	}
	return nil
}

func connectNATS(cfg *config.Config, logger *slog.Logger) (*nats.Conn, error) {
	name := fmt.Sprintf("%s-%s", cfg.NATS.Name, uuid.NewString()[:8])
	return nats.Connect(cfg.NATS.URL,
		nats.Name(name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}))
}
