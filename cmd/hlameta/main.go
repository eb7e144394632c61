package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hlameta/hlameta/internal/bootstrap"
	"github.com/hlameta/hlameta/internal/config"
	"github.com/hlameta/hlameta/internal/handler"
	"github.com/hlameta/hlameta/internal/health"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/server"
	"github.com/hlameta/hlameta/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting HLA metadata lookup service")
	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("tables_backend", cfg.Tables.Backend),
		zap.String("pointers_backend", cfg.Pointers.Backend),
		zap.Strings("warm_up", cfg.Cache.WarmUp))

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	// Initialize stores
	stores, err := bootstrap.OpenStores(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("Failed to close stores", zap.Error(err))
		}
	}()
	logger.Info("Stores initialized")

	// Initialize services
	tableService, err := bootstrap.NewTableService(cfg, stores, m, logger)
	if err != nil {
		logger.Fatal("Failed to create table service", zap.Error(err))
	}
	cache := service.NewLookupCache(tableService, cfg.Cache.LoadTimeout, m, logger)
	lookups := service.NewLookupService(cache, logger)

	targets, err := cfg.Cache.WarmUpTargets()
	if err != nil {
		logger.Fatal("Invalid warm-up targets", zap.Error(err))
	}
	if err := cache.Warm(context.Background(), targets, cfg.Cache.WarmUpWorkers); err != nil {
		// Failed targets are retried on first request
		logger.Warn("Cache warm-up incomplete", zap.Error(err))
	}

	// Initialize handlers
	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(lookups, tableService, errorHandler, logger)
	healthChecker := health.NewHealthChecker(stores.Tables, stores.Pointers, cache, logger)

	srv := server.NewServer(cfg.Server, handlers, errorHandler, healthChecker, m, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("HLA metadata lookup service stopped")
}
