package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imagegate/internal/apiserver"
	"imagegate/internal/auth"
	"imagegate/internal/backend"
	"imagegate/internal/balancer"
	"imagegate/internal/config"
	"imagegate/internal/health"
	"imagegate/internal/listener"
	"imagegate/internal/logging"
	"imagegate/internal/metrics"
	"imagegate/internal/queue"
	"imagegate/internal/ratelimit"
	"imagegate/internal/router"
	"imagegate/internal/storage"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imagegate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	fmt.Printf("Loading configuration from: %s\n", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("imagegate starting", map[string]interface{}{
		"version":  version,
		"backends": len(cfg.Backends),
	})

	registry := backend.NewRegistry()
	if err := registry.InitializeFromConfig(cfg.Backends); err != nil {
		logger.Error("failed to initialize backends", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	healthCfg := health.DefaultConfig()
	for _, bc := range cfg.Backends {
		if bc.HealthCheckIntervalSecs > 0 {
			healthCfg.Interval = time.Duration(bc.HealthCheckIntervalSecs) * time.Second
			break
		}
	}
	monitor := health.NewMonitor(registry, healthCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	logger.Info("health monitor started", map[string]interface{}{"interval": healthCfg.Interval.String()})

	strategy := balancer.Strategy(cfg.Router.Strategy)
	lb := balancer.New(registry, monitor, strategy)

	fallbackEnabled := true
	if cfg.Router.FallbackEnabled != nil {
		fallbackEnabled = *cfg.Router.FallbackEnabled
	}
	rt := router.New(registry, monitor, lb, router.Config{
		DefaultBackend:  cfg.Router.DefaultBackend,
		FallbackEnabled: fallbackEnabled,
	})

	metricsCollector := metrics.New()
	promExporter := metrics.NewPrometheusExporter(metricsCollector)

	var batcher *queue.Batcher
	var dispatcher queue.Dispatcher = &queue.RouterDispatcher{
		Router:          rt,
		OnBackendResult: metricsCollector.RecordBackendRequest,
	}
	if cfg.Batch.Enabled {
		batcher = queue.NewBatcher(queue.BatchConfig{
			Enabled:      cfg.Batch.Enabled,
			MaxBatchSize: cfg.Batch.MaxBatchSize,
			MaxWait:      time.Duration(cfg.Batch.MaxWaitMs) * time.Millisecond,
		}, rt, metricsCollector.RecordBatch)
		batcher.OnBackendResult = metricsCollector.RecordBackendRequest
		dispatcher = batcher
	}

	q := queue.New(queue.Config{
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		Timeout:       time.Duration(cfg.Queue.TimeoutMs) * time.Millisecond,
	}, dispatcher)

	authenticator := auth.New(cfg.Auth)
	limiter := ratelimit.New(cfg.RateLimit)
	store := storage.New(cfg.Storage)

	srv := apiserver.New(apiserver.Config{
		Queue:        q,
		Monitor:      monitor,
		Registry:     registry,
		Store:        store,
		Auth:         authenticator,
		Limiter:      limiter,
		Logger:       logger,
		Metrics:      metricsCollector,
		PromExporter: promExporter,
	})

	addr := cfg.Server.Addr
	l := listener.NewHTTPListener(listener.HTTPListenerConfig{
		Addr:              addr,
		Handler:           srv,
		OnConnStateChange: metricsCollector.SetActiveConnections,
	})
	if err := l.Start(ctx); err != nil {
		logger.Error("failed to start HTTP listener", map[string]interface{}{"addr": addr, "error": err.Error()})
		os.Exit(1)
	}
	logger.Info("imagegate started", map[string]interface{}{"addr": addr, "backends": len(cfg.Backends)})
	fmt.Printf("imagegate running on %s. Press Ctrl+C to stop.\n", addr)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metricsCollector.SetQueueDepth(q.PendingCount())
			case <-ctx.Done():
				return
			}
		}
	}()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultShutdownTimeoutSecs * time.Second
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, revalidating configuration", nil)
			if _, err := config.Load(*configPath); err != nil {
				logger.Error("configuration revalidation failed", map[string]interface{}{"error": err.Error()})
				fmt.Fprintf(os.Stderr, "validation failed: %v\n", err)
				continue
			}
			fmt.Println("Configuration valid. Restart required for changes to take effect.")

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down", nil)
			fmt.Println("Shutting down...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)

			if err := l.Stop(shutdownCtx); err != nil {
				logger.Error("error stopping HTTP listener", map[string]interface{}{"error": err.Error()})
			}

			monitor.Stop()

			if batcher != nil {
				batcher.Stop()
			}
			q.Stop()

			shutdownCancel()
			logger.Info("shutdown complete", nil)
			os.Exit(0)
		}
	}
}
