// Command cleanup runs the lifecycle & cleanup controller: it watches
// every workload the orchestrator driver knows about and deletes
// terminal workloads per the succeeded/failed/preserve TTL policy.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crucible-platform/crucible/internal/bootstrap"
	"github.com/crucible-platform/crucible/internal/cleanup"
	"github.com/crucible-platform/crucible/internal/config"
	"github.com/crucible-platform/crucible/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := bootstrap.EventBus(cfg.EventBusURL, logger)
	if err != nil {
		logger.Error("building event bus failed", "error", err)
		os.Exit(1)
	}
	if err := bus.Start(ctx); err != nil {
		logger.Error("starting event bus failed", "error", err)
		os.Exit(1)
	}
	defer bus.Stop(context.WithoutCancel(ctx))

	driver, err := bootstrap.Orchestrator(cfg.OrchestratorURL)
	if err != nil {
		logger.Error("building orchestrator driver failed", "error", err)
		os.Exit(1)
	}

	reg := metrics.New()

	controller := cleanup.New(driver, bus,
		time.Duration(cfg.CleanupNormalTTLSeconds)*time.Second,
		time.Duration(cfg.CleanupPreserveTTLSeconds)*time.Second,
		time.Duration(cfg.CleanupFailGraceSeconds)*time.Second,
		cleanup.WithMetrics(reg),
		cleanup.WithLogger(logger),
	)
	controller.Start(ctx)

	logger.Info("cleanup controller started")
	<-ctx.Done()
	logger.Info("cleanup controller shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()
	if err := controller.Stop(shutdownCtx); err != nil {
		logger.Error("cleanup controller shutdown failed", "error", err)
	}
}
