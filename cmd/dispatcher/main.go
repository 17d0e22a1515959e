// Command dispatcher runs a standalone dispatch loop against the legacy
// queue's HTTP surface. It exists for operators who want to scale legacy
// dispatch independently of the gateway process; it cannot serve the
// primary route, because PrimaryQueue is an in-process structure with no
// network surface of its own — primary-route dispatch only ever runs
// embedded in cmd/gateway (see its -dispatch flag).
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
	"github.com/crucible-platform/crucible/internal/config"
	"github.com/crucible-platform/crucible/internal/dispatcher"
	"github.com/crucible-platform/crucible/internal/executorpool"
	"github.com/crucible-platform/crucible/internal/metrics"
	"github.com/crucible-platform/crucible/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	gatewayURL := flag.String("gateway-url", "http://localhost:8080", "base URL of the gateway hosting the legacy queue's HTTP surface")
	workers := flag.Int("workers", 4, "number of concurrent dispatch workers")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}
	bootstrap.ApplyRetryOverrides(cfg.RetryPolicies)

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

	kv, err := bootstrap.EphemeralKV(ctx, cfg.EphemeralKVURL)
	if err != nil {
		logger.Error("building ephemeral kv failed", "error", err)
		os.Exit(1)
	}
	if err := kv.Start(ctx); err != nil {
		logger.Error("starting ephemeral kv failed", "error", err)
		os.Exit(1)
	}
	defer kv.Stop(context.WithoutCancel(ctx))

	driver, err := bootstrap.Orchestrator(cfg.OrchestratorURL)
	if err != nil {
		logger.Error("building orchestrator driver failed", "error", err)
		os.Exit(1)
	}

	reg := metrics.New()

	pool := executorpool.New(kv, cfg.ExecutorPoolIDs, time.Duration(cfg.ExecutorLeaseTTLSeconds)*time.Second,
		executorpool.WithMetrics(reg),
		executorpool.WithLogger(logger),
	)
	if err := pool.Start(ctx); err != nil {
		logger.Error("starting executor pool failed", "error", err)
		os.Exit(1)
	}
	defer pool.Stop(context.WithoutCancel(ctx))

	q := queue.NewLegacyClient(*gatewayURL)

	d := dispatcher.New(q, pool, driver, bus,
		dispatcher.WithMetrics(reg),
		dispatcher.WithLogger(logger),
		dispatcher.WithProvisioningDeadline(time.Duration(cfg.ProvisioningDeadlineSeconds)*time.Second),
	)
	d.Start(ctx, *workers)

	logger.Info("legacy dispatcher started", "gateway_url", *gatewayURL, "workers", *workers)
	<-ctx.Done()
	logger.Info("legacy dispatcher shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown failed", "error", err)
	}
}
