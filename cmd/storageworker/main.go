// Command storageworker subscribes to the evaluation lifecycle topics on
// the event bus and durably records every transition, bridging the
// at-most-once ephemeral event bus to the durable store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crucible-platform/crucible/internal/bootstrap"
	"github.com/crucible-platform/crucible/internal/config"
	"github.com/crucible-platform/crucible/internal/metrics"
	"github.com/crucible-platform/crucible/internal/store"
	"github.com/crucible-platform/crucible/internal/storageworker"
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

	rw, err := store.OpenAndMigrate(ctx, cfg.DurableStoreURL)
	if err != nil {
		logger.Error("opening durable store failed", "error", err)
		os.Exit(1)
	}
	defer rw.Close()

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

	reg := metrics.New()

	worker := storageworker.New(rw, kv, bus,
		storageworker.WithMetrics(reg),
		storageworker.WithLogger(logger),
	)
	if err := worker.Start(ctx); err != nil {
		logger.Error("starting storage worker failed", "error", err)
		os.Exit(1)
	}

	logger.Info("storage worker started")
	<-ctx.Done()
	logger.Info("storage worker shutting down")
	if err := worker.Stop(context.WithoutCancel(ctx)); err != nil {
		logger.Error("storage worker shutdown failed", "error", err)
	}
}
