// Command gateway runs the API ingress: the only externally reachable
// surface of the evaluation control plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crucible-platform/crucible/internal/api"
	"github.com/crucible-platform/crucible/internal/bootstrap"
	"github.com/crucible-platform/crucible/internal/config"
	"github.com/crucible-platform/crucible/internal/dispatcher"
	"github.com/crucible-platform/crucible/internal/executorpool"
	"github.com/crucible-platform/crucible/internal/metrics"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", ":8080", "address to listen on")
	workers := flag.Int("workers", 4, "number of concurrent dispatch workers per queue")
	dispatch := flag.Bool("dispatch", true, "run the dispatcher in this process against its own queue instances")
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

	routing := queue.NewRouter(cfg.RouterPrimaryPercentage, cfg.ForceLegacyQueue)
	primary := queue.NewPrimaryQueue()
	legacy := queue.NewLegacyQueue()

	reconciled, err := legacy.ReconcileFromStore(ctx, queue.NewStoreEvaluationLister(rw))
	if err != nil {
		logger.Error("reconciling legacy queue from store failed", "error", err)
		os.Exit(1)
	}
	logger.Info("legacy queue reconciled", "count", reconciled)

	reg := metrics.New()

	// PrimaryQueue and LegacyQueue are in-process structures (spec 4.3,
	// 4.4): nothing outside this OS process can reserve from the
	// instances constructed above. Dispatching them therefore has to
	// happen here, not in a separately deployed cmd/dispatcher process.
	// A dispatcher that genuinely needs its own process talks to the
	// legacy route's HTTP surface instead (queue.LegacyClient).
	if *dispatch {
		driver, err := bootstrap.Orchestrator(cfg.OrchestratorURL)
		if err != nil {
			logger.Error("building orchestrator driver failed", "error", err)
			os.Exit(1)
		}
		pool := executorpool.New(kv, cfg.ExecutorPoolIDs, time.Duration(cfg.ExecutorLeaseTTLSeconds)*time.Second,
			executorpool.WithMetrics(reg),
			executorpool.WithLogger(logger),
		)
		if err := pool.Start(ctx); err != nil {
			logger.Error("starting executor pool failed", "error", err)
			os.Exit(1)
		}
		defer pool.Stop(context.WithoutCancel(ctx))

		deadline := time.Duration(cfg.ProvisioningDeadlineSeconds) * time.Second
		primaryDispatcher := dispatcher.New(primary, pool, driver, bus,
			dispatcher.WithMetrics(reg),
			dispatcher.WithLogger(logger),
			dispatcher.WithProvisioningDeadline(deadline),
		)
		legacyDispatcher := dispatcher.New(legacy, pool, driver, bus,
			dispatcher.WithMetrics(reg),
			dispatcher.WithLogger(logger),
			dispatcher.WithProvisioningDeadline(deadline),
		)
		primaryDispatcher.Start(ctx, *workers)
		legacyDispatcher.Start(ctx, *workers)
		defer primaryDispatcher.Stop(context.WithoutCancel(ctx))
		defer legacyDispatcher.Stop(context.WithoutCancel(ctx))
		logger.Info("embedded dispatchers started", "workers_per_queue", *workers)
	}

	validation := api.ValidationConfig{
		AllowedLanguages:      cfg.AllowedLanguages,
		AllowedImages:         cfg.AllowedImages,
		MaxCodeBytes:          cfg.EvalCodeMaxBytes,
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		DefaultMemoryBytes:    cfg.MaxMemoryBytes / 2,
		DefaultCPUShares:      cfg.MaxCPUShares / 2,
		DefaultPriority:       model.PriorityNormal,
		MaxTimeoutSeconds:     cfg.MaxTimeoutSeconds,
		MaxMemoryBytes:        cfg.MaxMemoryBytes,
		MaxCPUShares:          cfg.MaxCPUShares,
	}
	idempotencyWindow := time.Duration(cfg.EvalIdempotencyWindowSeconds) * time.Second

	srv := api.New(rw, bus, kv, routing, primary, legacy, validation, idempotencyWindow,
		api.WithMetrics(reg),
		api.WithLogger(logger),
	)

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Router()}
	go func() {
		logger.Info("gateway listening", "addr", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("gateway shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}
}
