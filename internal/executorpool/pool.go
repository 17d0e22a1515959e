// Package executorpool implements the lease protocol in front of
// internal/ephemeralkv: idempotent acquire/release of sandbox executors,
// with the double-release metric and periodic reconciliation spec 4.5
// requires.
package executorpool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
)

// Metrics is the narrow surface the pool needs from the metrics package,
// kept as an interface so tests can assert on call counts without pulling
// in a Prometheus registry.
type Metrics interface {
	IncDoubleReleaseDetected()
	IncLeaseAcquired()
	IncLeaseReleased()
	IncPoolExhausted()
}

// noopMetrics satisfies Metrics when the caller has no metrics registry to
// wire (e.g. a quick local run).
type noopMetrics struct{}

func (noopMetrics) IncDoubleReleaseDetected() {}
func (noopMetrics) IncLeaseAcquired()         {}
func (noopMetrics) IncLeaseReleased()         {}
func (noopMetrics) IncPoolExhausted()         {}

// Pool owns the executor lease lifecycle: acquiring an executor for an
// evaluation, releasing it (idempotently, from any caller, any number of
// times), and keeping pool.free reconciled against the configured id list
// so ids orphaned by a crashed dispatcher (lease TTL lapsed) rejoin the
// pool without manual intervention.
type Pool struct {
	engine  ephemeralkv.Engine
	ids     []string
	ttl     time.Duration
	metrics Metrics
	logger  *slog.Logger

	reconcileInterval time.Duration
	cancel            context.CancelFunc
	doneCh            chan struct{}

	doubleReleases uint64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithMetrics wires a Metrics sink; omit to use a no-op sink.
func WithMetrics(m Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithLogger wires a structured logger; omit to use slog.Default.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithReconcileInterval overrides the default 30s reconciliation period.
func WithReconcileInterval(d time.Duration) Option {
	return func(p *Pool) { p.reconcileInterval = d }
}

// New builds a Pool over engine, tracking the fixed set of executor ids
// and the per-lease TTL.
func New(engine ephemeralkv.Engine, ids []string, leaseTTL time.Duration, opts ...Option) *Pool {
	p := &Pool{
		engine:            engine,
		ids:               ids,
		ttl:               leaseTTL,
		metrics:           noopMetrics{},
		logger:            slog.Default(),
		reconcileInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start seeds the pool with its configured ids and launches the background
// reconciliation loop. Call Stop to halt the loop; Start does not own the
// engine's own lifecycle.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.engine.SeedPool(ctx, p.ids); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	go p.reconcileLoop(runCtx)
	return nil
}

// Stop halts the reconciliation loop. It does not release any held leases.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Pool) reconcileLoop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.engine.SeedPool(ctx, p.ids); err != nil {
				p.logger.Error("executor pool reconciliation failed", "error", err)
			}
		}
	}
}

// Acquire hands out an executor for evalID, or ephemeralkv.ErrPoolExhausted
// if none are free. The lease expires after the pool's configured TTL
// unless released first.
func (p *Pool) Acquire(ctx context.Context, evalID string) (string, error) {
	executorID, ok, err := p.engine.AcquireLease(ctx, evalID, p.ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		p.metrics.IncPoolExhausted()
		return "", ephemeralkv.ErrPoolExhausted
	}
	p.metrics.IncLeaseAcquired()
	return executorID, nil
}

// Release returns executorID to the pool. Safe to call multiple times,
// from multiple goroutines, for the same lease: every call after the first
// successful one is a counted no-op, never a duplicate pool.free entry.
func (p *Pool) Release(ctx context.Context, executorID, evalID string) error {
	matched, err := p.engine.ReleaseLease(ctx, executorID, evalID)
	if err != nil {
		return err
	}
	if !matched {
		atomic.AddUint64(&p.doubleReleases, 1)
		p.metrics.IncDoubleReleaseDetected()
		p.logger.Warn("double release detected",
			"executor_id", executorID, "evaluation_id", evalID)
		return nil
	}
	p.metrics.IncLeaseReleased()
	return nil
}

// DoubleReleaseCount returns the number of no-op releases observed since
// construction, for tests and diagnostics.
func (p *Pool) DoubleReleaseCount() uint64 {
	return atomic.LoadUint64(&p.doubleReleases)
}
