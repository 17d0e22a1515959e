// Package cleanup implements the lifecycle & cleanup controller: it watches
// every workload the orchestrator driver knows about under its label
// selector and applies the succeeded/failed/preserve deletion policy from
// spec section 4.7. Cleanup decisions are derived entirely from orchestrator
// state (phase, preserve label); the controller never reads or writes the
// durable evaluation record.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/orchestrator"
	"github.com/crucible-platform/crucible/internal/retry"
)

// Metrics is the narrow surface the controller needs from the metrics
// package.
type Metrics interface {
	IncWorkloadCleaned(reason string)
	IncWatchReconnect()
}

type noopMetrics struct{}

func (noopMetrics) IncWorkloadCleaned(string) {}
func (noopMetrics) IncWatchReconnect()        {}

// Reason labels why a workload was deleted, carried on the
// workload.cleaned event.
const (
	ReasonSucceededTTL = "succeeded_ttl"
	ReasonFailedGrace  = "failed_grace"
	ReasonFailedTTL    = "failed_preserve_ttl"
)

// Controller watches a driver's workload stream and deletes workloads per
// the succeeded/failed/preserve policy table, with no action for running or
// unknown phases.
type Controller struct {
	driver  orchestrator.WorkloadWatcher
	deleter orchestrator.Driver

	bus    eventbus.EventBus
	source string

	normalTTL   time.Duration
	preserveTTL time.Duration
	failGrace   time.Duration

	reconnectPolicy retry.Policy

	metrics Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	deleted map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Controller at construction time.
type Option func(*Controller)

func WithMetrics(m Metrics) Option     { return func(c *Controller) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }
func WithSource(source string) Option  { return func(c *Controller) { c.source = source } }
func WithReconnectPolicy(p retry.Policy) Option {
	return func(c *Controller) { c.reconnectPolicy = p }
}

// New builds a Controller over driver (which must also satisfy
// orchestrator.WorkloadWatcher — enforced by the caller passing the same
// concrete value for both params), publishing workload.cleaned events onto
// bus.
func New(driver interface {
	orchestrator.Driver
	orchestrator.WorkloadWatcher
}, bus eventbus.EventBus, normalTTL, preserveTTL, failGrace time.Duration, opts ...Option) *Controller {
	c := &Controller{
		driver:          driver,
		deleter:         driver,
		bus:             bus,
		source:          "cleanup-controller",
		normalTTL:       normalTTL,
		preserveTTL:     preserveTTL,
		failGrace:       failGrace,
		reconnectPolicy: retry.Conservative,
		metrics:         noopMetrics{},
		logger:          slog.Default(),
		timers:          make(map[string]*time.Timer),
		deleted:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the watch-and-reconnect loop in the background. Call Stop
// to halt it.
func (c *Controller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Stop cancels the watch loop, cancels any pending TTL timers, and blocks
// until the loop exits or ctx expires.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()
	return nil
}

// run watches workloads until ctx is cancelled, reconnecting with backoff
// whenever the stream disconnects.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ch, err := c.driver.WatchWorkloads(ctx)
		if err != nil {
			c.logger.Error("watching workloads failed", "error", err)
			if !c.wait(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		if !c.drain(ctx, ch) {
			return
		}

		// The channel closed: the watch disconnected. Reconnect with backoff.
		c.metrics.IncWatchReconnect()
		if !c.wait(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (c *Controller) wait(ctx context.Context, attempt int) bool {
	delay := retry.NextDelay(attempt, c.reconnectPolicy)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// drain consumes ch until it closes or ctx is cancelled, applying the
// deletion policy to every event observed. Returns false if ctx was
// cancelled (caller should stop entirely), true if the channel merely
// closed (caller should reconnect).
func (c *Controller) drain(ctx context.Context, ch <-chan orchestrator.WorkloadEvent) bool {
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return true
			}
			c.apply(ctx, event)
		case <-ctx.Done():
			return false
		}
	}
}

// apply implements the spec 4.7 policy table for one observed workload
// phase.
func (c *Controller) apply(ctx context.Context, event orchestrator.WorkloadEvent) {
	switch event.Phase {
	case orchestrator.PhaseSucceeded:
		c.scheduleDelete(ctx, event, c.normalTTL, ReasonSucceededTTL)
	case orchestrator.PhaseFailed:
		if event.Preserve {
			c.scheduleDelete(ctx, event, c.preserveTTL, ReasonFailedTTL)
		} else {
			c.scheduleDelete(ctx, event, c.failGrace, ReasonFailedGrace)
		}
	default:
		// running or unknown: no action.
	}
}

// scheduleDelete arms a one-shot timer for handle.Name if one is not already
// pending, so repeated observations of the same terminal phase (the watch
// stream is not guaranteed to deliver each phase exactly once) do not arm
// multiple competing deletes.
func (c *Controller) scheduleDelete(ctx context.Context, event orchestrator.WorkloadEvent, after time.Duration, reason string) {
	name := event.Handle.Name

	c.mu.Lock()
	if _, pending := c.timers[name]; pending || c.deleted[name] {
		c.mu.Unlock()
		return
	}
	timer := time.AfterFunc(after, func() {
		c.performDelete(context.WithoutCancel(ctx), event, reason)
	})
	c.timers[name] = timer
	c.mu.Unlock()
}

func (c *Controller) performDelete(ctx context.Context, event orchestrator.WorkloadEvent, reason string) {
	name := event.Handle.Name

	c.mu.Lock()
	delete(c.timers, name)
	c.deleted[name] = true
	c.mu.Unlock()

	if err := c.deleter.Delete(ctx, event.Handle, 0); err != nil {
		c.logger.Error("deleting workload failed", "workload", name, "reason", reason, "error", err)
		return
	}

	c.metrics.IncWorkloadCleaned(reason)
	c.publish(ctx, event, reason)
}

func (c *Controller) publish(ctx context.Context, event orchestrator.WorkloadEvent, reason string) {
	payload := map[string]any{
		"evaluation_id": event.Handle.EvaluationID,
		"workload":      event.Handle.Name,
		"reason":        reason,
	}
	ev, err := eventbus.NewEvent(c.source, model.TopicWorkloadCleaned, payload)
	if err != nil {
		c.logger.Error("building workload.cleaned event failed", "error", err)
		return
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Error("publishing workload.cleaned event failed", "error", fmt.Errorf("cleanup: %w", err))
	}
}
