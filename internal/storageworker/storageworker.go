// Package storageworker implements the sole writer to the durable store: it
// subscribes to the evaluation lifecycle topics on the event bus and
// reduces each event into a status-gated store.ApplyUpdate call, enforcing
// the status DAG and event dedup invariants from spec sections 3 and 8. It
// also maintains the ephemeral running-set so the API gateway's running
// listing never needs to scan the durable store directly.
package storageworker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/store"
)

// Metrics is the narrow surface the worker needs from the metrics package.
type Metrics interface {
	IncEventApplied(topic string)
	IncEventDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncEventApplied(string) {}
func (noopMetrics) IncEventDropped(string) {}

// Worker reduces evaluation.* events into the durable store.
type Worker struct {
	store store.Writer
	kv    ephemeralkv.Engine
	bus   eventbus.EventBus

	metrics Metrics
	logger  *slog.Logger

	subs []eventbus.Subscription
}

// Option configures a Worker at construction time.
type Option func(*Worker)

func WithMetrics(m Metrics) Option     { return func(w *Worker) { w.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// New builds a Worker writing to s, maintaining the running-set in kv, and
// subscribing to bus.
func New(s store.Writer, kv ephemeralkv.Engine, bus eventbus.EventBus, opts ...Option) *Worker {
	w := &Worker{
		store:   s,
		kv:      kv,
		bus:     bus,
		metrics: noopMetrics{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes the worker to every evaluation lifecycle topic. Each
// topic is handled asynchronously so a slow durable write never blocks
// delivery of events for other evaluations.
func (w *Worker) Start(ctx context.Context) error {
	topics := []string{
		model.TopicQueued,
		model.TopicProvisioning,
		model.TopicRunning,
		model.TopicCompleted,
		model.TopicFailed,
	}
	for _, topic := range topics {
		sub, err := w.bus.SubscribeAsync(ctx, topic, w.handle)
		if err != nil {
			return fmt.Errorf("storageworker: subscribing to %s: %w", topic, err)
		}
		w.subs = append(w.subs, sub)
	}
	return nil
}

// Stop cancels every subscription.
func (w *Worker) Stop(ctx context.Context) error {
	for _, sub := range w.subs {
		if err := w.bus.Unsubscribe(ctx, sub); err != nil {
			return err
		}
	}
	w.subs = nil
	return nil
}

func (w *Worker) handle(ctx context.Context, event eventbus.Event) error {
	evalID, ok := stringField(event, "evaluation_id")
	if !ok {
		w.logger.Error("event missing evaluation_id", "topic", event.Type())
		w.metrics.IncEventDropped("missing_evaluation_id")
		return nil
	}

	sequence := event.Extensions()["sequence"]
	seq, _ := toInt64(sequence)

	inserted, err := w.store.InsertEventIfNew(ctx, model.Event{
		EvaluationID: evalID,
		Sequence:     seq,
		Timestamp:    event.Time(),
		Kind:         event.Type(),
		Payload:      eventPayload(event),
	})
	if err != nil {
		return fmt.Errorf("storageworker: recording event for %s: %w", evalID, err)
	}
	if !inserted {
		// Duplicate delivery of an event we already recorded: at-least-once
		// queue/bus delivery means this is expected, not an error.
		w.metrics.IncEventDropped("duplicate_event")
		return nil
	}

	if err := w.applyStatus(ctx, event.Type(), evalID, event); err != nil {
		return err
	}

	w.metrics.IncEventApplied(event.Type())
	return nil
}

// applyStatus performs the status-gated store update for topic, and keeps
// the running-set in sync: an evaluation enters the running-set on
// provisioning and leaves it on any terminal status.
func (w *Worker) applyStatus(ctx context.Context, topic, evalID string, event eventbus.Event) error {
	switch topic {
	case model.TopicQueued:
		return w.transition(ctx, evalID, model.StatusSubmitted, store.Update{Status: model.StatusQueued, QueuedAt: timePtr(event.Time())})

	case model.TopicProvisioning:
		if err := w.transition(ctx, evalID, model.StatusQueued, store.Update{Status: model.StatusProvisioning, StartedAt: timePtr(event.Time())}); err != nil {
			return err
		}
		if err := w.kv.RunningSetAdd(ctx, evalID); err != nil {
			w.logger.Error("adding to running set failed", "evaluation_id", evalID, "error", err)
		}
		return nil

	case model.TopicRunning:
		return w.transition(ctx, evalID, model.StatusProvisioning, store.Update{Status: model.StatusRunning})

	case model.TopicCompleted:
		update := store.Update{Status: model.StatusCompleted, FinishedAt: timePtr(event.Time())}
		if code, ok := intField(event, "exit_code"); ok {
			update.ExitCode = &code
		}
		if output, ok := stringField(event, "output"); ok {
			update.Output = &output
		}
		if truncated, ok := boolField(event, "output_truncated"); ok {
			update.OutputTruncated = &truncated
		}
		if size, ok := intField(event, "output_size"); ok {
			update.OutputSize = &size
		}
		if err := w.transition(ctx, evalID, model.StatusRunning, update); err != nil {
			return err
		}
		return w.removeFromRunningSet(ctx, evalID)

	case model.TopicFailed:
		update := store.Update{Status: model.StatusFailed, FinishedAt: timePtr(event.Time())}
		if code, ok := intField(event, "exit_code"); ok {
			update.ExitCode = &code
		}
		if output, ok := stringField(event, "output"); ok {
			update.Output = &output
		}
		if truncated, ok := boolField(event, "output_truncated"); ok {
			update.OutputTruncated = &truncated
		}
		if size, ok := intField(event, "output_size"); ok {
			update.OutputSize = &size
		}
		if errMsg, ok := stringField(event, "error"); ok {
			update.Error = &errMsg
		}
		if kind, ok := stringField(event, "error_kind"); ok {
			k := model.ErrorKind(kind)
			update.LastErrorKind = &k
		}
		// A workload may fail at any non-terminal status (provisioning,
		// running); try each legal predecessor in DAG order rather than
		// require the caller to have already narrowed it down.
		for _, from := range []model.Status{model.StatusRunning, model.StatusProvisioning, model.StatusQueued, model.StatusSubmitted} {
			if !model.CanTransition(from, model.StatusFailed) {
				continue
			}
			applied, err := w.store.ApplyUpdate(ctx, evalID, from, update)
			if err != nil {
				return fmt.Errorf("storageworker: applying failed transition for %s: %w", evalID, err)
			}
			if applied {
				return w.removeFromRunningSet(ctx, evalID)
			}
		}
		w.metrics.IncEventDropped("out_of_order_event")
		return nil

	default:
		return nil
	}
}

func (w *Worker) transition(ctx context.Context, evalID string, expected model.Status, update store.Update) error {
	if !model.CanTransition(expected, update.Status) {
		w.metrics.IncEventDropped("out_of_order_event")
		return nil
	}
	applied, err := w.store.ApplyUpdate(ctx, evalID, expected, update)
	if err != nil {
		return fmt.Errorf("storageworker: applying %s transition for %s: %w", update.Status, evalID, err)
	}
	if !applied {
		// Another writer already moved this row past `expected`: stale or
		// out-of-order delivery, not a failure to surface upstream.
		w.metrics.IncEventDropped("out_of_order_event")
	}
	return nil
}

func (w *Worker) removeFromRunningSet(ctx context.Context, evalID string) error {
	if err := w.kv.RunningSetRemove(ctx, evalID); err != nil {
		w.logger.Error("removing from running set failed", "evaluation_id", evalID, "error", err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func eventPayload(event eventbus.Event) map[string]any {
	var payload map[string]any
	if err := event.DataAs(&payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func stringField(event eventbus.Event, key string) (string, bool) {
	payload := eventPayload(event)
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(event eventbus.Event, key string) (int, bool) {
	payload := eventPayload(event)
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	n, ok := toInt64(v)
	return int(n), ok
}

func boolField(event eventbus.Event, key string) (bool, bool) {
	payload := eventPayload(event)
	v, ok := payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
