// Package eventbus implements the control plane's publish/subscribe layer.
// Topics are dotted evaluation lifecycle names (evaluation.queued,
// evaluation.running, evaluation.completed, evaluation.failed,
// storage.updated, workload.cleaned). Every event on the bus is a
// CloudEvents 1.0 envelope; the CloudEvents Type() is the topic.
//
// Two engines ship: Memory (at-most-once, drops on a full subscriber
// buffer) and DurableMemory (zero-loss, backpressures the publisher
// instead of dropping). Durable cross-process delivery is a pluggable
// concern behind the same EventBus interface; this repo does not ship a
// network-backed engine, see DESIGN.md.
package eventbus

import (
	"context"
	"errors"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
)

var (
	ErrEventBusNotStarted      = errors.New("event bus not started")
	ErrEventBusShutdownTimeout = errors.New("event bus shutdown timed out")
	ErrEventHandlerNil         = errors.New("event handler cannot be nil")
	ErrInvalidSubscriptionType = errors.New("invalid subscription type")
)

// Event is a CloudEvents SDK event. Build one with cloudevents.NewEvent(),
// set Type() to the topic, Source() to the publishing component, and Data()
// to the event-kind-specific payload.
type Event = cloudevents.Event

// EventHandler processes one delivered event. Handlers should be idempotent
// where possible: queue delivery upstream of the bus is at-least-once, and
// the durable-memory engine redelivers nothing on its own, but producers may
// retry a publish after an ambiguous failure.
type EventHandler func(ctx context.Context, event Event) error

// Subscription is a live registration of a handler against a topic.
type Subscription interface {
	Topic() string
	ID() string
	IsAsync() bool
	// Cancel stops delivery to this subscription. Idempotent.
	Cancel() error
}

// EventBus abstracts the underlying pub/sub mechanism so the control plane
// can swap engines (memory, durable-memory, and in principle a network
// broker) behind one API.
type EventBus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Publish delivers event to every subscriber whose topic matches
	// event.Type(). Fire-and-forget from the publisher's perspective: the
	// storage worker's durable write, not the bus, is the durability fence.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler: the bus's internal
	// dispatch loop calls it inline for each matching event.
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)

	// SubscribeAsync registers a handler processed by a dedicated
	// per-subscription dispatch goroutine so the caller is never blocked
	// by a slow handler.
	SubscribeAsync(ctx context.Context, topic string, handler EventHandler) (Subscription, error)

	Unsubscribe(ctx context.Context, subscription Subscription) error
	Topics() []string
	SubscriberCount(topic string) int
}
