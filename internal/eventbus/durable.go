package eventbus

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrDurableQueueClosed is returned by Push when the subscription has been cancelled.
var ErrDurableQueueClosed = errors.New("durable queue closed")

// durableQueue is a goroutine-safe, bounded FIFO queue backed by a linked
// list. Push blocks when maxDepth > 0 and the queue is at capacity
// (backpressure) instead of dropping items. TryPop removes items without
// blocking and is paired with a Notify channel so callers can select
// instead of busy-waiting.
type durableQueue struct {
	mu       sync.Mutex
	items    *list.List
	maxDepth int // 0 = unlimited
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newDurableQueue(maxDepth int) *durableQueue {
	return &durableQueue{
		items:    list.New(),
		maxDepth: maxDepth,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func (q *durableQueue) Push(ctx context.Context, done <-chan struct{}, event Event) error {
	for {
		q.mu.Lock()
		if q.maxDepth <= 0 || q.items.Len() < q.maxDepth {
			q.items.PushBack(event)
			select {
			case q.notEmpty <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish cancelled while waiting for queue space: %w", ctx.Err())
		case <-done:
			return ErrDurableQueueClosed
		case <-q.notFull:
		}
	}
}

func (q *durableQueue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return Event{}, false
	}

	wasAtCapacity := q.maxDepth > 0 && q.items.Len() >= q.maxDepth
	event := q.items.Remove(front).(Event) //nolint:forcetypeassert // durableQueue only ever stores Event values
	if wasAtCapacity {
		select {
		case q.notFull <- struct{}{}:
		default:
		}
	}
	return event, true
}

func (q *durableQueue) Notify() <-chan struct{} { return q.notEmpty }

func (q *durableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// durableSub is a subscription backed by a durableQueue.
type durableSub struct {
	id      string
	topic   string
	handler EventHandler
	isAsync bool
	queue   *durableQueue

	done     chan struct{}
	finished chan struct{}

	mutex     sync.RWMutex
	cancelled bool
}

func (s *durableSub) Topic() string { return s.topic }
func (s *durableSub) ID() string    { return s.id }
func (s *durableSub) IsAsync() bool { return s.isAsync }

func (s *durableSub) isCancelled() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cancelled
}

func (s *durableSub) Cancel() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancelled {
		return nil
	}
	close(s.done)
	s.cancelled = true
	return nil
}

// DurableMemoryEventBus is an in-process event bus that guarantees delivery
// by applying backpressure to publishers instead of dropping events. Every
// subscriber gets a dedicated FIFO queue; when it reaches MaxQueueDepth the
// publishing goroutine blocks until the subscriber drains it. This bounds
// memory while ensuring zero event loss under normal operation. The cmd/
// binaries build it when the event bus URL is "durable://"; the default
// "memory://" URL builds MemoryEventBus instead, which drops on a full
// subscriber buffer.
//
// For cross-process delivery, swap in a network-backed EventBus
// implementation behind the same interface; this repo does not ship one
// (see DESIGN.md).
type DurableMemoryEventBus struct {
	maxQueueDepth int
	logger        *slog.Logger

	subscriptions map[string]map[string]*durableSub
	topicMutex    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	isStarted      bool
	deliveredCount uint64
}

// NewDurableMemoryEventBus constructs a DurableMemoryEventBus. maxQueueDepth
// bounds each subscriber's backlog; 0 means unlimited (use with caution).
func NewDurableMemoryEventBus(maxQueueDepth int, logger *slog.Logger) *DurableMemoryEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &DurableMemoryEventBus{
		maxQueueDepth: maxQueueDepth,
		logger:        logger,
		subscriptions: make(map[string]map[string]*durableSub),
	}
}

func (d *DurableMemoryEventBus) Start(ctx context.Context) error {
	if d.isStarted {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.isStarted = true
	return nil
}

func (d *DurableMemoryEventBus) Stop(ctx context.Context) error {
	if !d.isStarted {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ErrEventBusShutdownTimeout
	}
	d.isStarted = false
	return nil
}

func (d *DurableMemoryEventBus) Publish(ctx context.Context, event Event) error {
	if !d.isStarted {
		return ErrEventBusNotStarted
	}
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}

	d.topicMutex.RLock()
	var subs []*durableSub
	for subTopic, subsMap := range d.subscriptions {
		if matchesTopic(event.Type(), subTopic) {
			for _, s := range subsMap {
				subs = append(subs, s)
			}
		}
	}
	d.topicMutex.RUnlock()

	for _, sub := range subs {
		if sub.isCancelled() {
			continue
		}
		if err := sub.queue.Push(ctx, sub.done, event); err != nil {
			if errors.Is(err, ErrDurableQueueClosed) {
				continue
			}
			return err
		}
	}
	return nil
}

func (d *DurableMemoryEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	return d.subscribe(ctx, topic, handler, false)
}

// SubscribeAsync registers handler for topic. In this engine async and sync
// subscriptions share the same delivery path (inline in the per-subscription
// dispatch goroutine) to preserve the zero-loss guarantee without a shared
// worker pool that could become a bottleneck.
func (d *DurableMemoryEventBus) SubscribeAsync(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	return d.subscribe(ctx, topic, handler, true)
}

func (d *DurableMemoryEventBus) subscribe(_ context.Context, topic string, handler EventHandler, isAsync bool) (Subscription, error) {
	if !d.isStarted {
		return nil, ErrEventBusNotStarted
	}
	if handler == nil {
		return nil, ErrEventHandlerNil
	}

	sub := &durableSub{
		id:       uuid.New().String(),
		topic:    topic,
		handler:  handler,
		isAsync:  isAsync,
		queue:    newDurableQueue(d.maxQueueDepth),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	d.topicMutex.Lock()
	if _, ok := d.subscriptions[topic]; !ok {
		d.subscriptions[topic] = make(map[string]*durableSub)
	}
	d.subscriptions[topic][sub.id] = sub
	d.topicMutex.Unlock()

	started := make(chan struct{})
	d.wg.Add(1)
	go func() {
		close(started)
		d.handleEvents(sub)
	}()
	<-started

	return sub, nil
}

func (d *DurableMemoryEventBus) Unsubscribe(_ context.Context, subscription Subscription) error {
	if !d.isStarted {
		return ErrEventBusNotStarted
	}
	sub, ok := subscription.(*durableSub)
	if !ok {
		return ErrInvalidSubscriptionType
	}
	if err := sub.Cancel(); err != nil {
		return err
	}

	d.topicMutex.Lock()
	if subs, ok := d.subscriptions[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(d.subscriptions, sub.topic)
		}
	}
	d.topicMutex.Unlock()

	select {
	case <-sub.finished:
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func (d *DurableMemoryEventBus) Topics() []string {
	d.topicMutex.RLock()
	defer d.topicMutex.RUnlock()
	topics := make([]string, 0, len(d.subscriptions))
	for t := range d.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

func (d *DurableMemoryEventBus) SubscriberCount(topic string) int {
	d.topicMutex.RLock()
	defer d.topicMutex.RUnlock()
	return len(d.subscriptions[topic])
}

// Delivered returns the total number of events delivered by this engine,
// across all subscriptions, since Start.
func (d *DurableMemoryEventBus) Delivered() uint64 {
	return atomic.LoadUint64(&d.deliveredCount)
}

func (d *DurableMemoryEventBus) handleEvents(sub *durableSub) {
	defer d.wg.Done()
	defer close(sub.finished)

	for {
		if sub.isCancelled() {
			return
		}

		if event, ok := sub.queue.TryPop(); ok {
			if sub.isCancelled() {
				return
			}
			if err := sub.handler(d.ctx, event); err != nil {
				d.logger.Error("durable event handler failed",
					"error", err, "topic", event.Type(), "subscription_id", sub.id)
			}
			atomic.AddUint64(&d.deliveredCount, 1)
			continue
		}

		select {
		case <-d.ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.queue.Notify():
		}
	}
}
