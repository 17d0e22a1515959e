package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memSub is a subscription backed by a bounded channel. Publish never
// blocks: a full channel means the event is dropped for that subscriber.
type memSub struct {
	id       string
	topic    string
	handler  EventHandler
	isAsync  bool
	ch       chan Event
	done     chan struct{}
	finished chan struct{}

	mutex     sync.RWMutex
	cancelled bool
}

func (s *memSub) Topic() string { return s.topic }
func (s *memSub) ID() string    { return s.id }
func (s *memSub) IsAsync() bool { return s.isAsync }

func (s *memSub) isCancelled() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cancelled
}

func (s *memSub) Cancel() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancelled {
		return nil
	}
	close(s.done)
	s.cancelled = true
	return nil
}

// MemoryEventBus is an in-process event bus that favors publisher
// throughput over delivery guarantees: when a subscriber's buffer is full,
// the event is dropped for that subscriber and publishing continues. Use
// DurableMemoryEventBus when zero event loss matters more than bounded
// publish latency.
type MemoryEventBus struct {
	queueSize int
	logger    *slog.Logger

	subscriptions map[string]map[string]*memSub
	topicMutex    sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isStarted bool
}

// NewMemoryEventBus constructs a MemoryEventBus with per-subscriber buffer
// capacity queueSize (0 defaults to 1000).
func NewMemoryEventBus(queueSize int, logger *slog.Logger) *MemoryEventBus {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEventBus{
		queueSize:     queueSize,
		logger:        logger,
		subscriptions: make(map[string]map[string]*memSub),
	}
}

func (b *MemoryEventBus) Start(ctx context.Context) error {
	if b.isStarted {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.isStarted = true
	return nil
}

func (b *MemoryEventBus) Stop(ctx context.Context) error {
	if !b.isStarted {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ErrEventBusShutdownTimeout
	}
	b.isStarted = false
	return nil
}

func (b *MemoryEventBus) Publish(_ context.Context, event Event) error {
	if !b.isStarted {
		return ErrEventBusNotStarted
	}
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}

	b.topicMutex.RLock()
	var subs []*memSub
	for subTopic, subsMap := range b.subscriptions {
		if matchesTopic(event.Type(), subTopic) {
			for _, s := range subsMap {
				subs = append(subs, s)
			}
		}
	}
	b.topicMutex.RUnlock()

	for _, sub := range subs {
		if sub.isCancelled() {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event: subscriber buffer full",
				"topic", event.Type(), "subscription_id", sub.id)
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	return b.subscribe(ctx, topic, handler, false)
}

func (b *MemoryEventBus) SubscribeAsync(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	return b.subscribe(ctx, topic, handler, true)
}

func (b *MemoryEventBus) subscribe(_ context.Context, topic string, handler EventHandler, isAsync bool) (Subscription, error) {
	if !b.isStarted {
		return nil, ErrEventBusNotStarted
	}
	if handler == nil {
		return nil, ErrEventHandlerNil
	}

	sub := &memSub{
		id:       uuid.New().String(),
		topic:    topic,
		handler:  handler,
		isAsync:  isAsync,
		ch:       make(chan Event, b.queueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	b.topicMutex.Lock()
	if _, ok := b.subscriptions[topic]; !ok {
		b.subscriptions[topic] = make(map[string]*memSub)
	}
	b.subscriptions[topic][sub.id] = sub
	b.topicMutex.Unlock()

	started := make(chan struct{})
	b.wg.Add(1)
	go func() {
		close(started)
		b.dispatch(sub)
	}()
	<-started

	return sub, nil
}

func (b *MemoryEventBus) dispatch(sub *memSub) {
	defer b.wg.Done()
	defer close(sub.finished)

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.ch:
			if err := sub.handler(b.ctx, event); err != nil {
				b.logger.Error("event handler failed",
					"error", err, "topic", event.Type(), "subscription_id", sub.id)
			}
		}
	}
}

func (b *MemoryEventBus) Unsubscribe(_ context.Context, subscription Subscription) error {
	if !b.isStarted {
		return ErrEventBusNotStarted
	}
	sub, ok := subscription.(*memSub)
	if !ok {
		return ErrInvalidSubscriptionType
	}
	if err := sub.Cancel(); err != nil {
		return err
	}

	b.topicMutex.Lock()
	if subs, ok := b.subscriptions[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscriptions, sub.topic)
		}
	}
	b.topicMutex.Unlock()

	select {
	case <-sub.finished:
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func (b *MemoryEventBus) Topics() []string {
	b.topicMutex.RLock()
	defer b.topicMutex.RUnlock()
	topics := make([]string, 0, len(b.subscriptions))
	for t := range b.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

func (b *MemoryEventBus) SubscriberCount(topic string) int {
	b.topicMutex.RLock()
	defer b.topicMutex.RUnlock()
	return len(b.subscriptions[topic])
}
