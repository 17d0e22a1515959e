package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/dispatcher"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/executorpool"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/orchestrator"
	"github.com/crucible-platform/crucible/internal/queue"
)

type harness struct {
	bus    *eventbus.MemoryEventBus
	pool   *executorpool.Pool
	queue  *queue.PrimaryQueue
	driver *orchestrator.FakeDriver
	events chan eventbus.Event
}

func newHarness(t *testing.T, executorIDs []string) *harness {
	t.Helper()
	ctx := context.Background()

	bus := eventbus.NewMemoryEventBus(64, nil)
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(ctx) })

	engine := ephemeralkv.NewMemoryEngine(time.Minute)
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() { _ = engine.Stop(ctx) })

	pool := executorpool.New(engine, executorIDs, time.Minute, executorpool.WithReconcileInterval(time.Hour))
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() { _ = pool.Stop(ctx) })

	events := make(chan eventbus.Event, 16)
	_, err := bus.SubscribeAsync(ctx, "evaluation.*", func(_ context.Context, e eventbus.Event) error {
		events <- e
		return nil
	})
	require.NoError(t, err)

	return &harness{
		bus:    bus,
		pool:   pool,
		queue:  queue.NewPrimaryQueue(),
		driver: orchestrator.NewFakeDriver(),
		events: events,
	}
}

func (h *harness) drainUntilTerminal(t *testing.T, timeout time.Duration) []eventbus.Event {
	t.Helper()
	var seen []eventbus.Event
	deadline := time.After(timeout)
	for {
		select {
		case e := <-h.events:
			seen = append(seen, e)
			if e.Type() == model.TopicCompleted || e.Type() == model.TopicFailed {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a terminal event, saw: %v", topicsOf(seen))
			return nil
		}
	}
}

func topicsOf(events []eventbus.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type()
	}
	return out
}

func TestDispatcher_SuccessPathEmitsProvisioningRunningCompletedAndReleasesLease(t *testing.T) {
	h := newHarness(t, []string{"exec-1"})
	h.driver.SetOutcome("eval-1", orchestrator.FakeOutcome{ExitCode: 0, Output: []byte("ok")})

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, model.Envelope{
		EvaluationID: "eval-1", RuntimeImage: "img", TimeoutSeconds: 5, Priority: model.PriorityNormal,
	}))

	d := dispatcher.New(h.queue, h.pool, h.driver, h.bus, dispatcher.WithIdleBackoff(5*time.Millisecond))
	runCtx, cancel := context.WithCancel(ctx)
	d.Start(runCtx, 1)
	defer func() {
		cancel()
		_ = d.Stop(context.Background())
	}()

	events := h.drainUntilTerminal(t, time.Second)
	topics := topicsOf(events)
	assert.Contains(t, topics, model.TopicProvisioning)
	assert.Contains(t, topics, model.TopicRunning)
	assert.Equal(t, model.TopicCompleted, topics[len(topics)-1])

	// The executor must be back in the pool after a successful dispatch.
	id, err := h.pool.Acquire(ctx, "eval-2")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
}

func TestDispatcher_FailurePathEmitsFailedAndStillReleasesLease(t *testing.T) {
	h := newHarness(t, []string{"exec-1"})
	h.driver.SetOutcome("eval-1", orchestrator.FakeOutcome{ExitCode: 1, Output: []byte("traceback")})

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, model.Envelope{
		EvaluationID: "eval-1", RuntimeImage: "img", TimeoutSeconds: 5, Priority: model.PriorityNormal,
	}))

	d := dispatcher.New(h.queue, h.pool, h.driver, h.bus, dispatcher.WithIdleBackoff(5*time.Millisecond))
	runCtx, cancel := context.WithCancel(ctx)
	d.Start(runCtx, 1)
	defer func() {
		cancel()
		_ = d.Stop(context.Background())
	}()

	events := h.drainUntilTerminal(t, time.Second)
	topics := topicsOf(events)
	assert.Equal(t, model.TopicFailed, topics[len(topics)-1])

	id, err := h.pool.Acquire(ctx, "eval-2")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
}

func TestDispatcher_ProvisioningDeadlineExceededMarksFailedAndDeletesWorkload(t *testing.T) {
	h := newHarness(t, []string{"exec-1"})
	h.driver.SetOutcome("eval-1", orchestrator.FakeOutcome{Hang: true})

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, model.Envelope{
		EvaluationID: "eval-1", RuntimeImage: "img", TimeoutSeconds: 5, Priority: model.PriorityNormal,
	}))

	d := dispatcher.New(h.queue, h.pool, h.driver, h.bus,
		dispatcher.WithIdleBackoff(5*time.Millisecond),
		dispatcher.WithProvisioningDeadline(20*time.Millisecond))
	runCtx, cancel := context.WithCancel(ctx)
	d.Start(runCtx, 1)
	defer func() {
		cancel()
		_ = d.Stop(context.Background())
	}()

	// A hung workload never reaches PhaseRunning in the fake driver's watch
	// stream before the provisioning deadline; the dispatcher must still
	// mark it failed, delete the workload and release the lease rather than
	// hold the executor forever. We only assert the lease comes back free.
	require.Eventually(t, func() bool {
		id, err := h.pool.Acquire(ctx, "eval-2")
		if err != nil {
			return false
		}
		_ = h.pool.Release(ctx, id, "eval-2")
		return id == "exec-1"
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_PoolExhaustionNacksForRetryWithoutAcking(t *testing.T) {
	h := newHarness(t, nil) // no executors configured: pool is always exhausted

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, model.Envelope{
		EvaluationID: "eval-1", RuntimeImage: "img", TimeoutSeconds: 5, Priority: model.PriorityNormal,
	}))

	d := dispatcher.New(h.queue, h.pool, h.driver, h.bus, dispatcher.WithIdleBackoff(5*time.Millisecond))
	runCtx, cancel := context.WithCancel(ctx)
	d.Start(runCtx, 1)

	// Give the dispatcher a few cycles to reserve, fail to acquire, and
	// nack back into the queue under the aggressive (short-base) policy.
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, d.Stop(context.Background()))

	select {
	case e := <-h.events:
		t.Fatalf("no lifecycle event should have been published for a pool-exhausted envelope, got %s", e.Type())
	default:
	}
}
