package cleanup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/cleanup"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/orchestrator"
	"github.com/crucible-platform/crucible/internal/retry"
)

// fastReconnect keeps reconnect-after-disconnect tests from waiting out the
// real Conservative policy's multi-second base delay.
var fastReconnect = retry.Policy{
	Name: "test-fast", Base: 5 * time.Millisecond, ExponentialBase: 1,
	MaxDelay: 5 * time.Millisecond, MaxRetries: 1000, Jitter: false,
}

func newBus(t *testing.T) *eventbus.MemoryEventBus {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.NewMemoryEventBus(64, nil)
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(ctx) })
	return bus
}

func TestController_SucceededWorkloadDeletedAfterNormalTTL(t *testing.T) {
	bus := newBus(t)
	driver := orchestrator.NewFakeDriver()
	ctx := context.Background()

	events := make(chan eventbus.Event, 4)
	_, err := bus.SubscribeAsync(ctx, model.TopicWorkloadCleaned, func(_ context.Context, e eventbus.Event) error {
		events <- e
		return nil
	})
	require.NoError(t, err)

	driver.SetOutcome("eval-1", orchestrator.FakeOutcome{ExitCode: 0})
	handle, err := driver.Execute(ctx, orchestrator.WorkloadSpec{EvaluationID: "eval-1"})
	require.NoError(t, err)
	watchCh, err := driver.Watch(ctx, handle)
	require.NoError(t, err)
	for range watchCh {
		// drain to terminal so the fake driver's internal phase reaches succeeded
	}

	c := cleanup.New(driver, bus, 20*time.Millisecond, time.Hour, time.Hour)
	runCtx, cancel := context.WithCancel(ctx)
	c.Start(runCtx)
	defer func() {
		cancel()
		_ = c.Stop(context.Background())
	}()

	require.Eventually(t, func() bool {
		return driver.Deleted(handle.Name)
	}, time.Second, 5*time.Millisecond)

	select {
	case e := <-events:
		assert.Equal(t, model.TopicWorkloadCleaned, e.Type())
	case <-time.After(time.Second):
		t.Fatal("expected a workload.cleaned event")
	}
}

func TestController_FailedWithoutPreserveDeletedAfterGraceOnly(t *testing.T) {
	bus := newBus(t)
	driver := orchestrator.NewFakeDriver()
	ctx := context.Background()

	driver.SetOutcome("eval-2", orchestrator.FakeOutcome{ExitCode: 1})
	handle, err := driver.Execute(ctx, orchestrator.WorkloadSpec{EvaluationID: "eval-2", Preserve: false})
	require.NoError(t, err)
	watchCh, err := driver.Watch(ctx, handle)
	require.NoError(t, err)
	for range watchCh {
	}

	c := cleanup.New(driver, bus, time.Hour, time.Hour, 20*time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	c.Start(runCtx)
	defer func() {
		cancel()
		_ = c.Stop(context.Background())
	}()

	require.Eventually(t, func() bool {
		return driver.Deleted(handle.Name)
	}, time.Second, 5*time.Millisecond)
}

func TestController_FailedWithPreserveUsesLongTTLNotGrace(t *testing.T) {
	bus := newBus(t)
	driver := orchestrator.NewFakeDriver()
	ctx := context.Background()

	driver.SetOutcome("eval-3", orchestrator.FakeOutcome{ExitCode: 1})
	handle, err := driver.Execute(ctx, orchestrator.WorkloadSpec{EvaluationID: "eval-3", Preserve: true})
	require.NoError(t, err)
	watchCh, err := driver.Watch(ctx, handle)
	require.NoError(t, err)
	for range watchCh {
	}

	// Grace is irrelevant here since preserve=true routes to preserveTTL; use
	// a short grace and a long preserve TTL to prove grace is not the path
	// taken.
	c := cleanup.New(driver, bus, time.Hour, time.Hour, 5*time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	c.Start(runCtx)
	defer func() {
		cancel()
		_ = c.Stop(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, driver.Deleted(handle.Name), "preserved failed workload must not be deleted on the short grace window")
}

func TestController_NonTerminalWorkloadNeverDeleted(t *testing.T) {
	bus := newBus(t)
	driver := orchestrator.NewFakeDriver()
	ctx := context.Background()

	driver.SetOutcome("eval-4", orchestrator.FakeOutcome{Hang: true})
	handle, err := driver.Execute(ctx, orchestrator.WorkloadSpec{EvaluationID: "eval-4"})
	require.NoError(t, err)
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	_, err = driver.Watch(watchCtx, handle)
	require.NoError(t, err)

	c := cleanup.New(driver, bus, 5*time.Millisecond, 5*time.Millisecond, 5*time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	c.Start(runCtx)
	defer func() {
		cancel()
		_ = c.Stop(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, driver.Deleted(handle.Name), "a non-terminal workload must never be deleted by cleanup")
}

func TestController_ReconnectsAfterWatchDisconnect(t *testing.T) {
	bus := newBus(t)
	driver := orchestrator.NewFakeDriver()
	ctx := context.Background()

	c := cleanup.New(driver, bus, 10*time.Millisecond, time.Hour, time.Hour, cleanup.WithReconnectPolicy(fastReconnect))
	runCtx, cancel := context.WithCancel(ctx)
	c.Start(runCtx)
	defer func() {
		cancel()
		_ = c.Stop(context.Background())
	}()

	// Let the controller establish its first watch, then force a disconnect;
	// it must reconnect and keep observing new workloads.
	time.Sleep(20 * time.Millisecond)
	driver.Disconnect()

	driver.SetOutcome("eval-5", orchestrator.FakeOutcome{ExitCode: 0})
	handle, err := driver.Execute(ctx, orchestrator.WorkloadSpec{EvaluationID: "eval-5"})
	require.NoError(t, err)
	watchCh, err := driver.Watch(ctx, handle)
	require.NoError(t, err)
	for range watchCh {
	}

	require.Eventually(t, func() bool {
		return driver.Deleted(handle.Name)
	}, time.Second, 5*time.Millisecond)
}
