package ephemeralkv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
)

func newStartedEngine(t *testing.T) *ephemeralkv.MemoryEngine {
	t.Helper()
	engine := ephemeralkv.NewMemoryEngine(20 * time.Millisecond)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return engine
}

func TestAcquireLease_ExhaustedPoolReturnsFalse(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()

	_, ok, err := engine.AcquireLease(ctx, "eval-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireRelease_RoundTrip(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.SeedPool(ctx, []string{"exec-1"}))

	id, ok, err := engine.AcquireLease(ctx, "eval-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", id)

	free, err := engine.PoolFree(ctx)
	require.NoError(t, err)
	assert.Empty(t, free)

	matched, err := engine.ReleaseLease(ctx, id, "eval-1")
	require.NoError(t, err)
	assert.True(t, matched)

	free, err = engine.PoolFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, free)
}

func TestReleaseLease_DoubleReleaseIsNoopAndNeverDuplicates(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.SeedPool(ctx, []string{"exec-1"}))

	id, ok, err := engine.AcquireLease(ctx, "eval-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	matched, err := engine.ReleaseLease(ctx, id, "eval-1")
	require.NoError(t, err)
	assert.True(t, matched)

	// Second release of the same lease: no-op, not an error.
	matched, err = engine.ReleaseLease(ctx, id, "eval-1")
	require.NoError(t, err)
	assert.False(t, matched)

	free, err := engine.PoolFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, free, "double release must not duplicate pool.free entries")
}

func TestReleaseLease_WrongEvaluationIsNoop(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.SeedPool(ctx, []string{"exec-1"}))

	id, ok, err := engine.AcquireLease(ctx, "eval-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	matched, err := engine.ReleaseLease(ctx, id, "eval-wrong")
	require.NoError(t, err)
	assert.False(t, matched)

	busy, err := engine.PoolBusy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eval-1", busy[id])
}

func TestSweep_ReclaimsExpiredLease(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.SeedPool(ctx, []string{"exec-1"}))

	_, ok, err := engine.AcquireLease(ctx, "eval-1", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		free, err := engine.PoolFree(ctx)
		return err == nil && len(free) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunningSet(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RunningSetAdd(ctx, "eval-1"))
	require.NoError(t, engine.RunningSetAdd(ctx, "eval-2"))

	members, err := engine.RunningSetMembers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"eval-1", "eval-2"}, members)

	require.NoError(t, engine.RunningSetRemove(ctx, "eval-1"))
	members, err = engine.RunningSetMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"eval-2"}, members)
}
