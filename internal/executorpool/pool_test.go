package executorpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/executorpool"
)

type countingMetrics struct {
	doubleRelease int
	acquired      int
	released      int
	exhausted     int
}

func (m *countingMetrics) IncDoubleReleaseDetected() { m.doubleRelease++ }
func (m *countingMetrics) IncLeaseAcquired()         { m.acquired++ }
func (m *countingMetrics) IncLeaseReleased()         { m.released++ }
func (m *countingMetrics) IncPoolExhausted()         { m.exhausted++ }

func newPool(t *testing.T, metrics *countingMetrics, ids []string) (*executorpool.Pool, context.Context) {
	t.Helper()
	engine := ephemeralkv.NewMemoryEngine(time.Hour)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() { _ = engine.Stop(ctx) })

	pool := executorpool.New(engine, ids, time.Minute,
		executorpool.WithMetrics(metrics),
		executorpool.WithReconcileInterval(time.Hour))
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() { _ = pool.Stop(ctx) })
	return pool, ctx
}

func TestAcquire_ExhaustedIncrementsMetric(t *testing.T) {
	metrics := &countingMetrics{}
	pool, ctx := newPool(t, metrics, nil)

	_, err := pool.Acquire(ctx, "eval-1")
	assert.ErrorIs(t, err, ephemeralkv.ErrPoolExhausted)
	assert.Equal(t, 1, metrics.exhausted)
}

func TestAcquireRelease_HappyPath(t *testing.T) {
	metrics := &countingMetrics{}
	pool, ctx := newPool(t, metrics, []string{"exec-1"})

	id, err := pool.Acquire(ctx, "eval-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
	assert.Equal(t, 1, metrics.acquired)

	require.NoError(t, pool.Release(ctx, id, "eval-1"))
	assert.Equal(t, 1, metrics.released)
	assert.Equal(t, uint64(0), pool.DoubleReleaseCount())
}

func TestRelease_DoubleReleaseCountsMetricAndIsSafe(t *testing.T) {
	metrics := &countingMetrics{}
	pool, ctx := newPool(t, metrics, []string{"exec-1"})

	id, err := pool.Acquire(ctx, "eval-1")
	require.NoError(t, err)

	require.NoError(t, pool.Release(ctx, id, "eval-1"))
	require.NoError(t, pool.Release(ctx, id, "eval-1")) // success + failure callback both fire

	assert.Equal(t, uint64(1), pool.DoubleReleaseCount())
	assert.Equal(t, 1, metrics.doubleRelease)

	// Pool must still have exactly one free executor, not two.
	id2, err := pool.Acquire(ctx, "eval-2")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id2)
	_, err = pool.Acquire(ctx, "eval-3")
	assert.ErrorIs(t, err, ephemeralkv.ErrPoolExhausted)
}
