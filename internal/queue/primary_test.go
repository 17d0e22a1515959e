package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/retry"
)

func TestPrimaryQueue_ReservesHighestPriorityFirst(t *testing.T) {
	q := queue.NewPrimaryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.Envelope{EvaluationID: "batch-1", Priority: model.PriorityBatch}))
	require.NoError(t, q.Enqueue(ctx, model.Envelope{EvaluationID: "urgent-1", Priority: model.PriorityUrgent}))
	require.NoError(t, q.Enqueue(ctx, model.Envelope{EvaluationID: "normal-1", Priority: model.PriorityNormal}))

	res, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "urgent-1", res.Envelope.EvaluationID)

	res, err = q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "normal-1", res.Envelope.EvaluationID)
}

func TestPrimaryQueue_ReserveEmptyReturnsErrEmpty(t *testing.T) {
	q := queue.NewPrimaryQueue()
	_, err := q.Reserve(context.Background(), time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPrimaryQueue_AckRemovesEnvelope(t *testing.T) {
	q := queue.NewPrimaryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.Envelope{EvaluationID: "e1", Priority: model.PriorityNormal}))

	res, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, res.ID))

	_, err = q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	assert.ErrorIs(t, q.Ack(ctx, res.ID), queue.ErrNotReserved)
}

func TestPrimaryQueue_NackExhaustsRetriesIntoDeadLetter(t *testing.T) {
	q := queue.NewPrimaryQueue()
	ctx := context.Background()
	policy := retry.Policy{Name: "test", Base: time.Microsecond, ExponentialBase: 1, MaxDelay: time.Millisecond, MaxRetries: 2, Jitter: false}

	require.NoError(t, q.Enqueue(ctx, model.Envelope{EvaluationID: "e1", Priority: model.PriorityNormal}))

	for i := 0; i < policy.MaxRetries; i++ {
		res, err := q.Reserve(ctx, time.Minute)
		require.NoError(t, err, "attempt %d", i)
		require.NoError(t, q.NackWithPolicy(ctx, res.ID, errors.New("boom"), policy))
		time.Sleep(2 * time.Millisecond) // clear the backoff gate
	}

	_, err := q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty, "exhausted envelope must not be reservable again")

	dlq, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "e1", dlq[0].Envelope.EvaluationID)
	assert.Equal(t, "boom", dlq[0].LastErr)
}

func TestPrimaryQueue_NackBeforeExhaustionReschedules(t *testing.T) {
	q := queue.NewPrimaryQueue()
	ctx := context.Background()
	policy := retry.Policy{Name: "test", Base: time.Millisecond, ExponentialBase: 1, MaxDelay: time.Millisecond, MaxRetries: 5, Jitter: false}

	require.NoError(t, q.Enqueue(ctx, model.Envelope{EvaluationID: "e1", Priority: model.PriorityNormal}))
	res, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.NackWithPolicy(ctx, res.ID, errors.New("transient"), policy))

	_, err = q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, queue.ErrEmpty, "must respect backoff delay before redelivery")

	assert.Eventually(t, func() bool {
		_, err := q.Reserve(ctx, time.Minute)
		return err == nil
	}, time.Second, 2*time.Millisecond)
}

func TestPrimaryQueue_NotReservedReturnsError(t *testing.T) {
	q := queue.NewPrimaryQueue()
	assert.ErrorIs(t, q.Nack(context.Background(), "bogus", errors.New("x")), queue.ErrNotReserved)
}
