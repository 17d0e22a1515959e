package storageworker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/store"
	"github.com/crucible-platform/crucible/internal/storageworker"
)

// fakeStore is an in-memory stand-in for store.Writer, replicating
// ApplyUpdate's status-gated semantics and InsertEventIfNew's
// (evaluation_id, sequence) dedup without a real database.
type fakeStore struct {
	mu     sync.Mutex
	status map[string]model.Status
	record map[string]store.Update
	seen   map[string]map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status: make(map[string]model.Status),
		record: make(map[string]store.Update),
		seen:   make(map[string]map[int64]bool),
	}
}

func (s *fakeStore) InsertEvaluation(_ context.Context, e *model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[e.ID] = e.Status
	return nil
}

func (s *fakeStore) ApplyUpdate(_ context.Context, evalID string, expected model.Status, u store.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[evalID] != expected {
		return false, nil
	}
	s.status[evalID] = u.Status
	s.record[evalID] = u
	return true, nil
}

func (s *fakeStore) InsertEventIfNew(_ context.Context, ev model.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[ev.EvaluationID] == nil {
		s.seen[ev.EvaluationID] = make(map[int64]bool)
	}
	if s.seen[ev.EvaluationID][ev.Sequence] {
		return false, nil
	}
	s.seen[ev.EvaluationID][ev.Sequence] = true
	return true, nil
}

func (s *fakeStore) currentStatus(evalID string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[evalID]
}

var _ store.Writer = (*fakeStore)(nil)

func newTestWorker(t *testing.T) (*storageworker.Worker, *fakeStore, *eventbus.MemoryEventBus, *ephemeralkv.MemoryEngine) {
	t.Helper()
	ctx := context.Background()

	bus := eventbus.NewMemoryEventBus(64, nil)
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(ctx) })

	kv := ephemeralkv.NewMemoryEngine(time.Minute)
	require.NoError(t, kv.Start(ctx))
	t.Cleanup(func() { _ = kv.Stop(ctx) })

	st := newFakeStore()
	w := storageworker.New(st, kv, bus)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop(ctx) })

	return w, st, bus, kv
}

func publish(t *testing.T, bus *eventbus.MemoryEventBus, topic, evalID string, seq int64, extra map[string]any) {
	t.Helper()
	payload := map[string]any{"evaluation_id": evalID}
	for k, v := range extra {
		payload[k] = v
	}
	ev, err := eventbus.NewEvent("test", topic, payload)
	require.NoError(t, err)
	ev.SetExtension("sequence", seq)
	require.NoError(t, bus.Publish(context.Background(), ev))
}

func TestWorker_AppliesInOrderLifecycleTransitions(t *testing.T) {
	_, st, bus, kv := newTestWorker(t)
	ctx := context.Background()

	st.InsertEvaluation(ctx, &model.Evaluation{ID: "eval-1", Status: model.StatusSubmitted})

	publish(t, bus, model.TopicQueued, "eval-1", 1, nil)
	require.Eventually(t, func() bool { return st.currentStatus("eval-1") == model.StatusQueued }, time.Second, 5*time.Millisecond)

	publish(t, bus, model.TopicProvisioning, "eval-1", 2, nil)
	require.Eventually(t, func() bool { return st.currentStatus("eval-1") == model.StatusProvisioning }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		members, err := kv.RunningSetMembers(ctx)
		return err == nil && contains(members, "eval-1")
	}, time.Second, 5*time.Millisecond)

	publish(t, bus, model.TopicRunning, "eval-1", 3, nil)
	require.Eventually(t, func() bool { return st.currentStatus("eval-1") == model.StatusRunning }, time.Second, 5*time.Millisecond)

	publish(t, bus, model.TopicCompleted, "eval-1", 4, map[string]any{"exit_code": 0, "output": "hi"})
	require.Eventually(t, func() bool { return st.currentStatus("eval-1") == model.StatusCompleted }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		members, err := kv.RunningSetMembers(ctx)
		return err == nil && !contains(members, "eval-1")
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_DuplicateSequenceIsDroppedWithoutReapplying(t *testing.T) {
	_, st, bus, _ := newTestWorker(t)
	ctx := context.Background()
	st.InsertEvaluation(ctx, &model.Evaluation{ID: "eval-2", Status: model.StatusSubmitted})

	publish(t, bus, model.TopicQueued, "eval-2", 1, nil)
	require.Eventually(t, func() bool { return st.currentStatus("eval-2") == model.StatusQueued }, time.Second, 5*time.Millisecond)

	// Redeliver the same (evaluation_id, sequence): must be a no-op, not an
	// error and not a second transition attempt.
	publish(t, bus, model.TopicQueued, "eval-2", 1, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, model.StatusQueued, st.currentStatus("eval-2"))
}

func TestWorker_OutOfOrderTerminalEventDroppedNotRetried(t *testing.T) {
	_, st, bus, _ := newTestWorker(t)
	ctx := context.Background()
	st.InsertEvaluation(ctx, &model.Evaluation{ID: "eval-3", Status: model.StatusSubmitted})

	// A completed event arrives before queued/provisioning/running ever did.
	// CanTransition(submitted, completed) is false, so this must be dropped,
	// leaving the record at its last known legitimate status.
	publish(t, bus, model.TopicCompleted, "eval-3", 1, map[string]any{"exit_code": 0})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, model.StatusSubmitted, st.currentStatus("eval-3"))
}

func TestWorker_FailedEventAppliesFromWhicheverNonTerminalStatusItFindsLive(t *testing.T) {
	_, st, bus, kv := newTestWorker(t)
	ctx := context.Background()
	st.InsertEvaluation(ctx, &model.Evaluation{ID: "eval-4", Status: model.StatusSubmitted})

	publish(t, bus, model.TopicQueued, "eval-4", 1, nil)
	require.Eventually(t, func() bool { return st.currentStatus("eval-4") == model.StatusQueued }, time.Second, 5*time.Millisecond)

	require.NoError(t, kv.RunningSetAdd(ctx, "eval-4"))
	publish(t, bus, model.TopicFailed, "eval-4", 2, map[string]any{"error": "boom", "error_kind": "executor_crash"})
	require.Eventually(t, func() bool { return st.currentStatus("eval-4") == model.StatusFailed }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		members, err := kv.RunningSetMembers(ctx)
		return err == nil && !contains(members, "eval-4")
	}, time.Second, 5*time.Millisecond)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
