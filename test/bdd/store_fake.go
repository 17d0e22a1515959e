package bdd

import (
	"context"
	"sync"
	"time"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/store"
)

// fakeStore is an in-memory store.ReaderWriter whose ApplyUpdate is
// genuinely status-gated, mirroring Store.ApplyUpdate's compare-and-swap
// semantics closely enough to exercise the storage worker's out-of-order
// handling end to end without a real database.
type fakeStore struct {
	mu     sync.Mutex
	evals  map[string]*model.Evaluation
	events map[string]map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		evals:  make(map[string]*model.Evaluation),
		events: make(map[string]map[int64]bool),
	}
}

func (s *fakeStore) InsertEvaluation(_ context.Context, e *model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.evals[e.ID] = &cp
	return nil
}

func (s *fakeStore) GetEvaluation(_ context.Context, id string) (*model.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) ListEvaluations(_ context.Context, filter store.ListFilter) ([]*model.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Evaluation
	for _, e := range s.evals {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) ApplyUpdate(_ context.Context, evalID string, expected model.Status, u store.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evals[evalID]
	if !ok || e.Status != expected {
		return false, nil
	}
	e.Status = u.Status
	if u.QueuedAt != nil {
		e.QueuedAt = u.QueuedAt
	}
	if u.StartedAt != nil {
		e.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		e.FinishedAt = u.FinishedAt
	}
	if u.ExitCode != nil {
		e.ExitCode = u.ExitCode
	}
	if u.Output != nil {
		e.Output = *u.Output
	}
	if u.OutputTruncated != nil {
		e.OutputTruncated = *u.OutputTruncated
	}
	if u.OutputSize != nil {
		e.OutputSize = *u.OutputSize
	}
	if u.Error != nil {
		e.Error = *u.Error
	}
	if u.LastErrorKind != nil {
		e.LastErrorKind = *u.LastErrorKind
	}
	return true, nil
}

func (s *fakeStore) InsertEventIfNew(_ context.Context, ev model.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.events[ev.EvaluationID]
	if !ok {
		seen = make(map[int64]bool)
		s.events[ev.EvaluationID] = seen
	}
	if seen[ev.Sequence] {
		return false, nil
	}
	seen[ev.Sequence] = true
	return true, nil
}

func (s *fakeStore) IdempotencyLookup(context.Context, string) (string, time.Time, bool, error) {
	return "", time.Time{}, false, nil
}

func (s *fakeStore) IdempotencyRecord(_ context.Context, _, evalID string, _ time.Time) (string, error) {
	return evalID, nil
}

func (s *fakeStore) PruneIdempotencyKeys(context.Context, time.Time) error { return nil }

var _ store.ReaderWriter = (*fakeStore)(nil)
