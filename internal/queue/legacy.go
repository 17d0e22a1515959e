package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-platform/crucible/internal/model"
)

type legacyEntry struct {
	envelope   model.Envelope
	reservedBy string
	visibleAt  time.Time
}

// LegacyQueue is the simple in-process FIFO queue from spec 4.4: no
// persistence, no priorities, no retry policy of its own (attempts are
// not incremented, and there is no backoff gate or dead-letter queue — a
// failed legacy envelope is simply dropped after Nack, matching "used only
// while migrating").
// On restart it is always empty; ReconcileFromStore rebuilds it from
// evaluations the durable store still shows as queued under this route.
type LegacyQueue struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*legacyEntry
}

// NewLegacyQueue builds an empty LegacyQueue.
func NewLegacyQueue() *LegacyQueue {
	return &LegacyQueue{byID: make(map[string]*legacyEntry)}
}

func (q *LegacyQueue) Enqueue(_ context.Context, envelope model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[envelope.EvaluationID]; exists {
		return nil // reconciliation re-enqueue of an id already present
	}
	q.byID[envelope.EvaluationID] = &legacyEntry{envelope: envelope}
	q.order = append(q.order, envelope.EvaluationID)
	return nil
}

func (q *LegacyQueue) Reserve(_ context.Context, visibility time.Duration) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for i, id := range q.order {
		entry, ok := q.byID[id]
		if !ok {
			continue
		}
		if entry.reservedBy != "" && now.Before(entry.visibleAt) {
			continue
		}

		reservationID := uuid.New().String()
		entry.reservedBy = reservationID
		entry.visibleAt = now.Add(visibility)
		q.order = append(append([]string{}, q.order[:i]...), q.order[i+1:]...)
		return &Reservation{ID: reservationID, Envelope: entry.envelope, Attempt: entry.envelope.Attempt}, nil
	}
	return nil, ErrEmpty
}

func (q *LegacyQueue) Ack(_ context.Context, reservationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, entry := q.findByReservation(reservationID)
	if entry == nil {
		return ErrNotReserved
	}
	delete(q.byID, id)
	return nil
}

// Nack drops the envelope: the legacy queue carries no retry policy of its
// own. Callers that want a retry must re-Enqueue explicitly.
func (q *LegacyQueue) Nack(_ context.Context, reservationID string, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, entry := q.findByReservation(reservationID)
	if entry == nil {
		return ErrNotReserved
	}
	delete(q.byID, id)
	return nil
}

// DeadLetters is always empty: the legacy queue has no DLQ concept.
func (q *LegacyQueue) DeadLetters(context.Context) ([]DeadLetterEntry, error) {
	return nil, nil
}

func (q *LegacyQueue) findByReservation(reservationID string) (string, *legacyEntry) {
	for id, entry := range q.byID {
		if entry.reservedBy == reservationID {
			return id, entry
		}
	}
	return "", nil
}

// Depth reports the number of envelopes currently waiting, for metrics.
func (q *LegacyQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// EvaluationLister is the narrow durable-store surface
// ReconcileFromStore needs: every evaluation currently "queued" under the
// legacy route.
type EvaluationLister interface {
	ListEvaluations(ctx context.Context, status model.Status, routeTag model.Route) ([]model.Envelope, error)
}

// ReconcileFromStore rebuilds the in-memory queue at startup, per spec
// 4.4: the legacy queue has no persistence of its own, so any evaluation
// the durable store still shows as queued under the legacy route must be
// re-enqueued or it is lost forever.
func (q *LegacyQueue) ReconcileFromStore(ctx context.Context, lister EvaluationLister) (int, error) {
	envelopes, err := lister.ListEvaluations(ctx, model.StatusQueued, model.RouteLegacy)
	if err != nil {
		return 0, err
	}
	for _, envelope := range envelopes {
		if err := q.Enqueue(ctx, envelope); err != nil {
			return 0, err
		}
	}
	return len(envelopes), nil
}

var _ Queue = (*LegacyQueue)(nil)
