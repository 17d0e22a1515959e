package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/retry"
)

type primaryEntry struct {
	envelope   model.Envelope
	reservedBy string // reservation id, empty if not currently reserved
	visibleAt  time.Time
	lastErr    string
}

// PrimaryQueue is a priority-aware, in-process queue implementing
// the reserve/ack/nack contract with visibility timeouts and a
// dead-letter queue. Its envelopes, attempt counts and dead letters live in
// process memory only and do not survive a restart. The attempt and retry
// bookkeeping is grounded on the teacher scheduler's
// status-gated job store (GetDueJobs marks a job Running under the same
// lock that selects it, preventing duplicate dispatch); this implementation
// generalizes that pattern from cron jobs to priority envelopes and adds
// the ack/nack/DLQ lifecycle spec 4.3 requires. A future swap to a real
// broker (e.g. the queue contract in other_examples) can satisfy the same
// Queue interface without the dispatcher noticing.
type PrimaryQueue struct {
	mu       sync.Mutex
	byID     map[string]*primaryEntry // envelope id -> entry
	queues   map[model.Priority][]string // priority -> ordered envelope ids awaiting reservation
	deadLetters map[string]DeadLetterEntry

	now func() time.Time
}

// NewPrimaryQueue builds an empty PrimaryQueue.
func NewPrimaryQueue() *PrimaryQueue {
	q := &PrimaryQueue{
		byID:        make(map[string]*primaryEntry),
		queues:      make(map[model.Priority][]string),
		deadLetters: make(map[string]DeadLetterEntry),
		now:         time.Now,
	}
	for _, p := range model.PriorityOrder {
		q.queues[p] = nil
	}
	return q
}

func (q *PrimaryQueue) Enqueue(_ context.Context, envelope model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.byID[envelope.EvaluationID] = &primaryEntry{envelope: envelope}
	q.queues[envelope.Priority] = append(q.queues[envelope.Priority], envelope.EvaluationID)
	return nil
}

// Reserve pulls the oldest available envelope from the highest-priority
// non-empty queue. "Available" means either never reserved, or its prior
// reservation's visibility timeout has lapsed (treated as an implicit
// nack-via-timeout, same attempt count).
func (q *PrimaryQueue) Reserve(_ context.Context, visibility time.Duration) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, priority := range model.PriorityOrder {
		ids := q.queues[priority]
		for i, id := range ids {
			entry, ok := q.byID[id]
			if !ok {
				continue // acked/dead-lettered since being listed
			}
			if now.Before(entry.visibleAt) {
				continue // still reserved by another consumer, or waiting out a retry backoff
			}

			reservationID := uuid.New().String()
			entry.reservedBy = reservationID
			entry.visibleAt = now.Add(visibility)

			// Compact the queue slice lazily: drop the entry we just
			// reserved, leave the rest for the next Reserve call.
			q.queues[priority] = append(append([]string{}, ids[:i]...), ids[i+1:]...)

			return &Reservation{ID: reservationID, Envelope: entry.envelope, Attempt: entry.envelope.Attempt}, nil
		}
	}
	return nil, ErrEmpty
}

func (q *PrimaryQueue) Ack(_ context.Context, reservationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, entry := q.findByReservation(reservationID)
	if entry == nil {
		return ErrNotReserved
	}
	delete(q.byID, id)
	return nil
}

func (q *PrimaryQueue) Nack(_ context.Context, reservationID string, lastErr error) error {
	return q.nackWithPolicy(reservationID, lastErr, retry.Default)
}

// NackWithPolicy is the form the dispatcher actually calls: HTTP-error
// classification (spec 4.3) picks the policy per failure, not per queue.
func (q *PrimaryQueue) NackWithPolicy(_ context.Context, reservationID string, lastErr error, policy retry.Policy) error {
	return q.nackWithPolicy(reservationID, lastErr, policy)
}

func (q *PrimaryQueue) nackWithPolicy(reservationID string, lastErr error, policy retry.Policy) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, entry := q.findByReservation(reservationID)
	if entry == nil {
		return ErrNotReserved
	}

	entry.envelope.Attempt++
	entry.reservedBy = ""
	if lastErr != nil {
		entry.lastErr = lastErr.Error()
	}

	if retry.Exhausted(entry.envelope.Attempt, policy) {
		q.deadLetters[id] = DeadLetterEntry{
			Envelope: entry.envelope,
			LastErr:  entry.lastErr,
			FailedAt: q.now(),
			Attempts: entry.envelope.Attempt,
		}
		delete(q.byID, id)
		return nil
	}

	// Re-enqueue at the tail of its priority queue; the backoff delay is
	// enforced by not making it "available" until visibleAt (reusing the
	// visibility timeout field as the retry delay gate).
	entry.visibleAt = q.now().Add(retry.NextDelay(entry.envelope.Attempt-1, policy))
	q.queues[entry.envelope.Priority] = append(q.queues[entry.envelope.Priority], id)
	return nil
}

func (q *PrimaryQueue) findByReservation(reservationID string) (string, *primaryEntry) {
	for id, entry := range q.byID {
		if entry.reservedBy == reservationID {
			return id, entry
		}
	}
	return "", nil
}

func (q *PrimaryQueue) DeadLetters(_ context.Context) ([]DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetterEntry, 0, len(q.deadLetters))
	for _, entry := range q.deadLetters {
		out = append(out, entry)
	}
	return out, nil
}

// Depth reports the number of envelopes currently waiting (not reserved)
// per priority, for metrics and tests.
func (q *PrimaryQueue) Depth(priority model.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, id := range q.queues[priority] {
		entry, ok := q.byID[id]
		if !ok {
			continue
		}
		if entry.reservedBy == "" || !now.Before(entry.visibleAt) {
			count++
		}
	}
	return count
}

var _ Queue = (*PrimaryQueue)(nil)

func init() {
	// Guard against a priority name drifting out of sync with
	// model.PriorityOrder without a corresponding Queue entry.
	for _, p := range model.PriorityOrder {
		if p == "" {
			panic(fmt.Sprintf("queue: invalid priority in model.PriorityOrder: %q", p))
		}
	}
}
