// Package queue implements the dual task-queue dispatch layer: a
// percentage-based Router choosing between a durable, priority-aware
// Primary queue and an in-process Legacy queue, both satisfying the same
// Queue contract so the dispatcher never has to know which one it is
// consuming from.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/crucible-platform/crucible/internal/model"
)

var (
	// ErrEmpty is returned by Reserve when no envelope is currently
	// available across any priority.
	ErrEmpty = errors.New("queue: empty")
	// ErrNotReserved is returned by Ack/Nack for a reservation id that is
	// unknown or whose visibility timeout already lapsed and was
	// redelivered.
	ErrNotReserved = errors.New("queue: reservation not found or expired")
)

// Reservation is a handle on one envelope pulled off a queue: consumers
// must Ack or Nack it before (or instead of letting) the visibility
// timeout expires and it is redelivered to another consumer.
type Reservation struct {
	ID       string
	Envelope model.Envelope
	Attempt  int
}

// Queue is the contract both the primary and legacy implementations
// satisfy. Enqueue hands an envelope to the queue; Reserve pulls the next
// one in priority order; Ack marks permanent success; Nack schedules a
// retry (or moves to the dead-letter queue once retries are exhausted) in
// PrimaryQueue, while LegacyQueue drops the envelope on Nack.
type Queue interface {
	Enqueue(ctx context.Context, envelope model.Envelope) error

	// Reserve pulls the next available envelope, across priorities in
	// model.PriorityOrder, invisible to other consumers for visibility.
	Reserve(ctx context.Context, visibility time.Duration) (*Reservation, error)

	Ack(ctx context.Context, reservationID string) error

	// Nack records a failed attempt. In PrimaryQueue, if the envelope's
	// policy has retries remaining, it is rescheduled after the policy's
	// backoff; otherwise it moves to the dead-letter queue with lastErr.
	// LegacyQueue drops the envelope instead.
	Nack(ctx context.Context, reservationID string, lastErr error) error

	// DeadLetters lists envelopes that exhausted their retry budget, for
	// the status API.
	DeadLetters(ctx context.Context) ([]DeadLetterEntry, error)
}

// DeadLetterEntry is one envelope that exhausted its retry budget.
type DeadLetterEntry struct {
	Envelope model.Envelope
	LastErr  string
	FailedAt time.Time
	Attempts int
}
