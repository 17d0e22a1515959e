package store

import (
	"context"
	"time"

	"github.com/crucible-platform/crucible/internal/model"
)

// Reader is the read-through surface the API gateway and cleanup
// controller depend on.
type Reader interface {
	GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error)
	ListEvaluations(ctx context.Context, filter ListFilter) ([]*model.Evaluation, error)
}

// Writer is the surface the storage worker depends on. The API gateway
// holds one as well, through ReaderWriter, and uses it only for
// InsertEvaluation.
type Writer interface {
	InsertEvaluation(ctx context.Context, e *model.Evaluation) error
	ApplyUpdate(ctx context.Context, evalID string, expected model.Status, u Update) (applied bool, err error)
	InsertEventIfNew(ctx context.Context, ev model.Event) (inserted bool, err error)
}

// IdempotencyStore is the surface the API gateway depends on for the
// Idempotency-Key contract.
type IdempotencyStore interface {
	IdempotencyLookup(ctx context.Context, key string) (evalID string, createdAt time.Time, found bool, err error)
	IdempotencyRecord(ctx context.Context, key, evalID string, at time.Time) (winningEvalID string, err error)
	PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) error
}

// ReaderWriter is the full surface, satisfied by *Store.
type ReaderWriter interface {
	Reader
	Writer
	IdempotencyStore
}

var _ ReaderWriter = (*Store)(nil)
