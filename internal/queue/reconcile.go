package queue

import (
	"context"
	"fmt"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/store"
)

// StoreEvaluationLister adapts a store.Reader into an EvaluationLister,
// translating durable Evaluation rows into the minimal Envelope shape the
// legacy queue re-enqueues at startup. It lists broadly by status, then
// filters to routeTag client-side since store.Reader's ListFilter does not
// carry a route dimension of its own (route is not a column queries are
// commonly narrowed by outside this one reconciliation path).
type StoreEvaluationLister struct {
	reader store.Reader
}

// NewStoreEvaluationLister wraps reader for use as a LegacyQueue
// EvaluationLister.
func NewStoreEvaluationLister(reader store.Reader) *StoreEvaluationLister {
	return &StoreEvaluationLister{reader: reader}
}

func (l *StoreEvaluationLister) ListEvaluations(ctx context.Context, status model.Status, routeTag model.Route) ([]model.Envelope, error) {
	rows, err := l.reader.ListEvaluations(ctx, store.ListFilter{Status: status})
	if err != nil {
		return nil, fmt.Errorf("queue: listing evaluations for reconciliation: %w", err)
	}

	var envelopes []model.Envelope
	for _, e := range rows {
		if e.RouteTag != routeTag {
			continue
		}
		envelopes = append(envelopes, model.Envelope{
			EvaluationID:   e.ID,
			RuntimeImage:   e.RuntimeImage,
			Code:           e.Code,
			TimeoutSeconds: e.TimeoutSeconds,
			MemoryBytes:    e.MemoryBytes,
			CPUShares:      e.CPUShares,
			Priority:       e.Priority,
			Preserve:       e.Preserve,
			Attempt:        e.Attempts,
		})
	}
	return envelopes, nil
}

var _ EvaluationLister = (*StoreEvaluationLister)(nil)
