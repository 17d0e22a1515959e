package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/store"
)

type fakeReader struct {
	rows []*model.Evaluation
}

func (f *fakeReader) GetEvaluation(context.Context, string) (*model.Evaluation, error) {
	return nil, store.ErrNotFound
}

func (f *fakeReader) ListEvaluations(_ context.Context, filter store.ListFilter) ([]*model.Evaluation, error) {
	var out []*model.Evaluation
	for _, r := range f.rows {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

var _ store.Reader = (*fakeReader)(nil)

func TestStoreEvaluationLister_FiltersByRouteTagClientSide(t *testing.T) {
	reader := &fakeReader{rows: []*model.Evaluation{
		{ID: "e1", Status: model.StatusQueued, RouteTag: model.RouteLegacy, RuntimeImage: "img"},
		{ID: "e2", Status: model.StatusQueued, RouteTag: model.RoutePrimary, RuntimeImage: "img"},
		{ID: "e3", Status: model.StatusCompleted, RouteTag: model.RouteLegacy, RuntimeImage: "img"},
	}}

	lister := queue.NewStoreEvaluationLister(reader)
	envelopes, err := lister.ListEvaluations(context.Background(), model.StatusQueued, model.RouteLegacy)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "e1", envelopes[0].EvaluationID)
}
