package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-platform/crucible/internal/api"
	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/store"
)

// fakeStore is an in-memory store.ReaderWriter stand-in.
type fakeStore struct {
	mu          sync.Mutex
	evals       map[string]*model.Evaluation
	idempotency map[string]idemRecord
}

type idemRecord struct {
	evalID    string
	createdAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		evals:       make(map[string]*model.Evaluation),
		idempotency: make(map[string]idemRecord),
	}
}

func (s *fakeStore) InsertEvaluation(_ context.Context, e *model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.evals[e.ID] = &cp
	return nil
}

func (s *fakeStore) ApplyUpdate(context.Context, string, model.Status, store.Update) (bool, error) {
	return true, nil
}

func (s *fakeStore) InsertEventIfNew(context.Context, model.Event) (bool, error) { return true, nil }

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

func (s *fakeStore) IdempotencyLookup(_ context.Context, key string) (string, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return rec.evalID, rec.createdAt, true, nil
}

func (s *fakeStore) IdempotencyRecord(_ context.Context, key, evalID string, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idempotency[key]; ok {
		return existing.evalID, nil
	}
	s.idempotency[key] = idemRecord{evalID: evalID, createdAt: at}
	return "", nil
}

func (s *fakeStore) PruneIdempotencyKeys(context.Context, time.Time) error { return nil }

var _ store.ReaderWriter = (*fakeStore)(nil)

func newTestServer(t *testing.T) (*api.Server, *fakeStore, *ephemeralkv.MemoryEngine) {
	t.Helper()
	ctx := context.Background()

	st := newFakeStore()
	bus := eventbus.NewMemoryEventBus(64, nil)
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(ctx) })

	kv := ephemeralkv.NewMemoryEngine(time.Hour)
	require.NoError(t, kv.Start(ctx))
	t.Cleanup(func() { _ = kv.Stop(ctx) })

	router := queue.NewRouter(1.0, false)
	primary := queue.NewPrimaryQueue()
	legacy := queue.NewLegacyQueue()

	validation := api.ValidationConfig{
		AllowedLanguages:      []string{"python"},
		AllowedImages:         []string{"crucible/python-sandbox:latest"},
		MaxCodeBytes:          1024,
		DefaultTimeoutSeconds: 30,
		DefaultMemoryBytes:    256 * 1024 * 1024,
		DefaultCPUShares:      512,
		DefaultPriority:       model.PriorityNormal,
		MaxTimeoutSeconds:     300,
		MaxMemoryBytes:        512 * 1024 * 1024,
		MaxCPUShares:          2048,
	}

	srv := api.New(st, bus, kv, router, primary, legacy, validation, time.Minute)
	return srv, st, kv
}

func postEval(t *testing.T, srv *api.Server, body string, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewBufferString(body))
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestServer_SubmitEvaluation_HappyPath(t *testing.T) {
	srv, st, _ := newTestServer(t)

	w := postEval(t, srv, `{"code":"print('hi')"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.NotEmpty(t, resp["eval_id"])

	eval, err := st.GetEvaluation(context.Background(), resp["eval_id"])
	require.NoError(t, err)
	assert.Equal(t, "python", eval.Language)
	assert.Equal(t, "crucible/python-sandbox:latest", eval.RuntimeImage)
}

func TestServer_SubmitEvaluation_RejectsOversizeCode(t *testing.T) {
	srv, _, _ := newTestServer(t)

	huge := strings.Repeat("a", 2048)
	w := postEval(t, srv, `{"code":"`+huge+`"}`, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestServer_SubmitEvaluation_RejectsDisallowedLanguage(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := postEval(t, srv, `{"code":"1","language":"rust"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SubmitEvaluation_IdempotencyKeyReturnsExistingID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	first := postEval(t, srv, `{"code":"print(1)"}`, "key-1")
	require.Equal(t, http.StatusAccepted, first.Code)
	var firstResp map[string]string
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := postEval(t, srv, `{"code":"print(2)"}`, "key-1")
	require.Equal(t, http.StatusAccepted, second.Code)
	var secondResp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	assert.Equal(t, firstResp["eval_id"], secondResp["eval_id"])
}

func TestServer_GetEvaluation_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/eval/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ListRunning_HydratesFromRunningSet(t *testing.T) {
	srv, st, kv := newTestServer(t)
	ctx := context.Background()

	eval := &model.Evaluation{ID: "e1", Status: model.StatusRunning, SubmittedAt: time.Now()}
	require.NoError(t, st.InsertEvaluation(ctx, eval))
	require.NoError(t, kv.RunningSetAdd(ctx, "e1"))

	req := httptest.NewRequest(http.MethodGet, "/evaluations?status=running", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Evaluations []model.Evaluation `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Evaluations, 1)
	assert.Equal(t, "e1", resp.Evaluations[0].ID)
}

func TestServer_Health_ReportsLiveness(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}
