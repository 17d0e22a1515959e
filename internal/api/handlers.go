package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/store"
)

const idempotencyHeader = "Idempotency-Key"

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSubmit implements POST /eval.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.rateLimiter != nil && !s.rateLimiter.TryAccept() {
		writeError(w, http.StatusTooManyRequests, "ingress rate limit exceeded")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if key := r.Header.Get(idempotencyHeader); key != "" {
		if done := s.handleIdempotentSubmit(r, w, key, req); done {
			return
		}
	}

	s.submit(r, w, req)
}

// handleIdempotentSubmit resolves a supplied Idempotency-Key before
// allocating a new id, per spec section 4.1: a repeat within the
// configured window returns the existing eval_id instead of creating a
// new evaluation. Returns true if it fully handled the response.
func (s *Server) handleIdempotentSubmit(r *http.Request, w http.ResponseWriter, key string, req submitRequest) bool {
	ctx := r.Context()

	evalID, createdAt, found, err := s.store.IdempotencyLookup(ctx, key)
	if err != nil {
		s.logger.Error("idempotency lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return true
	}
	if found && time.Since(createdAt) <= s.idempotencyWindow {
		writeJSON(w, http.StatusAccepted, map[string]string{"eval_id": evalID, "status": "queued"})
		return true
	}

	// Not found, or found but past the window: allocate as normal, then
	// record the key against the new id (first-writer-wins handles the
	// race against a concurrent duplicate request).
	id := s.submitLocked(r, w, req, key)
	return id
}

func (s *Server) submit(r *http.Request, w http.ResponseWriter, req submitRequest) {
	s.submitLocked(r, w, req, "")
}

// submitLocked performs validation, id allocation, the durable write, the
// evaluation.queued publish, and the route handoff. If idempotencyKey is
// non-empty, it is recorded against the allocated id (or the id loses a
// race to a concurrent duplicate, in which case the winning id is
// returned instead).
func (s *Server) submitLocked(r *http.Request, w http.ResponseWriter, req submitRequest, idempotencyKey string) bool {
	ctx := r.Context()

	language, image, timeoutSeconds, memoryBytes, cpuShares, priority, err := normalize(req, s.validation)
	if err != nil {
		var oversize *oversizeError
		if errors.As(err, &oversize) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return true
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return true
	}

	evalID := s.ids.NewEvaluationID()
	now := time.Now()

	route := s.routing.Route()

	eval := &model.Evaluation{
		ID:             evalID,
		Code:           []byte(req.Code),
		Language:       language,
		RuntimeImage:   image,
		TimeoutSeconds: timeoutSeconds,
		MemoryBytes:    memoryBytes,
		CPUShares:      cpuShares,
		Priority:       priority,
		Preserve:       req.Preserve,
		RouteTag:       route,
		Status:         model.StatusSubmitted,
		SubmittedAt:    now,
	}

	if err := s.store.InsertEvaluation(ctx, eval); err != nil {
		s.logger.Error("inserting evaluation failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return true
	}

	if idempotencyKey != "" {
		winningID, err := s.store.IdempotencyRecord(ctx, idempotencyKey, evalID, now)
		if err != nil {
			s.logger.Error("recording idempotency key failed", "error", err)
		} else if winningID != "" && winningID != evalID {
			// Lost the race to a concurrent duplicate: the row we just
			// inserted is orphaned but harmless (it will be cleaned up by
			// its own terminal-status cleanup path once dispatched, or
			// simply never dispatched since nothing enqueues it below).
			writeJSON(w, http.StatusAccepted, map[string]string{"eval_id": winningID, "status": "queued"})
			return true
		}
	}

	s.publishQueued(ctx, eval)

	q := s.queues[route]
	envelope := model.Envelope{
		EvaluationID:   eval.ID,
		RuntimeImage:   eval.RuntimeImage,
		Code:           eval.Code,
		TimeoutSeconds: eval.TimeoutSeconds,
		MemoryBytes:    eval.MemoryBytes,
		CPUShares:      eval.CPUShares,
		Priority:       eval.Priority,
		Preserve:       eval.Preserve,
	}
	if err := q.Enqueue(ctx, envelope); err != nil {
		s.logger.Error("enqueue failed", "evaluation_id", eval.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return true
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"eval_id": eval.ID, "status": "queued"})
	return true
}

// publishQueued emits the evaluation.queued event; publish failures are
// logged, not surfaced to the caller, since the durable write (which
// already succeeded) is the source of truth, not the bus.
func (s *Server) publishQueued(ctx context.Context, eval *model.Evaluation) {
	payload := map[string]any{
		"evaluation_id": eval.ID,
		"route":         string(eval.RouteTag),
		"priority":      string(eval.Priority),
	}
	ev, err := eventbus.NewEvent(s.source, model.TopicQueued, payload)
	if err != nil {
		s.logger.Error("building evaluation.queued event failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("publishing evaluation.queued event failed", "error", err)
	}
}

// handleGet implements GET /eval/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	eval, err := s.store.GetEvaluation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if err != nil {
		s.logger.Error("get evaluation failed", "evaluation_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// handleList implements GET /evaluations?status=&limit=&cursor=. A status
// of "running" is served from the ephemeral running-set rather than the
// durable store directly, per spec section 4.1: the running-set is the
// only place a terminal evaluation is guaranteed absent the instant it
// finishes, closing the window a status-column query would leave open
// between a terminal write and any cleanup pass.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := model.Status(r.URL.Query().Get("status"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if status == model.StatusRunning {
		ids, err := s.kv.RunningSetMembers(ctx)
		if err != nil {
			s.logger.Error("reading running set failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "ephemeral store unavailable")
			return
		}
		evals := make([]*model.Evaluation, 0, len(ids))
		for _, id := range ids {
			eval, err := s.store.GetEvaluation(ctx, id)
			if err != nil {
				continue // raced with completion between the set read and the hydrate
			}
			evals = append(evals, eval)
		}
		sort.Slice(evals, func(i, j int) bool { return evals[i].SubmittedAt.After(evals[j].SubmittedAt) })
		if len(evals) > limit {
			evals = evals[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"evaluations": evals})
		return
	}

	rows, err := s.store.ListEvaluations(ctx, store.ListFilter{Status: status, Limit: pageFetchSize(limit)})
	if err != nil {
		s.logger.Error("listing evaluations failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	cursor := decodeCursor(r.URL.Query().Get("cursor"))
	rows = applyCursor(rows, cursor)
	if len(rows) > limit {
		rows = rows[:limit]
	}

	resp := map[string]any{"evaluations": rows}
	if len(rows) == limit {
		resp["cursor"] = encodeCursor(rows[len(rows)-1].ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// pageFetchSize over-fetches so a cursor position found within the
// returned rows still leaves a full page after it; the store itself has
// no offset/cursor concept of its own (see reconcile.go's similar
// client-side-filter rationale).
func pageFetchSize(limit int) int {
	size := limit * 4
	if size > 500 {
		size = 500
	}
	if size < limit {
		size = limit
	}
	return size
}

func decodeCursor(raw string) string {
	if raw == "" {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ""
	}
	return string(decoded)
}

func encodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// applyCursor drops every row up to and including the one named by
// cursor, from a newest-first result set.
func applyCursor(rows []*model.Evaluation, cursor string) []*model.Evaluation {
	if cursor == "" {
		return rows
	}
	for i, row := range rows {
		if row.ID == cursor {
			return rows[i+1:]
		}
	}
	return rows
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	running, err := s.kv.RunningSetMembers(ctx)
	runningCount := 0
	if err == nil {
		runningCount = len(running)
	}

	free, err := s.kv.PoolFree(ctx)
	freeCount := 0
	if err == nil {
		freeCount = len(free)
	}

	depth := 0
	for _, q := range s.queues {
		if pq, ok := q.(interface{ Depth(model.Priority) int }); ok {
			for _, p := range model.PriorityOrder {
				depth += pq.Depth(p)
			}
		}
		if lq, ok := q.(interface{ Depth() int }); ok {
			depth += lq.Depth()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"queue_depth":     depth,
		"running":         runningCount,
		"pool_free":       freeCount,
	})
}

// handleStatus implements GET /status: a superset of /health intended for
// operator dashboards rather than load-balancer liveness probes.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	busy, err := s.kv.PoolBusy(ctx)
	busyCount := 0
	if err == nil {
		busyCount = len(busy)
	}

	deadLetters := 0
	for _, q := range s.queues {
		if entries, err := q.DeadLetters(ctx); err == nil {
			deadLetters += len(entries)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":          s.version,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"pool_busy":        busyCount,
		"dead_letters":     deadLetters,
		"event_bus_topics": s.bus.Topics(),
	})
}
