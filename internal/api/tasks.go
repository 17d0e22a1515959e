package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
)

// Tasks exposes the legacy queue's HTTP surface so an out-of-process
// dispatcher (one that cannot share this gateway's in-memory LegacyQueue)
// can still pull and settle envelopes over the network, per spec 4.4.
// POST /tasks re-enqueues an envelope already accepted by /eval; it is not
// a second ingress path.

type taskEnqueueRequest struct {
	Envelope model.Envelope `json:"envelope"`
}

func (s *Server) handleTaskEnqueue(w http.ResponseWriter, r *http.Request) {
	var req taskEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Envelope.EvaluationID == "" {
		writeError(w, http.StatusBadRequest, "envelope.evaluation_id is required")
		return
	}
	if err := s.legacy.Enqueue(r.Context(), req.Envelope); err != nil {
		s.logger.Error("legacy task enqueue failed", "error", err, "eval_id", req.Envelope.EvaluationID)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"evaluation_id": req.Envelope.EvaluationID})
}

type taskReservation struct {
	ReservationID string         `json:"reservation_id"`
	Envelope      model.Envelope `json:"envelope"`
	Attempt       int            `json:"attempt"`
}

func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	visibility := 30 * time.Second
	if raw := r.URL.Query().Get("visibility_seconds"); raw != "" {
		if parsed, err := time.ParseDuration(raw + "s"); err == nil && parsed > 0 {
			visibility = parsed
		}
	}
	reservation, err := s.legacy.Reserve(r.Context(), visibility)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Error("legacy task reserve failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reserve failed")
		return
	}
	writeJSON(w, http.StatusOK, taskReservation{
		ReservationID: reservation.ID,
		Envelope:      reservation.Envelope,
		Attempt:       reservation.Attempt,
	})
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "id")
	if err := s.legacy.Ack(r.Context(), reservationID); err != nil {
		if errors.Is(err, queue.ErrNotReserved) {
			writeError(w, http.StatusConflict, "reservation not found or expired")
			return
		}
		s.logger.Error("legacy task complete failed", "error", err, "reservation_id", reservationID)
		writeError(w, http.StatusInternalServerError, "ack failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type taskFailRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "id")
	var req taskFailRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}
	if err := s.legacy.Nack(r.Context(), reservationID, errors.New(req.Reason)); err != nil {
		if errors.Is(err, queue.ErrNotReserved) {
			writeError(w, http.StatusConflict, "reservation not found or expired")
			return
		}
		s.logger.Error("legacy task fail failed", "error", err, "reservation_id", reservationID)
		writeError(w, http.StatusInternalServerError, "nack failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
