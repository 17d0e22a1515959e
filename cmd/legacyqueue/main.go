// Command legacyqueue runs the legacy task queue as its own process,
// exposing only the HTTP surface from spec 4.4 (POST /tasks, GET
// /tasks/next, POST /tasks/{id}/complete|fail). It is an alternative to
// cmd/gateway owning the legacy queue in-process: operators who want the
// legacy route's queue to scale and restart independently of the
// submission API point cmd/dispatcher's -gateway-url flag at this process
// instead. cmd/gateway keeps enqueuing legacy-routed submissions into its
// own in-process queue; it has no setting that targets this process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crucible-platform/crucible/internal/config"
	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
	"github.com/crucible-platform/crucible/internal/store"
)

type server struct {
	legacy *queue.LegacyQueue
	logger *slog.Logger
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	addr := flag.String("addr", ":8090", "address to listen on")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rw, err := store.OpenAndMigrate(ctx, cfg.DurableStoreURL)
	if err != nil {
		logger.Error("opening durable store failed", "error", err)
		os.Exit(1)
	}
	defer rw.Close()

	legacy := queue.NewLegacyQueue()
	reconciled, err := legacy.ReconcileFromStore(ctx, queue.NewStoreEvaluationLister(rw))
	if err != nil {
		logger.Error("reconciling legacy queue from store failed", "error", err)
		os.Exit(1)
	}
	logger.Info("legacy queue reconciled", "count", reconciled)

	s := &server{legacy: legacy, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/tasks", s.handleEnqueue)
	r.Get("/tasks/next", s.handleNext)
	r.Post("/tasks/{id}/complete", s.handleComplete)
	r.Post("/tasks/{id}/fail", s.handleFail)

	httpSrv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		logger.Info("legacy queue service listening", "addr", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("legacy queue server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("legacy queue service shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("legacy queue shutdown failed", "error", err)
	}
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Envelope model.Envelope `json:"envelope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Envelope.EvaluationID == "" {
		http.Error(w, "envelope.evaluation_id is required", http.StatusBadRequest)
		return
	}
	if err := s.legacy.Enqueue(r.Context(), req.Envelope); err != nil {
		s.logger.Error("enqueue failed", "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"evaluation_id": req.Envelope.EvaluationID})
}

func (s *server) handleNext(w http.ResponseWriter, r *http.Request) {
	reservation, err := s.legacy.Reserve(r.Context(), 30*time.Second)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Error("reserve failed", "error", err)
		http.Error(w, "reserve failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"reservation_id": reservation.ID,
		"envelope":       reservation.Envelope,
		"attempt":        reservation.Attempt,
	})
}

func (s *server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.legacy.Ack(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotReserved) {
			http.Error(w, "reservation not found or expired", http.StatusConflict)
			return
		}
		http.Error(w, "ack failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}
	if err := s.legacy.Nack(r.Context(), id, errors.New(req.Reason)); err != nil {
		if errors.Is(err, queue.ErrNotReserved) {
			http.Error(w, "reservation not found or expired", http.StatusConflict)
			return
		}
		http.Error(w, "nack failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
