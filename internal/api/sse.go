package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/model"
)

// streamedTopics is every topic GET /events fans in; the gateway
// subscribes to each by name rather than through a wildcard pattern: the
// storage worker's evaluation.* topics plus storage.updated and
// workload.cleaned.
var streamedTopics = []string{
	model.TopicQueued,
	model.TopicProvisioning,
	model.TopicRunning,
	model.TopicCompleted,
	model.TopicFailed,
	model.TopicStorageUpdated,
	model.TopicWorkloadCleaned,
}

// handleEvents implements GET /events: a server-sent stream of every
// lifecycle event crossing the bus, one JSON object per line, until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan eventbus.Event, 64)
	subs := make([]eventbus.Subscription, 0, len(streamedTopics))
	for _, topic := range streamedTopics {
		sub, err := s.bus.SubscribeAsync(ctx, topic, func(_ context.Context, event eventbus.Event) error {
			select {
			case events <- event:
			default:
				// Slow client: drop rather than block the bus's dispatch
				// goroutine for this subscription.
			}
			return nil
		})
		if err != nil {
			s.logger.Error("subscribing to event stream failed", "topic", topic, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = s.bus.Unsubscribe(context.WithoutCancel(ctx), sub)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event := <-events:
			data, err := json.Marshal(map[string]any{
				"type":   event.Type(),
				"source": event.Source(),
				"id":     event.ID(),
				"time":   event.Time(),
				"data":   json.RawMessage(event.Data()),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
