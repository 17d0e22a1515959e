package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crucible-platform/crucible/internal/model"
)

// LegacyClient satisfies Queue by calling another process's legacy queue
// HTTP surface (POST /tasks, GET /tasks/next, POST /tasks/{id}/complete,
// POST /tasks/{id}/fail) instead of holding the envelopes in memory
// itself. It exists because LegacyQueue, like PrimaryQueue, is an
// in-process structure: a dispatcher that wants to run as its own OS
// process against the legacy route has nothing to share memory with, so
// it reserves and settles envelopes over the network instead.
type LegacyClient struct {
	baseURL string
	client  *http.Client
}

// NewLegacyClient builds a client against the gateway listening at
// baseURL (e.g. "http://gateway:8080").
func NewLegacyClient(baseURL string) *LegacyClient {
	return &LegacyClient{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *LegacyClient) Enqueue(ctx context.Context, envelope model.Envelope) error {
	body, err := json.Marshal(map[string]any{"envelope": envelope})
	if err != nil {
		return fmt.Errorf("queue: marshaling envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: posting task: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("queue: enqueue returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *LegacyClient) Reserve(ctx context.Context, visibility time.Duration) (*Reservation, error) {
	url := c.baseURL + "/tasks/next?visibility_seconds=" + strconv.Itoa(int(visibility.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queue: reserving task: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, ErrEmpty
	case http.StatusOK:
		var wire struct {
			ReservationID string         `json:"reservation_id"`
			Envelope      model.Envelope `json:"envelope"`
			Attempt       int            `json:"attempt"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("queue: decoding reservation: %w", err)
		}
		return &Reservation{ID: wire.ReservationID, Envelope: wire.Envelope, Attempt: wire.Attempt}, nil
	default:
		return nil, fmt.Errorf("queue: reserve returned status %d", resp.StatusCode)
	}
}

func (c *LegacyClient) Ack(ctx context.Context, reservationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/"+reservationID+"/complete", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: completing task: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return ErrNotReserved
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("queue: complete returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *LegacyClient) Nack(ctx context.Context, reservationID string, lastErr error) error {
	reason := ""
	if lastErr != nil {
		reason = lastErr.Error()
	}
	body, _ := json.Marshal(map[string]string{"reason": reason})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/"+reservationID+"/fail", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: failing task: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return ErrNotReserved
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("queue: fail returned status %d", resp.StatusCode)
	}
	return nil
}

// DeadLetters is not exposed over the legacy HTTP surface: the legacy
// queue carries no DLQ concept, matching LegacyQueue.DeadLetters.
func (c *LegacyClient) DeadLetters(context.Context) ([]DeadLetterEntry, error) {
	return nil, nil
}

var _ Queue = (*LegacyClient)(nil)
