// Package notify delivers fire-and-forget webhook notifications for run
// lifecycle events. Delivery failures are logged and never surfaced to
// the generation pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/logging"
)

// Webhook posts run events as JSON to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates the notifier. An empty URL yields a no-op notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type eventPayload struct {
	RunID   string         `json:"run_id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// RunEvent implements the pipeline's notifier collaborator.
func (w *Webhook) RunEvent(ctx context.Context, runID, event string, payload map[string]any) {
	if w.url == "" {
		return
	}
	body, err := json.Marshal(eventPayload{
		RunID:   runID,
		Event:   event,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		logging.L().Error("webhook payload marshal failed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		logging.L().Error("webhook request build failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		logging.L().Warn("webhook delivery failed",
			zap.String("run_id", runID), zap.String("event", event), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.L().Warn("webhook rejected",
			zap.String("run_id", runID), zap.String("event", event), zap.Int("status", resp.StatusCode))
	}
}
