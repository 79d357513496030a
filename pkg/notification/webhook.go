package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gpubridge/pkg/logger"
)

// DefaultRetryDelays are the waits between webhook attempts; one final attempt follows the last delay.
var DefaultRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// WebhookPayload is the JSON body posted to subscribers.
type WebhookPayload struct {
	EventType        string                 `json:"event_type"`
	Payload          map[string]interface{} `json:"payload"`
	Timestamp        time.Time              `json:"timestamp"`
	SourceEntityType string                 `json:"source_entity_type,omitempty"`
	SourceEntityID   *int64                 `json:"source_entity_id,omitempty"`
}

// WebhookNotifier posts events to subscriber URLs.
type WebhookNotifier struct {
	client *http.Client
	delays []time.Duration
}

// NewWebhookNotifier creates a notifier whose requests time out after timeout.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		delays: DefaultRetryDelays,
	}
}

// WithRetryDelays replaces the waits between attempts.
func (w *WebhookNotifier) WithRetryDelays(delays ...time.Duration) *WebhookNotifier {
	w.delays = delays
	return w
}

// Send posts payload to url, retrying after each configured delay. It returns the last error
// once every attempt has failed.
func (w *WebhookNotifier) Send(ctx context.Context, url string, payload *WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	attempts := len(w.delays) + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = w.post(ctx, url, body)
		if lastErr == nil {
			logger.InfoCtx(ctx, "webhook %s delivered to %s (attempt %d)", payload.EventType, url, attempt)
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := w.delays[attempt-1]
		logger.WarnCtx(ctx, "webhook %s to %s failed (attempt %d/%d), retrying in %v: %v",
			payload.EventType, url, attempt, attempts, delay, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("webhook delivery to %s failed after %d attempts: %w", url, attempts, lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status code: %d", resp.StatusCode)
	}
	return nil
}
