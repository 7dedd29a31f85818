package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier posts events as JSON to a chat webhook. Failures are
// logged and swallowed; an outcome notification must never fail the
// state transition that produced it.
type WebhookNotifier struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier builds a notifier for the given webhook URL.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "webhook_notifier"),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode notification", "event_type", event.Type, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		n.logger.Error("failed to build notification request", "event_type", event.Type, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			"event_type", event.Type,
			"task_id", event.TaskID,
			"error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification rejected by webhook",
			"event_type", event.Type,
			"task_id", event.TaskID,
			"status", resp.StatusCode)
		return
	}

	n.logger.Debug("notification delivered", "event_type", event.Type, "task_id", event.TaskID)
}
