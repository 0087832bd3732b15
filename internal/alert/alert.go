// Package alert surfaces operator-visible events: exhausted upload retries
// and buffer overruns. Delivery is best effort; alert failures are logged
// and never propagate into the pipeline.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the pipeline.
const (
	EventUploadFailed  = "upload_failed"
	EventBufferOverrun = "buffer_overrun"
)

// Event is one operator notification.
type Event struct {
	Type       string         `json:"type"`
	IncidentID string         `json:"incident_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier delivers events to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// WebhookNotifier posts events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("alert"),
	}
}

// Notify posts the event. A non-2xx response is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}

	n.logger.Debug("alert delivered",
		zap.String("type", ev.Type), zap.String("incident_id", ev.IncidentID))
	return nil
}

// LogNotifier writes events to the log. Used when no webhook is configured
// so failed uploads are still operator-visible.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alert")}
}

// Notify logs the event at warn level.
func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Warn("operator alert",
		zap.String("type", ev.Type),
		zap.String("incident_id", ev.IncidentID),
		zap.String("message", ev.Message),
		zap.Any("details", ev.Details))
	return nil
}
