package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"cliprun/internal/config"
)

const userAgent = "cliprun/0.1.0"

// Event names the kind of alert being delivered.
type Event string

const (
	EventRunCompleted Event = "run.completed"
	EventRunFailed    Event = "run.failed"
	EventTest         Event = "test"
)

// Notice describes a run that reached a terminal state.
type Notice struct {
	RunID  string
	Queue  string
	Status string
	Stage  string
	Error  string
	At     time.Time
}

// Service defines the alerting surface used by the orchestrator.
type Service interface {
	NotifyRunFinished(ctx context.Context, notice Notice) error
	TestNotification(ctx context.Context) error
}

// NewService builds a webhook notifier when a URL is configured.
// When no webhook URL is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	endpoint := strings.TrimSpace(cfg.Notifications.WebhookURL)
	if endpoint == "" {
		return noopService{}
	}

	timeout := cfg.Notifications.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookService{
		endpoint:    endpoint,
		webhookID:   strings.TrimSpace(cfg.Notifications.WebhookID),
		onCompleted: cfg.Notifications.OnCompleted,
		onFailed:    cfg.Notifications.OnFailed,
		client:      &http.Client{Timeout: timeout},
	}
}

type payload struct {
	Event     Event     `json:"event"`
	WebhookID string    `json:"webhook_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type webhookService struct {
	endpoint    string
	webhookID   string
	onCompleted bool
	onFailed    bool
	client      *http.Client
}

func (w *webhookService) NotifyRunFinished(ctx context.Context, notice Notice) error {
	var (
		event   Event
		message string
	)
	switch strings.ToUpper(strings.TrimSpace(notice.Status)) {
	case "COMPLETED":
		if !w.onCompleted {
			return nil
		}
		event = EventRunCompleted
		message = fmt.Sprintf("Run %s completed", notice.RunID)
	case "FAILED":
		if !w.onFailed {
			return nil
		}
		event = EventRunFailed
		message = fmt.Sprintf("Run %s failed", notice.RunID)
		if reason := strings.TrimSpace(notice.Error); reason != "" {
			message += ": " + reason
		}
	default:
		return fmt.Errorf("notify run %s: status %q is not terminal", notice.RunID, notice.Status)
	}

	at := notice.At
	if at.IsZero() {
		at = time.Now()
	}
	return w.send(ctx, payload{
		Event:     event,
		RunID:     notice.RunID,
		Queue:     notice.Queue,
		Status:    strings.ToUpper(notice.Status),
		Stage:     notice.Stage,
		Error:     notice.Error,
		Message:   message,
		Timestamp: at.UTC(),
	})
}

func (w *webhookService) TestNotification(ctx context.Context) error {
	return w.send(ctx, payload{
		Event:     EventTest,
		Message:   "cliprun notification test",
		Timestamp: time.Now().UTC(),
	})
}

func (w *webhookService) send(ctx context.Context, data payload) error {
	if w == nil || w.client == nil {
		return nil
	}
	data.WebhookID = w.webhookID
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if w.webhookID != "" {
		req.Header.Set("X-Webhook-ID", w.webhookID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRunFinished(context.Context, Notice) error { return nil }
func (noopService) TestNotification(context.Context) error          { return nil }
