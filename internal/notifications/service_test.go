package notifications_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cliprun/internal/config"
	"cliprun/internal/notifications"
)

func TestNewServiceReturnsNoopWhenURLMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.WebhookURL = ""
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyRunFinished(context.Background(), notifications.Notice{RunID: "r1", Status: "COMPLETED"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type capture struct {
	webhookID string
	body      map[string]any
	calls     int
}

func newWebhook(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	got := &capture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		got.calls++
		got.webhookID = r.Header.Get("X-Webhook-ID")
		got.body = map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&got.body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(server.Close)
	return server, got
}

func TestWebhookFormatsTerminalRuns(t *testing.T) {
	tests := []struct {
		name          string
		notice        notifications.Notice
		expectEvent   string
		expectMessage string
	}{
		{
			name:          "completed",
			notice:        notifications.Notice{RunID: "r1", Queue: "main-pipeline", Status: "COMPLETED"},
			expectEvent:   "run.completed",
			expectMessage: "Run r1 completed",
		},
		{
			name:          "failed",
			notice:        notifications.Notice{RunID: "r2", Status: "FAILED", Stage: "segmenter", Error: "ApprovalTimeoutError"},
			expectEvent:   "run.failed",
			expectMessage: "Run r2 failed: ApprovalTimeoutError",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server, got := newWebhook(t, http.StatusNoContent)
			cfg := config.Default()
			cfg.Notifications.WebhookURL = server.URL
			cfg.Notifications.WebhookID = "hook-7"

			tc.notice.At = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			if err := notifications.NewService(&cfg).NotifyRunFinished(context.Background(), tc.notice); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}
			if got.webhookID != "hook-7" {
				t.Fatalf("expected webhook id header, got %q", got.webhookID)
			}
			if got.body["event"] != tc.expectEvent {
				t.Fatalf("expected event %q, got %v", tc.expectEvent, got.body["event"])
			}
			if got.body["message"] != tc.expectMessage {
				t.Fatalf("expected message %q, got %v", tc.expectMessage, got.body["message"])
			}
			if got.body["run_id"] != tc.notice.RunID {
				t.Fatalf("expected run id %q, got %v", tc.notice.RunID, got.body["run_id"])
			}
			if got.body["webhook_id"] != "hook-7" {
				t.Fatalf("expected webhook_id in body, got %v", got.body["webhook_id"])
			}
			if got.body["timestamp"] != "2026-01-02T03:04:05Z" {
				t.Fatalf("unexpected timestamp %v", got.body["timestamp"])
			}
		})
	}
}

func TestWebhookHonoursEventToggles(t *testing.T) {
	server, got := newWebhook(t, http.StatusOK)
	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.OnCompleted = false

	svc := notifications.NewService(&cfg)
	if err := svc.NotifyRunFinished(context.Background(), notifications.Notice{RunID: "r1", Status: "COMPLETED"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.calls != 0 {
		t.Fatalf("expected suppressed completion, got %d calls", got.calls)
	}
	if err := svc.NotifyRunFinished(context.Background(), notifications.Notice{RunID: "r1", Status: "FAILED"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.calls != 1 {
		t.Fatalf("expected failure alert, got %d calls", got.calls)
	}
}

func TestWebhookReportsHTTPFailure(t *testing.T) {
	server, _ := newWebhook(t, http.StatusBadGateway)
	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL

	err := notifications.NewService(&cfg).NotifyRunFinished(context.Background(), notifications.Notice{RunID: "r1", Status: "FAILED"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestWebhookRejectsNonTerminalStatus(t *testing.T) {
	server, got := newWebhook(t, http.StatusOK)
	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL

	if err := notifications.NewService(&cfg).NotifyRunFinished(context.Background(), notifications.Notice{RunID: "r1", Status: "RUNNING"}); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if got.calls != 0 {
		t.Fatalf("expected no delivery, got %d calls", got.calls)
	}
}

func TestTestNotification(t *testing.T) {
	server, got := newWebhook(t, http.StatusOK)
	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL

	if err := notifications.NewService(&cfg).TestNotification(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.body["event"] != "test" {
		t.Fatalf("expected test event, got %v", got.body["event"])
	}
}
