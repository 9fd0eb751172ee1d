package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"cliprun/internal/services"
)

const maxResponseBytes = 8 << 20

// HTTPStage posts the stage input as JSON and treats the response body as
// the result.
type HTTPStage struct {
	id       string
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPStage constructs an HTTP collaborator for spec.
func NewHTTPStage(spec Spec, client *http.Client) *HTTPStage {
	return &HTTPStage{id: spec.ID, endpoint: spec.Endpoint, headers: spec.Headers, client: client}
}

func (s *HTTPStage) Execute(ctx context.Context, in Input) (Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, services.Wrap(services.ErrInvalidInput, s.id, "encode request", "Stage input could not be encoded", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, s.id, "build request", "Stage endpoint is invalid", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Cliprun-Run-ID", in.RunID)
	req.Header.Set("X-Cliprun-Attempt", fmt.Sprint(in.Attempt))
	if id, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, services.Wrap(services.ErrTransient, s.id, "call endpoint", "Stage service unreachable", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransient, s.id, "read response", "Stage response truncated", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, services.Wrap(services.ErrTransient, s.id, "call endpoint",
			fmt.Sprintf("Stage service returned %s", resp.Status), nil)
	default:
		return Result{}, services.Wrap(services.ErrInvalidInput, s.id, "call endpoint",
			fmt.Sprintf("Stage service rejected input with %s: %s", resp.Status, truncate(payload, 200)), nil)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return Result{}, services.Wrap(services.ErrExternalTool, s.id, "decode response", "Stage service returned non-JSON output", nil)
	}
	return Result{Data: payload, ContentType: "application/json"}, nil
}

func (s *HTTPStage) HealthCheck(context.Context) Health {
	u, err := url.Parse(s.endpoint)
	if err != nil || u.Host == "" {
		return Unhealthy(s.id, "invalid endpoint")
	}
	return Healthy(s.id)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
