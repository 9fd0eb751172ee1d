package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"cliprun/internal/config"
	"cliprun/internal/objectstore"
	"cliprun/internal/runstore"
	"cliprun/internal/stage"
)

const checkTimeout = 5 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckStore opens the configured run store, applying pending migrations,
// and reports its schema version.
func CheckStore(ctx context.Context, cfg *config.Config) Result {
	const name = "Run store"

	checkCtx, cancel := context.WithTimeout(ctx, 2*checkTimeout)
	defer cancel()

	store, err := runstore.Open(checkCtx, cfg)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer store.Close()

	if err := store.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	version, err := store.SchemaVersion(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s %s (schema unreadable: %v)", store.Driver(), store.Location(), err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s %s (schema %s)", store.Driver(), store.Location(), version)}
}

// CheckResultStore verifies the stage output sink is writable or reachable.
func CheckResultStore(ctx context.Context, cfg config.ObjectStore) Result {
	const name = "Result store"

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	store, err := objectstore.New(checkCtx, cfg)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	if err := store.Check(checkCtx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", store.Describe(), summarizeError(err))}
	}
	return Result{Name: name, Passed: true, Detail: store.Describe()}
}

// CheckWebhook verifies the alert endpoint answers. Any response below 500
// counts as reachable since the endpoint is only expected to accept POSTs.
func CheckWebhook(ctx context.Context, url string) Result {
	const name = "Webhook"

	url = strings.TrimSpace(url)
	if url == "" {
		return Result{Name: name, Passed: true, Detail: "disabled"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	client := &http.Client{Timeout: checkTimeout}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, url, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("invalid url (%v)", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("unreachable (%s)", summarizeError(err))}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{Name: name, Detail: fmt.Sprintf("server error (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// CheckStages runs every stage's health check.
func CheckStages(ctx context.Context, pipeline *stage.Pipeline) []Result {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	health := stage.CheckAll(checkCtx, pipeline)
	results := make([]Result, 0, len(health))
	for _, h := range health {
		detail := h.Detail
		if detail == "" {
			detail = "ready"
		}
		results = append(results, Result{Name: "Stage " + h.Name, Passed: h.Ready, Detail: detail})
	}
	return results
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
