package testsupport

import (
	"path/filepath"
	"testing"

	"cliprun/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Timings are shortened so workflow tests finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SocketPath = filepath.Join(base, "data", "cliprun.sock")
	cfgVal.Store.Driver = config.DriverSQLite
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "cliprun.db")
	cfgVal.ObjectStore.LocalDir = filepath.Join(base, "data", "results")
	cfgVal.Workflow.Workers = 2
	cfgVal.Workflow.PollInterval = 1
	cfgVal.Retry.BaseDelayMS = 1
	cfgVal.Retry.MaxDelayMS = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithRetry overrides the activity retry policy.
func WithRetry(maxAttempts, baseDelayMS, maxDelayMS int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.MaxAttempts = maxAttempts
		b.cfg.Retry.BaseDelayMS = baseDelayMS
		b.cfg.Retry.MaxDelayMS = maxDelayMS
	}
}

// WithWebhook points notifications at url.
func WithWebhook(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.WebhookURL = url
		b.cfg.Notifications.WebhookID = "test-hook"
	}
}

// WithPipeline writes definition to the temp dir and selects it.
func WithPipeline(definition string) ConfigOption {
	return func(b *configBuilder) {
		path := filepath.Join(b.baseDir, "pipeline.yaml")
		WriteFile(b.t, path, definition, 0o644)
		b.cfg.Pipeline.Definition = path
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
