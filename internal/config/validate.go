package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateObjectStore(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path must be set")
		}
	case DriverPostgres:
		if c.Postgres.DSN() == "" {
			return errors.New("postgres connection is not configured: set postgres.url, DATABASE_URL, or POSTGRES_HOST and POSTGRES_DB")
		}
		if c.Postgres.MaxOpenConns < 1 {
			return errors.New("postgres.max_open_conns must be >= 1")
		}
		if c.Postgres.MaxIdleConns < 0 || c.Postgres.MaxIdleConns > c.Postgres.MaxOpenConns {
			return errors.New("postgres.max_idle_conns must be between 0 and postgres.max_open_conns")
		}
		if c.Postgres.PingTimeout <= 0 {
			return errors.New("postgres.ping_timeout must be positive")
		}
		if c.Postgres.ConnectRetries < 1 {
			return errors.New("postgres.connect_retries must be >= 1")
		}
	default:
		return fmt.Errorf("store.driver: unsupported value %q (use %q or %q)", c.Store.Driver, DriverSQLite, DriverPostgres)
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	if !c.ObjectStore.Enabled {
		return nil
	}
	o := c.ObjectStore
	if o.Endpoint == "" {
		return errors.New("object_store.endpoint must be set when object_store.enabled is true")
	}
	if strings.Contains(o.Endpoint, "://") {
		return errors.New("object_store.endpoint must not include a scheme; use object_store.use_ssl")
	}
	if o.Bucket == "" {
		return errors.New("object_store.bucket must be set when object_store.enabled is true")
	}
	if o.AccessKey == "" || o.SecretKey == "" {
		return errors.New("object_store.access_key and object_store.secret_key are required (or OBJECTSTORE_ACCESS_KEY/OBJECTSTORE_SECRET_KEY)")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	if c.Notifications.WebhookURL == "" {
		return nil
	}
	parsed, err := url.Parse(c.Notifications.WebhookURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("notifications.webhook_url must be an http(s) URL, got %q", c.Notifications.WebhookURL)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.workers":            c.Workflow.Workers,
		"workflow.poll_interval":      c.Workflow.PollInterval,
		"workflow.heartbeat_interval": c.Workflow.HeartbeatInterval,
		"workflow.approval_timeout":   c.Workflow.ApprovalTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.ExecutionGrace <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.execution_grace must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return errors.New("retry.max_attempts must be between 1 and 10")
	}
	if err := ensurePositiveMap(map[string]int{
		"retry.base_delay_ms":       c.Retry.BaseDelayMS,
		"retry.max_delay_ms":        c.Retry.MaxDelayMS,
		"retry.max_elapsed_seconds": c.Retry.MaxElapsedSeconds,
	}); err != nil {
		return err
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return errors.New("retry.max_delay_ms must be >= retry.base_delay_ms")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
