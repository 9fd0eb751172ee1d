package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizePostgres()
	if err := c.normalizeObjectStore(); err != nil {
		return err
	}
	c.normalizeNotifications()
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.SocketPath, err = expandPath(strings.TrimSpace(c.Paths.SocketPath)); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == "postgresql" || c.Store.Driver == "pgx" {
		c.Store.Driver = DriverPostgres
	}
	c.Store.Queue = strings.TrimSpace(c.Store.Queue)
	if c.Store.Queue == "" {
		c.Store.Queue = defaultQueue
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, "cliprun.db")
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizePostgres() {
	pg := &c.Postgres
	pg.URL = strings.TrimSpace(pg.URL)
	if pg.URL == "" {
		pg.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if pg.Host == "" {
		pg.Host = strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	}
	if pg.User == "" {
		pg.User = strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	}
	if pg.Password == "" {
		pg.Password = os.Getenv("POSTGRES_PASSWORD")
	}
	if pg.Database == "" {
		pg.Database = strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	}
	if value, ok := os.LookupEnv("POSTGRES_PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && pg.Port == defaultPostgresPort {
			pg.Port = port
		}
	}
	pg.SSLMode = strings.TrimSpace(pg.SSLMode)
	if pg.SSLMode == "" {
		pg.SSLMode = defaultPostgresSSLMode
	}
}

func (c *Config) normalizeObjectStore() error {
	os3 := &c.ObjectStore
	os3.Endpoint = strings.TrimSpace(os3.Endpoint)
	if os3.AccessKey == "" {
		os3.AccessKey = strings.TrimSpace(os.Getenv("OBJECTSTORE_ACCESS_KEY"))
	}
	if os3.SecretKey == "" {
		os3.SecretKey = os.Getenv("OBJECTSTORE_SECRET_KEY")
	}
	os3.Bucket = strings.TrimSpace(os3.Bucket)
	os3.Prefix = strings.Trim(strings.TrimSpace(os3.Prefix), "/")
	if strings.TrimSpace(os3.LocalDir) == "" {
		os3.LocalDir = filepath.Join(c.Paths.DataDir, "results")
	}
	var err error
	if os3.LocalDir, err = expandPath(os3.LocalDir); err != nil {
		return fmt.Errorf("object_store.local_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	n := &c.Notifications
	n.WebhookURL = strings.TrimSpace(n.WebhookURL)
	if n.WebhookURL == "" {
		n.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	}
	n.WebhookID = strings.TrimSpace(n.WebhookID)
	if n.WebhookID == "" {
		n.WebhookID = strings.TrimSpace(os.Getenv("WEBHOOK_ID"))
	}
}

func (c *Config) normalizePipeline() error {
	def := strings.TrimSpace(c.Pipeline.Definition)
	if def == "" {
		c.Pipeline.Definition = ""
		return nil
	}
	var err error
	if c.Pipeline.Definition, err = expandPath(def); err != nil {
		return fmt.Errorf("pipeline.definition: %w", err)
	}
	return nil
}

// DSN returns the connection string for the PostgreSQL backend. An explicit
// URL wins; otherwise the URL is assembled from the discrete fields. Either
// way sslmode and statement_timeout are applied unless the URL sets them.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.mergeURLParams(p.URL)
	}
	if p.Host == "" || p.Database == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	u.RawQuery = p.applyParams(url.Values{}).Encode()
	return u.String()
}

// mergeURLParams adds the configured parameters to a URL-form DSN. Keyword
// DSNs ("host=... user=...") are returned unchanged.
func (p Postgres) mergeURLParams(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return raw
	}
	u.RawQuery = p.applyParams(u.Query()).Encode()
	return u.String()
}

func (p Postgres) applyParams(q url.Values) url.Values {
	if !q.Has("sslmode") && p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if !q.Has("statement_timeout") && p.StatementTimeout > 0 {
		q.Set("statement_timeout", strconv.Itoa(p.StatementTimeout*1000))
	}
	return q
}
