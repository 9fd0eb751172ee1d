package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cliprun/internal/config"
)

// OpenPostgres connects to PostgreSQL, waiting for the server to accept
// connections before applying migrations.
func OpenPostgres(ctx context.Context, cfg config.Postgres) (*Store, error) {
	ctx = ensureContext(ctx)
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("runstore: postgres connection settings are required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := waitForDatabase(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(ctx, db, postgresDialect, redactDSN(dsn))
}

func waitForDatabase(ctx context.Context, db *sql.DB, cfg config.Postgres) error {
	attempts := max(cfg.ConnectRetries, 1)
	delay := time.Duration(cfg.ConnectRetryDelayMS) * time.Millisecond
	pingTimeout := time.Duration(cfg.PingTimeout) * time.Second
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("postgres unavailable after %d attempts: %w", attempts, lastErr)
}

// redactDSN drops credentials so the location can be logged.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "postgres"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
