package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cliprun/internal/config"
	"cliprun/internal/runstate"
)

var _ runstate.Store = (*Store)(nil)

// Store is the SQL-backed run state store.
type Store struct {
	db      *sql.DB
	dialect dialect
	// location is the SQLite path or the redacted Postgres target.
	location string
	now      func() time.Time
}

const (
	retryAttempts       = 5
	retryInitialBackoff = 10 * time.Millisecond
	retryMaxBackoff     = 200 * time.Millisecond
)

// Open connects to the backend selected by cfg.Store.Driver and applies
// pending migrations.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("runstore: config is required")
	}
	switch cfg.Store.Driver {
	case config.DriverSQLite, "":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("ensure directories: %w", err)
		}
		return OpenSQLite(ctx, cfg.Store.SQLitePath)
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("runstore: unsupported driver %q", cfg.Store.Driver)
	}
}

func newStore(ctx context.Context, db *sql.DB, d dialect, location string) (*Store, error) {
	store := &Store{db: db, dialect: d, location: location, now: time.Now}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Driver names the backend in use.
func (s *Store) Driver() string { return s.dialect.name }

// Location describes where the data lives, for diagnostics.
func (s *Store) Location() string { return s.location }

// Ping verifies the database connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("runstore: not open")
	}
	return s.db.PingContext(ensureContext(ctx))
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// retry runs op again while it fails with a contention error.
func (s *Store) retry(ctx context.Context, op func() error) error {
	delay := retryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !s.dialect.retryable(lastErr) || attempt == retryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= retryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	query = s.dialect.rebind(query)
	var res sql.Result
	err := s.retry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// queryRow runs a single-row query and scans it with scan, retrying the
// whole round trip on contention.
func (s *Store) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	ctx = ensureContext(ctx)
	query = s.dialect.rebind(query)
	return s.retry(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
}

// queryRows runs a query and hands each row to each. Only opening the
// result set is retried so rows are never delivered twice.
func (s *Store) queryRows(ctx context.Context, each func(*sql.Rows) error, query string, args ...any) error {
	ctx = ensureContext(ctx)
	query = s.dialect.rebind(query)
	var rows *sql.Rows
	if err := s.retry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	}); err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) nowMillis() int64 { return s.now().UTC().UnixMilli() }

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

// nullMillis stores the zero time as NULL.
func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(t), Valid: true}
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
