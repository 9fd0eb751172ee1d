package runstore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqliteBusyCode        = 5
	sqliteConstraintPK    = 1555
	sqliteConstraintUniq  = 2067
	pgUniqueViolation     = "23505"
	pgSerializationFailed = "40001"
	pgDeadlockDetected    = "40P01"
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// appended to the ClaimRun subquery
	lockClause string
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, lockClause: " FOR UPDATE SKIP LOCKED"}
)

// rebind rewrites ? placeholders for dialects that number them. Quoted
// literals are copied verbatim.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// retryable reports whether err is a transient contention error worth retrying.
func (d dialect) retryable(err error) bool {
	if err == nil {
		return false
	}
	if d.name == sqliteDialect.name {
		return isSQLiteBusy(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailed || pgErr.Code == pgDeadlockDetected
	}
	return pgconn.SafeToRetry(err)
}

func (d dialect) uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if d.name == sqliteDialect.name {
		var coder interface{ Code() int }
		if errors.As(err, &coder) {
			code := coder.Code()
			return code == sqliteConstraintPK || code == sqliteConstraintUniq
		}
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
