package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes for transaction conflicts that resolve on retry.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// IsRetryable reports whether err is a transient transaction conflict: a
// Postgres serialization failure or deadlock, or a SQLite busy/locked
// error. Callers retry the whole transaction; individual statements are
// never retried in place.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}

	// modernc.org/sqlite surfaces SQLITE_BUSY and SQLITE_LOCKED as plain
	// errors; match on the canonical messages.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err is a unique constraint violation.
// Two writers can race past a read-then-insert dedup check; the loser's
// insert fails here, and callers surface that as a conflict rather than an
// internal error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
