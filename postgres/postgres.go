// Package postgres implements the [portcullis.Backend] contract on top of a
// PostgreSQL connection pool from `jackc/pgx`.  PostgreSQL has real
// savepoints, so rolling back to a savepoint is native rather than
// replay-based, and serialization failures play the role of
// optimistic-concurrency aborts: when internal retries are enabled, an
// aborted commit is replayed from the buffered mutation log and observers are
// notified through the transaction retry listener protocol.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbowman/portcullis"
)

// Open wraps the [pgxpool.Pool] in a [portcullis.Backend].  The backend
// starts out in autocommit, read-write mode with internal retries enabled.
func Open(pool *pgxpool.Pool) *Backend {
	return &Backend{
		pool:        pool,
		autocommit:  true,
		retryAborts: true,
	}
}

// UniqueViolation returns true if the error is a pgconn.PgError with a code of
// 23505, unique violation.  In other words, did a query return an error
// because a value already exists?
func UniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerr.Severity == "ERROR" && pgerr.Code == CodeUniqueViolation
	}

	return false
}

// NotFound returns true if the error contains a pgx.ErrNoRows indicating no
// results were found for the database query.
func NotFound(err error) bool {
	return err != nil && (errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows))
}

// retryable returns true if the error is a serialization failure or deadlock,
// the PostgreSQL equivalents of an optimistic-concurrency abort.
func retryable(err error) bool {
	if err == nil {
		return false
	}

	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerr.Code == CodeSerializationFailure || pgerr.Code == CodeDeadlockDetected
	}

	return false
}

// abortErr marks a retryable failure with [portcullis.ErrAborted] so callers
// can still recognize the abort after the session translates the error.
func abortErr(err error) error {
	return fmt.Errorf("%w: %w", portcullis.ErrAborted, err)
}

// ident quotes a savepoint name for interpolation into savepoint statements,
// which do not accept bind parameters.
func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
