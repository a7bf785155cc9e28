// Package sqlite implements the [portcullis.Backend] contract on top of the
// standard library's database/sql with the `mattn/go-sqlite3` driver.  It is
// the in-process counterpart to the postgres backend: savepoints are native
// SQL savepoints, busy and locked errors play the role of aborts, and there is
// no internal retry; aborts always surface to the caller.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/sbowman/portcullis"
)

// Open a SQLite3 file.  Uses the Go `database/sql` pooling.
func Open(filename string) (*Backend, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc", filename))
	if err != nil {
		return nil, err
	}

	return OpenDB(db), nil
}

// OpenDB wraps an existing [sql.DB] in a [portcullis.Backend].  The tests use
// this with a sqlmock connection in place of a real database file.
func OpenDB(db *sql.DB) *Backend {
	return &Backend{
		db:         db,
		autocommit: true,
	}
}

// UniqueViolation returns true if the error is a sqlite3.Error with a
// constraint violation code.  In other words, did a query return an error
// because a value already exists?
func UniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var dberr sqlite3.Error
	if errors.As(err, &dberr) {
		return dberr.Code == sqlite3.ErrConstraint
	}

	return false
}

// NotFound returns true if the error indicates no results were found for the
// database query.
func NotFound(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, sql.ErrNoRows) {
		return true
	}

	var dberr sqlite3.Error
	if errors.As(err, &dberr) {
		return dberr.Code == sqlite3.ErrNotFound
	}

	return false
}

// aborted returns true if the error is a busy or locked failure, SQLite's
// closest analog to an optimistic-concurrency abort.
func aborted(err error) bool {
	if err == nil {
		return false
	}

	var dberr sqlite3.Error
	if errors.As(err, &dberr) {
		return dberr.Code == sqlite3.ErrBusy || dberr.Code == sqlite3.ErrLocked
	}

	return false
}

// abortErr marks an abort with [portcullis.ErrAborted] so callers can still
// recognize it after the session translates the error.
func abortErr(err error) error {
	return fmt.Errorf("%w: %w", portcullis.ErrAborted, err)
}

// ident quotes a savepoint name for interpolation into savepoint statements,
// which do not accept bind parameters.
func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
