package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbowman/portcullis"
	"github.com/sbowman/portcullis/sqlite"
)

// newMockSession wires a session to a sqlite backend over a sqlmock
// connection, so the tests can assert exactly which SQL reaches the database.
func newMockSession(t *testing.T) (*portcullis.Session, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.Nil(t, err)

	return portcullis.New(sqlite.OpenDB(db)), mock
}

// TestBufferedCommit verifies buffered mutations are applied in order inside
// the commit's transaction, and that the commit response becomes available.
func TestBufferedCommit(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	session, mock := newMockSession(t)

	require.Nil(session.SetAutocommit(ctx, false))
	require.Nil(session.SetReturnCommitStats(true))

	require.Nil(session.BufferedWrite(
		portcullis.Insert("users", []string{"id", "email"}, []any{1, "jdoe@nowhere.com"}),
		portcullis.Delete("users", []string{"id"}, []any{2})))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "users" ("id", "email") VALUES (?, ?)`).
		WithArgs(1, "jdoe@nowhere.com").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM "users" WHERE "id" = ?`).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.Nil(session.Commit(ctx))
	assert.Nil(mock.ExpectationsWereMet())

	resp, err := session.CommitResponse()
	require.Nil(err)
	assert.True(resp.HasCommitStats())
	assert.Equal(int64(2), resp.CommitStats.MutationCount)
}

// TestSavepointFlow verifies savepoint operations translate to savepoint SQL
// in the pending transaction.
func TestSavepointFlow(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	session, mock := newMockSession(t)

	require.Nil(session.SetAutocommit(ctx, false))

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT "s1"`).WillReturnResult(sqlmock.NewResult(0, 0))

	sp, err := session.NamedSavepoint("s1")
	require.Nil(err)

	mock.ExpectExec(`ROLLBACK TO SAVEPOINT "s1"`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.Nil(session.RollbackTo(sp))

	mock.ExpectExec(`RELEASE SAVEPOINT "s1"`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.Nil(session.Release(sp))

	mock.ExpectRollback()
	require.Nil(session.Rollback(ctx))

	assert.Nil(mock.ExpectationsWereMet())
}

// TestProbe verifies the validity probe runs SELECT 1 and swallows failures.
func TestProbe(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)

	session, mock := newMockSession(t)

	mock.ExpectQuery(`SELECT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	ok, err := session.Valid(ctx, time.Second)
	assert.Nil(err)
	assert.True(ok)

	mock.ExpectQuery(`SELECT 1`).WillReturnError(errors.New("database is locked"))

	ok, err = session.Valid(ctx, time.Second)
	assert.Nil(err)
	assert.False(ok)

	assert.Nil(mock.ExpectationsWereMet())
}

// TestCloseRollsBackPendingWork verifies closing the session rolls back an
// open transaction and closes the database handle.
func TestCloseRollsBackPendingWork(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	session, mock := newMockSession(t)

	require.Nil(session.SetAutocommit(ctx, false))

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT "s1"`).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := session.NamedSavepoint("s1")
	require.Nil(err)

	mock.ExpectRollback()
	mock.ExpectClose()

	require.Nil(session.Close())
	assert.True(session.Closed())
	assert.Nil(mock.ExpectationsWereMet())
}

// TestWriteRequiresAutocommit verifies the direct and buffered write paths
// reject the wrong mode.
func TestWriteRequiresAutocommit(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	session, mock := newMockSession(t)

	err := session.BufferedWrite(portcullis.Insert("users", []string{"id"}, []any{1}))
	assert.True(portcullis.IsBackend(err))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "users" ("id") VALUES (?)`).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.Nil(session.Write(ctx, portcullis.Insert("users", []string{"id"}, []any{1})))

	require.Nil(session.SetAutocommit(ctx, false))

	err = session.Write(ctx, portcullis.Insert("users", []string{"id"}, []any{2}))
	assert.True(portcullis.IsBackend(err))

	assert.Nil(mock.ExpectationsWereMet())
}
