package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sbowman/portcullis"
)

var errClosed = errors.New("backend connection is closed")

// Backend implements [portcullis.Backend] over a database/sql connection.
// Like the session that wraps it, a Backend has a single logical owner and is
// not safe for concurrent use.
//
// The retry-aborts flag is stored and reported but this backend never retries:
// a busy or locked database surfaces as an abort wrapped in
// [portcullis.ErrAborted], and the caller decides whether to run again.
type Backend struct {
	db     *sql.DB
	closed bool

	autocommit  bool
	readOnly    bool
	mode        portcullis.TransactionMode
	dmlMode     portcullis.AutocommitDMLMode
	staleness   portcullis.TimestampBound
	optimizer   string
	retryAborts bool
	returnStats bool
	support     portcullis.SavepointSupport
	stmtTag     string
	txnTag      string

	listeners []portcullis.TransactionRetryListener

	tx       *sql.Tx
	started  bool
	blocked  bool
	buffered []*portcullis.Mutation

	lastCommit *portcullis.CommitResponse
	lastRead   *time.Time
}

var _ portcullis.Backend = &Backend{}

// Close rolls back any pending transaction and closes the database handle.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}

	b.closed = true

	if b.tx != nil {
		_ = b.tx.Rollback()
		b.clearTxn()
	}

	return b.db.Close()
}

// Closed returns true once the backend has been closed.
func (b *Backend) Closed() bool {
	return b.closed
}

func (b *Backend) ensureTx(ctx context.Context) (*sql.Tx, error) {
	if b.tx != nil {
		b.started = true
		return b.tx, nil
	}

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: b.readOnlyTxn()})
	if err != nil {
		return nil, err
	}

	b.tx = tx
	b.started = true
	b.txnTag = ""
	b.lastCommit = nil

	if b.readOnlyTxn() {
		now := time.Now()
		b.lastRead = &now
	}

	return tx, nil
}

func (b *Backend) readOnlyTxn() bool {
	return b.readOnly || b.mode == portcullis.ReadOnlyTransaction
}

func (b *Backend) clearTxn() {
	b.tx = nil
	b.started = false
	b.blocked = false
	b.buffered = nil
}

// InTransaction returns true when the backend is in manual-transaction mode.
func (b *Backend) InTransaction() bool {
	return !b.closed && !b.autocommit
}

// TransactionStarted returns true once the pending transaction has work in
// it.
func (b *Backend) TransactionStarted() bool {
	return !b.closed && (b.started || len(b.buffered) > 0)
}

func (b *Backend) SetAutocommit(autocommit bool) error {
	if b.closed {
		return errClosed
	}

	if autocommit == b.autocommit {
		return nil
	}

	if b.TransactionStarted() {
		return errors.New("cannot change autocommit while a transaction has pending work")
	}

	if b.tx != nil {
		_ = b.tx.Rollback()
		b.clearTxn()
	}

	b.autocommit = autocommit
	return nil
}

func (b *Backend) Autocommit() bool {
	return b.autocommit
}

func (b *Backend) SetTransactionMode(mode portcullis.TransactionMode) error {
	if b.closed {
		return errClosed
	}

	if b.TransactionStarted() {
		return errors.New("cannot change transaction mode while a transaction is active")
	}

	b.mode = mode
	return nil
}

func (b *Backend) TransactionMode() portcullis.TransactionMode {
	return b.mode
}

func (b *Backend) SetAutocommitDMLMode(mode portcullis.AutocommitDMLMode) error {
	if b.closed {
		return errClosed
	}

	if mode == portcullis.PartitionedNonAtomic {
		return errors.New("partitioned DML is not supported by the sqlite backend")
	}

	b.dmlMode = mode
	return nil
}

func (b *Backend) AutocommitDMLMode() portcullis.AutocommitDMLMode {
	return b.dmlMode
}

func (b *Backend) SetReadOnlyStaleness(staleness portcullis.TimestampBound) error {
	if b.closed {
		return errClosed
	}

	if b.TransactionStarted() && staleness != b.staleness {
		return errors.New("cannot change read-only staleness while a transaction is active")
	}

	b.staleness = staleness
	return nil
}

func (b *Backend) ReadOnlyStaleness() portcullis.TimestampBound {
	return b.staleness
}

func (b *Backend) SetOptimizerVersion(version string) error {
	if b.closed {
		return errClosed
	}

	b.optimizer = version
	return nil
}

func (b *Backend) OptimizerVersion() string {
	return b.optimizer
}

func (b *Backend) SetReadOnly(readOnly bool) error {
	if b.closed {
		return errClosed
	}

	if b.TransactionStarted() {
		return errors.New("cannot change read-only mode while a transaction is active")
	}

	b.readOnly = readOnly
	return nil
}

func (b *Backend) ReadOnly() bool {
	return b.readOnly
}

func (b *Backend) SetRetryAbortsInternally(retry bool) error {
	if b.closed {
		return errClosed
	}

	if b.TransactionStarted() {
		return errors.New("cannot change retry mode while a transaction is active")
	}

	b.retryAborts = retry
	return nil
}

func (b *Backend) RetryAbortsInternally() bool {
	return b.retryAborts
}

func (b *Backend) SetSavepointSupport(support portcullis.SavepointSupport) error {
	if b.closed {
		return errClosed
	}

	if b.TransactionStarted() {
		return errors.New("cannot change savepoint support while a transaction is active")
	}

	b.support = support
	return nil
}

func (b *Backend) SavepointSupport() portcullis.SavepointSupport {
	return b.support
}

func (b *Backend) SetReturnCommitStats(returnCommitStats bool) error {
	if b.closed {
		return errClosed
	}

	b.returnStats = returnCommitStats
	return nil
}

func (b *Backend) ReturnCommitStats() bool {
	return b.returnStats
}

func (b *Backend) SetStatementTag(tag string) error {
	if b.closed {
		return errClosed
	}

	b.stmtTag = tag
	return nil
}

func (b *Backend) StatementTag() string {
	return b.stmtTag
}

func (b *Backend) SetTransactionTag(tag string) error {
	if b.closed {
		return errClosed
	}

	if b.TransactionStarted() {
		return errors.New("cannot set transaction tag while a transaction is active")
	}

	b.txnTag = tag
	return nil
}

func (b *Backend) TransactionTag() string {
	return b.txnTag
}

// Savepoint registers a savepoint in the pending transaction, beginning the
// transaction if it has not started yet.
func (b *Backend) Savepoint(name string) error {
	if b.closed {
		return errClosed
	}

	if b.support == portcullis.SavepointsDisabled {
		return errors.New("savepoints have been disabled on this connection")
	}

	if b.autocommit {
		return errors.New("savepoints require an active transaction")
	}

	ctx := context.Background()

	tx, err := b.ensureTx(ctx)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "SAVEPOINT "+ident(name))
	return err
}

func (b *Backend) RollbackToSavepoint(name string) error {
	if b.closed {
		return errClosed
	}

	if b.tx == nil {
		return errors.New("no active transaction to roll back in")
	}

	_, err := b.tx.ExecContext(context.Background(), "ROLLBACK TO SAVEPOINT "+ident(name))
	if err != nil {
		return err
	}

	if b.support == portcullis.SavepointsFailAfterRollback {
		b.blocked = true
	}

	return nil
}

func (b *Backend) ReleaseSavepoint(name string) error {
	if b.closed {
		return errClosed
	}

	if b.tx == nil {
		return errors.New("no active transaction to release a savepoint in")
	}

	_, err := b.tx.ExecContext(context.Background(), "RELEASE SAVEPOINT "+ident(name))
	return err
}

// Write applies mutations immediately in their own transaction.  Only allowed
// in autocommit mode.
func (b *Backend) Write(ctx context.Context, mutations ...*portcullis.Mutation) error {
	if b.closed {
		return errClosed
	}

	if !b.autocommit {
		return errors.New("Write is only allowed in autocommit mode; use BufferedWrite in a transaction")
	}

	if b.readOnly {
		return errors.New("cannot write on a read-only connection")
	}

	for _, m := range mutations {
		if err := m.Check(); err != nil {
			return err
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := applyMutations(ctx, tx, mutations); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		if aborted(err) {
			return abortErr(err)
		}
		return err
	}

	b.recordCommit(int64(len(mutations)))
	return nil
}

// BufferedWrite stages mutations for the pending transaction.
func (b *Backend) BufferedWrite(mutations ...*portcullis.Mutation) error {
	if b.closed {
		return errClosed
	}

	if b.autocommit {
		return errors.New("BufferedWrite requires a transaction; use Write in autocommit mode")
	}

	if b.blocked {
		return errAfterRollback()
	}

	if b.readOnlyTxn() {
		return errors.New("cannot buffer mutations in a read-only transaction")
	}

	for _, m := range mutations {
		if err := m.Check(); err != nil {
			return err
		}
	}

	b.buffered = append(b.buffered, mutations...)
	return nil
}

// Single executes a query expected to return a single integer value, for the
// session's validity probe.
func (b *Backend) Single(ctx context.Context, query string) (int64, error) {
	if b.closed {
		return 0, errClosed
	}

	if b.blocked {
		return 0, errAfterRollback()
	}

	var row *sql.Row
	if b.tx != nil {
		row = b.tx.QueryRowContext(ctx, query)
	} else {
		row = b.db.QueryRowContext(ctx, query)
	}

	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, err
	}

	b.stmtTag = ""
	return value, nil
}

// Commit applies the buffered mutations and commits the pending transaction.
// Aborts are never retried here; they surface wrapped in
// [portcullis.ErrAborted].
func (b *Backend) Commit(ctx context.Context) error {
	if b.closed {
		return errClosed
	}

	if b.autocommit {
		return errors.New("commit is not allowed in autocommit mode")
	}

	if b.blocked {
		return errAfterRollback()
	}

	mutations := int64(len(b.buffered))

	err := b.commitOnce(ctx)
	b.clearTxn()

	if err != nil {
		if aborted(err) {
			return abortErr(err)
		}
		return err
	}

	b.recordCommit(mutations)
	return nil
}

func (b *Backend) commitOnce(ctx context.Context) error {
	if b.tx == nil && len(b.buffered) == 0 {
		return nil
	}

	tx, err := b.ensureTx(ctx)
	if err != nil {
		return err
	}

	if err := applyMutations(ctx, tx, b.buffered); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Rollback rolls back the pending transaction and discards the buffered
// mutations.  Rolling back an empty transaction is a no-op.
func (b *Backend) Rollback(_ context.Context) error {
	if b.closed {
		return errClosed
	}

	if b.autocommit {
		return errors.New("rollback is not allowed in autocommit mode")
	}

	var err error
	if b.tx != nil {
		err = b.tx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			err = nil
		}
	}

	b.clearTxn()
	return err
}

func (b *Backend) recordCommit(mutations int64) {
	resp := &portcullis.CommitResponse{CommitTimestamp: time.Now()}
	if b.returnStats {
		resp.CommitStats = &portcullis.CommitStats{MutationCount: mutations}
	}

	b.lastCommit = resp
}

func (b *Backend) CommitTimestamp() (time.Time, error) {
	resp, err := b.CommitResponse()
	if err != nil {
		return time.Time{}, err
	}

	return resp.CommitTimestamp, nil
}

func (b *Backend) CommitResponse() (*portcullis.CommitResponse, error) {
	if b.lastCommit == nil {
		return nil, errors.New("this connection has no transaction that committed successfully")
	}

	return b.lastCommit, nil
}

func (b *Backend) ReadTimestamp() (time.Time, error) {
	if b.lastRead == nil {
		return time.Time{}, errors.New("this connection has not executed a read-only transaction")
	}

	return *b.lastRead, nil
}

func (b *Backend) AddTransactionRetryListener(listener portcullis.TransactionRetryListener) {
	b.listeners = append(b.listeners, listener)
}

func (b *Backend) RemoveTransactionRetryListener(listener portcullis.TransactionRetryListener) bool {
	for i, registered := range b.listeners {
		if registered == listener {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return true
		}
	}

	return false
}

func (b *Backend) TransactionRetryListeners() []portcullis.TransactionRetryListener {
	listeners := make([]portcullis.TransactionRetryListener, len(b.listeners))
	copy(listeners, b.listeners)
	return listeners
}

func errAfterRollback() error {
	return fmt.Errorf("transaction must be rolled back: savepoint support is %s",
		portcullis.SavepointsFailAfterRollback)
}
