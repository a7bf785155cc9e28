package portcullis_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sbowman/portcullis"
)

// fakeBackend is an in-memory [portcullis.Backend] for exercising the session
// state machine.  It records savepoint and mutation traffic, and lets tests
// inject failures through the *Err fields.
type fakeBackend struct {
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

	started  bool
	buffered []*portcullis.Mutation
	applied  []*portcullis.Mutation

	savepoints []string
	rollbacks  []string
	releases   []string

	listeners []portcullis.TransactionRetryListener

	commits    int
	rolledBack int

	commitErr error
	singleErr error

	singleValue int64

	lastCommit *portcullis.CommitResponse
	lastRead   *time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		autocommit:  true,
		retryAborts: true,
		singleValue: 1,
	}
}

func (b *fakeBackend) Commit(context.Context) error {
	if b.commitErr != nil {
		return b.commitErr
	}

	b.commits++
	b.applied = append(b.applied, b.buffered...)

	resp := &portcullis.CommitResponse{CommitTimestamp: time.Now()}
	if b.returnStats {
		resp.CommitStats = &portcullis.CommitStats{MutationCount: int64(len(b.buffered))}
	}

	b.lastCommit = resp
	b.buffered = nil
	b.started = false
	b.savepoints = nil

	return nil
}

func (b *fakeBackend) Rollback(context.Context) error {
	b.rolledBack++
	b.buffered = nil
	b.started = false
	b.savepoints = nil
	return nil
}

func (b *fakeBackend) InTransaction() bool {
	return !b.autocommit
}

func (b *fakeBackend) TransactionStarted() bool {
	return b.started || len(b.buffered) > 0
}

func (b *fakeBackend) SetAutocommit(autocommit bool) error {
	if autocommit == b.autocommit {
		return nil
	}

	if b.TransactionStarted() {
		return errors.New("transaction has pending work")
	}

	b.autocommit = autocommit
	return nil
}

func (b *fakeBackend) Autocommit() bool { return b.autocommit }

func (b *fakeBackend) SetTransactionMode(mode portcullis.TransactionMode) error {
	b.mode = mode
	return nil
}

func (b *fakeBackend) TransactionMode() portcullis.TransactionMode { return b.mode }

func (b *fakeBackend) SetAutocommitDMLMode(mode portcullis.AutocommitDMLMode) error {
	b.dmlMode = mode
	return nil
}

func (b *fakeBackend) AutocommitDMLMode() portcullis.AutocommitDMLMode { return b.dmlMode }

func (b *fakeBackend) SetReadOnlyStaleness(staleness portcullis.TimestampBound) error {
	if b.TransactionStarted() && staleness != b.staleness {
		return errors.New("staleness change during transaction")
	}

	b.staleness = staleness
	return nil
}

func (b *fakeBackend) ReadOnlyStaleness() portcullis.TimestampBound { return b.staleness }

func (b *fakeBackend) SetOptimizerVersion(version string) error {
	b.optimizer = version
	return nil
}

func (b *fakeBackend) OptimizerVersion() string { return b.optimizer }

func (b *fakeBackend) SetReadOnly(readOnly bool) error {
	b.readOnly = readOnly
	return nil
}

func (b *fakeBackend) ReadOnly() bool { return b.readOnly }

func (b *fakeBackend) SetRetryAbortsInternally(retry bool) error {
	b.retryAborts = retry
	return nil
}

func (b *fakeBackend) RetryAbortsInternally() bool { return b.retryAborts }

func (b *fakeBackend) SetSavepointSupport(support portcullis.SavepointSupport) error {
	b.support = support
	return nil
}

func (b *fakeBackend) SavepointSupport() portcullis.SavepointSupport { return b.support }

func (b *fakeBackend) Savepoint(name string) error {
	if b.autocommit {
		return errors.New("savepoints require an active transaction")
	}

	if slices.Contains(b.savepoints, name) {
		return fmt.Errorf("savepoint %q already exists", name)
	}

	b.savepoints = append(b.savepoints, name)
	b.started = true
	return nil
}

func (b *fakeBackend) RollbackToSavepoint(name string) error {
	if !slices.Contains(b.savepoints, name) {
		return fmt.Errorf("unknown savepoint %q", name)
	}

	b.rollbacks = append(b.rollbacks, name)
	return nil
}

func (b *fakeBackend) ReleaseSavepoint(name string) error {
	if !slices.Contains(b.savepoints, name) {
		return fmt.Errorf("unknown savepoint %q", name)
	}

	b.releases = append(b.releases, name)
	return nil
}

func (b *fakeBackend) CommitTimestamp() (time.Time, error) {
	resp, err := b.CommitResponse()
	if err != nil {
		return time.Time{}, err
	}

	return resp.CommitTimestamp, nil
}

func (b *fakeBackend) CommitResponse() (*portcullis.CommitResponse, error) {
	if b.lastCommit == nil {
		return nil, errors.New("no committed transaction")
	}

	return b.lastCommit, nil
}

func (b *fakeBackend) ReadTimestamp() (time.Time, error) {
	if b.lastRead == nil {
		return time.Time{}, errors.New("no read-only transaction")
	}

	return *b.lastRead, nil
}

func (b *fakeBackend) SetReturnCommitStats(returnCommitStats bool) error {
	b.returnStats = returnCommitStats
	return nil
}

func (b *fakeBackend) ReturnCommitStats() bool { return b.returnStats }

func (b *fakeBackend) Write(_ context.Context, mutations ...*portcullis.Mutation) error {
	if !b.autocommit {
		return errors.New("Write requires autocommit mode")
	}

	for _, m := range mutations {
		if err := m.Check(); err != nil {
			return err
		}
	}

	b.applied = append(b.applied, mutations...)
	return nil
}

func (b *fakeBackend) BufferedWrite(mutations ...*portcullis.Mutation) error {
	if b.autocommit {
		return errors.New("BufferedWrite requires a transaction")
	}

	for _, m := range mutations {
		if err := m.Check(); err != nil {
			return err
		}
	}

	b.buffered = append(b.buffered, mutations...)
	return nil
}

func (b *fakeBackend) SetStatementTag(tag string) error {
	b.stmtTag = tag
	return nil
}

func (b *fakeBackend) StatementTag() string { return b.stmtTag }

func (b *fakeBackend) SetTransactionTag(tag string) error {
	if b.TransactionStarted() {
		return errors.New("transaction already active")
	}

	b.txnTag = tag
	return nil
}

func (b *fakeBackend) TransactionTag() string { return b.txnTag }

func (b *fakeBackend) AddTransactionRetryListener(listener portcullis.TransactionRetryListener) {
	b.listeners = append(b.listeners, listener)
}

func (b *fakeBackend) RemoveTransactionRetryListener(listener portcullis.TransactionRetryListener) bool {
	for i, registered := range b.listeners {
		if registered == listener {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return true
		}
	}

	return false
}

func (b *fakeBackend) TransactionRetryListeners() []portcullis.TransactionRetryListener {
	return slices.Clone(b.listeners)
}

// fireRetry simulates the backend retrying an aborted transaction, notifying
// every registered listener.
func (b *fakeBackend) fireRetry(start time.Time, txnID int64, attempt int, result portcullis.RetryResult) {
	for _, listener := range b.listeners {
		listener.RetryStarting(start, txnID, attempt)
		listener.RetryFinished(start, txnID, attempt, result)
	}
}

func (b *fakeBackend) Single(context.Context, string) (int64, error) {
	if b.singleErr != nil {
		return 0, b.singleErr
	}

	return b.singleValue, nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func (b *fakeBackend) Closed() bool { return b.closed }

var _ portcullis.Backend = &fakeBackend{}
