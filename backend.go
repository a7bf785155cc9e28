package portcullis

import (
	"context"
	"fmt"
	"time"
)

// TransactionMode selects whether the next transaction on a session reads and
// writes, or only reads.
type TransactionMode int

const (
	// ReadWriteTransaction is the default mode; statements may read and
	// write, and the backend may internally retry the transaction when it
	// aborts.
	ReadWriteTransaction TransactionMode = iota

	// ReadOnlyTransaction executes reads at a single timestamp chosen by the
	// session's read-only staleness, and rejects writes.
	ReadOnlyTransaction
)

func (m TransactionMode) String() string {
	if m == ReadOnlyTransaction {
		return "read_only"
	}
	return "read_write"
}

// AutocommitDMLMode selects how DML statements execute while the session is in
// autocommit mode.
type AutocommitDMLMode int

const (
	// Transactional executes each DML statement in its own atomic
	// transaction.
	Transactional AutocommitDMLMode = iota

	// PartitionedNonAtomic executes DML partitioned across the database,
	// without atomicity between partitions.
	PartitionedNonAtomic
)

func (m AutocommitDMLMode) String() string {
	if m == PartitionedNonAtomic {
		return "partitioned_non_atomic"
	}
	return "transactional"
}

// SavepointSupport controls whether the backend accepts savepoints and what it
// allows after rolling back to one.
type SavepointSupport int

const (
	// SavepointsEnabled allows savepoints, including resuming after a
	// rollback to one.
	SavepointsEnabled SavepointSupport = iota

	// SavepointsFailAfterRollback allows setting and releasing savepoints,
	// but any statement after a rollback to a savepoint fails.
	SavepointsFailAfterRollback

	// SavepointsDisabled rejects all savepoint operations.
	SavepointsDisabled
)

func (s SavepointSupport) String() string {
	switch s {
	case SavepointsFailAfterRollback:
		return "fail_after_rollback"
	case SavepointsDisabled:
		return "disabled"
	default:
		return "enabled"
	}
}

// Backend is the transactional connection a [Session] adapts.  It owns actual
// transaction execution: optimistic aborts, internal retries, savepoint
// replay, and commit metadata all live behind this interface.  The
// [github.com/sbowman/portcullis/postgres] and
// [github.com/sbowman/portcullis/sqlite] packages provide reference
// implementations.
//
// Backends return their own error types.  The Session never lets those leak:
// every failure crossing the adapter boundary is rewrapped in [*BackendError].
// Backends signal aborts they will not retry by wrapping [ErrAborted].
type Backend interface {
	// Commit commits the pending transaction and records its commit
	// response.  Buffered mutations are applied first, in the order they
	// were buffered.
	Commit(ctx context.Context) error

	// Rollback rolls back the pending transaction and discards buffered
	// mutations.
	Rollback(ctx context.Context) error

	// InTransaction returns true if the session mode admits an explicit
	// transaction, whether or not any statement has run in it yet.
	InTransaction() bool

	// TransactionStarted returns true only once the pending transaction has
	// work in it: a statement executed or a mutation buffered.
	TransactionStarted() bool

	SetAutocommit(autocommit bool) error
	Autocommit() bool

	SetTransactionMode(mode TransactionMode) error
	TransactionMode() TransactionMode

	SetAutocommitDMLMode(mode AutocommitDMLMode) error
	AutocommitDMLMode() AutocommitDMLMode

	SetReadOnlyStaleness(staleness TimestampBound) error
	ReadOnlyStaleness() TimestampBound

	SetOptimizerVersion(version string) error
	OptimizerVersion() string

	SetReadOnly(readOnly bool) error
	ReadOnly() bool

	// SetRetryAbortsInternally enables or disables the backend's internal
	// retry of aborted transactions.  When disabled, aborts surface to the
	// caller wrapped in ErrAborted.
	SetRetryAbortsInternally(retry bool) error
	RetryAbortsInternally() bool

	SetSavepointSupport(support SavepointSupport) error
	SavepointSupport() SavepointSupport

	// Savepoint registers a replay marker in the pending transaction.
	Savepoint(name string) error

	// RollbackToSavepoint rewinds the pending transaction to the named
	// marker.  The backend owns the replay; the adapter only manages names.
	RollbackToSavepoint(name string) error

	// ReleaseSavepoint discards the named marker.
	ReleaseSavepoint(name string) error

	// CommitTimestamp returns the commit timestamp of the last transaction
	// that committed on this connection.  It fails before the first commit
	// and once a new transaction has started.
	CommitTimestamp() (time.Time, error)

	// CommitResponse returns the full commit outcome, including statistics
	// when ReturnCommitStats is enabled.  Same availability window as
	// CommitTimestamp.
	CommitResponse() (*CommitResponse, error)

	// ReadTimestamp returns the timestamp at which the last read-only
	// transaction performed its reads.
	ReadTimestamp() (time.Time, error)

	SetReturnCommitStats(returnCommitStats bool) error
	ReturnCommitStats() bool

	// Write applies mutations directly, outside the pending transaction
	// boundary.  Only allowed in autocommit mode.
	Write(ctx context.Context, mutations ...*Mutation) error

	// BufferedWrite stages mutations into the pending transaction; they are
	// applied at the next commit in the order buffered.
	BufferedWrite(mutations ...*Mutation) error

	SetStatementTag(tag string) error
	StatementTag() string

	SetTransactionTag(tag string) error
	TransactionTag() string

	// AddTransactionRetryListener registers a retry observer.  The registry
	// is deduplicated and searched by value equality, so listeners must be
	// comparable.
	AddTransactionRetryListener(listener TransactionRetryListener)

	// RemoveTransactionRetryListener removes the first registered listener
	// equal to the given one, reporting whether a removal occurred.
	RemoveTransactionRetryListener(listener TransactionRetryListener) bool

	// TransactionRetryListeners returns the registered listeners in
	// registration order.
	TransactionRetryListeners() []TransactionRetryListener

	// Single executes a query expected to return a single integer value.
	// The session's validity probe is its only caller.
	Single(ctx context.Context, query string) (int64, error)

	// Close releases the backend connection.  Closing an already closed
	// backend is a no-op.
	Close() error
	Closed() bool
}

// TransactionRetryListener is the backend's vocabulary for retry observation.
// The backend invokes it when it internally retries a transaction that was
// aborted by optimistic concurrency control.  Callers normally implement
// [RetryListener] instead and register it through [Session.AddRetryListener].
type TransactionRetryListener interface {
	// RetryStarting is invoked before the backend replays the aborted
	// transaction.
	RetryStarting(start time.Time, txnID int64, attempt int)

	// RetryFinished is invoked after the replay attempt completes.
	RetryFinished(start time.Time, txnID int64, attempt int, result RetryResult)
}

// RetryResult is the backend-visible outcome of a single retry attempt.
type RetryResult int

const (
	// ResultRetryOK means the replay succeeded and the transaction
	// continues.
	ResultRetryOK RetryResult = iota

	// ResultRetryCancelled means the retry gave up; the abort surfaces to
	// the caller.
	ResultRetryCancelled

	// ResultRunAgain means the replay itself aborted and the backend will
	// try once more.
	ResultRunAgain
)

func (r RetryResult) String() string {
	switch r {
	case ResultRetryOK:
		return "RETRY_OK"
	case ResultRetryCancelled:
		return "RETRY_CANCELLED"
	case ResultRunAgain:
		return "RUN_AGAIN"
	default:
		return fmt.Sprintf("RETRY_RESULT(%d)", int(r))
	}
}
