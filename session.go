// Package portcullis adapts a distributed, optimistically concurrent
// transactional connection to a conventional blocking SQL session contract:
// autocommit toggling, explicit commit/rollback, savepoints, and a validity
// probe.  The backend owns transaction execution and retry; the [Session] owns
// the caller-visible state machine and translates every backend failure into
// the package's own error types.
package portcullis

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// validQuery is the trivial probe statement executed by [Session.Valid].
const validQuery = "SELECT 1"

// TypeFactory produces a fresh value for a database type name registered in
// the session's type map.
type TypeFactory func() any

// Session exposes a blocking, single-connection SQL client contract on top of
// a [Backend].  Every operation validates the session is open, then either
// mutates local state or forwards to the backend, translating backend failures
// into [*BackendError] and caller misuse into [*UsageError].
//
// A Session has a single logical owner.  It is not safe for concurrent use by
// multiple goroutines without external synchronization, and no operation is
// reentrant from within itself.
type Session struct {
	backend Backend
	log     *zap.Logger

	closed  bool
	typeMap map[string]TypeFactory
}

// Option configures a [Session] at creation time.
type Option func(*Session)

// WithLogger attaches a logger to the session.  The session logs swallowed
// probe failures and backend retry events at debug level.  Sessions are silent
// by default.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// New wraps a backend connection in a session.  The backend should be freshly
// opened; the session assumes it owns the connection from here on.
func New(backend Backend, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		typeMap: map[string]TypeFactory{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.log != nil {
		backend.AddTransactionRetryListener(&retryLogger{log: s.log})
	}

	return s
}

// checkOpen fails with ErrClosed once the session or its backend has been
// closed.  Every operation except Close, Closed, and Valid starts here.
func (s *Session) checkOpen() error {
	if s.Closed() {
		return ErrClosed
	}

	return nil
}

// Closed returns true once the session has been closed.  It never fails.
func (s *Session) Closed() bool {
	return s.closed || s.backend.Closed()
}

// Close closes the session and the backend connection beneath it.  Closing is
// terminal: every subsequent operation except Close, Closed, and Valid fails
// with [ErrClosed].  Repeated calls are no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.backend.Close(); err != nil {
		return backendErr(err)
	}

	return nil
}

// SetAutocommit switches the session between autocommit and manual-transaction
// mode.  If the mode actually changes while a transaction has pending work,
// the transaction is committed first; work is never silently rolled back.  If
// that commit fails, the mode is left unchanged and the commit error is
// returned.
func (s *Session) SetAutocommit(ctx context.Context, autocommit bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.backend.Autocommit() != autocommit && s.backend.TransactionStarted() {
		if err := s.backend.Commit(ctx); err != nil {
			return backendErr(err)
		}
	}

	return backendErr(s.backend.SetAutocommit(autocommit))
}

// Autocommit reports whether the session is in autocommit mode.
func (s *Session) Autocommit() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.backend.Autocommit(), nil
}

// InTransaction reports whether the session currently admits an explicit
// transaction.
func (s *Session) InTransaction() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.backend.InTransaction(), nil
}

// TransactionStarted reports whether the pending transaction has work in it.
func (s *Session) TransactionStarted() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.backend.TransactionStarted(), nil
}

// Commit commits the pending transaction.  An optimistic-concurrency abort the
// backend did not retry internally surfaces here; test for it with [Aborted].
func (s *Session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.Commit(ctx))
}

// Rollback rolls back the pending transaction and discards any buffered
// mutations.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.Rollback(ctx))
}

// SetReadOnly switches the session between read-only and read-write mode.
// The backend rejects the change while a transaction is active.
func (s *Session) SetReadOnly(readOnly bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetReadOnly(readOnly))
}

// ReadOnly reports whether the session is in read-only mode.
func (s *Session) ReadOnly() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.backend.ReadOnly(), nil
}

// SetTransactionMode sets the mode for the next transaction.
func (s *Session) SetTransactionMode(mode TransactionMode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetTransactionMode(mode))
}

// TransactionMode returns the mode the next transaction will run in.
func (s *Session) TransactionMode() (TransactionMode, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	return s.backend.TransactionMode(), nil
}

// SetAutocommitDMLMode sets how DML statements execute in autocommit mode.
func (s *Session) SetAutocommitDMLMode(mode AutocommitDMLMode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetAutocommitDMLMode(mode))
}

// AutocommitDMLMode returns the DML execution mode for autocommit mode.
func (s *Session) AutocommitDMLMode() (AutocommitDMLMode, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	return s.backend.AutocommitDMLMode(), nil
}

// SetReadOnlyStaleness sets the staleness bound used by reads in autocommit
// mode and by read-only transactions.  The backend's own validation applies;
// for example, it rejects changing the bound while a read-only transaction
// with a different bound is active.
func (s *Session) SetReadOnlyStaleness(staleness TimestampBound) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetReadOnlyStaleness(staleness))
}

// ReadOnlyStaleness returns the current staleness bound.
func (s *Session) ReadOnlyStaleness() (TimestampBound, error) {
	if err := s.checkOpen(); err != nil {
		return TimestampBound{}, err
	}

	return s.backend.ReadOnlyStaleness(), nil
}

// SetOptimizerVersion pins the query optimizer version used by subsequent
// statements.  An empty string selects the backend default.
func (s *Session) SetOptimizerVersion(version string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetOptimizerVersion(version))
}

// OptimizerVersion returns the pinned optimizer version, or the empty string
// when the backend default is in use.
func (s *Session) OptimizerVersion() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	return s.backend.OptimizerVersion(), nil
}

// SetStatementTag tags the next statement executed on the session.
func (s *Session) SetStatementTag(tag string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetStatementTag(tag))
}

// StatementTag returns the tag that will be attached to the next statement.
func (s *Session) StatementTag() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	return s.backend.StatementTag(), nil
}

// SetTransactionTag tags the next transaction started on the session.  The
// backend rejects the change while a transaction is already active.
func (s *Session) SetTransactionTag(tag string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetTransactionTag(tag))
}

// TransactionTag returns the tag that will be attached to the next
// transaction.
func (s *Session) TransactionTag() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	return s.backend.TransactionTag(), nil
}

// SetRetryAbortsInternally enables or disables the backend's internal retry of
// aborted transactions.  With retries disabled, aborts surface from Commit
// wrapped in [ErrAborted].
func (s *Session) SetRetryAbortsInternally(retry bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetRetryAbortsInternally(retry))
}

// RetryAbortsInternally reports whether the backend retries aborted
// transactions internally.
func (s *Session) RetryAbortsInternally() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.backend.RetryAbortsInternally(), nil
}

// SetReturnCommitStats requests commit statistics on subsequent commits.
func (s *Session) SetReturnCommitStats(returnCommitStats bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetReturnCommitStats(returnCommitStats))
}

// ReturnCommitStats reports whether commits collect statistics.
func (s *Session) ReturnCommitStats() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.backend.ReturnCommitStats(), nil
}

// CommitTimestamp returns the commit timestamp of the last committed
// transaction.  It fails before the first commit and once a new transaction
// has started.
func (s *Session) CommitTimestamp() (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}

	ts, err := s.backend.CommitTimestamp()
	if err != nil {
		return time.Time{}, backendErr(err)
	}

	return ts, nil
}

// CommitResponse returns the full outcome of the last commit, including
// statistics when [Session.SetReturnCommitStats] was enabled.  Same
// availability window as [Session.CommitTimestamp].
func (s *Session) CommitResponse() (*CommitResponse, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	resp, err := s.backend.CommitResponse()
	if err != nil {
		return nil, backendErr(err)
	}

	return resp, nil
}

// ReadTimestamp returns the timestamp at which the last read-only transaction
// performed its reads.
func (s *Session) ReadTimestamp() (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}

	ts, err := s.backend.ReadTimestamp()
	if err != nil {
		return time.Time{}, backendErr(err)
	}

	return ts, nil
}

// Write applies mutations directly, outside the session's transaction
// boundary.  The effect is visible immediately; use [Session.BufferedWrite] to
// stage mutations into the pending transaction instead.
func (s *Session) Write(ctx context.Context, mutations ...*Mutation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.Write(ctx, mutations...))
}

// BufferedWrite stages mutations into the pending transaction.  They are
// applied at the next commit, in the order buffered.
func (s *Session) BufferedWrite(mutations ...*Mutation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.BufferedWrite(mutations...))
}

// Valid probes the connection by running a trivial query under the given
// timeout.  It returns true only when the probe succeeds and yields exactly 1.
// A closed session or a failed probe returns false; probe failures are
// swallowed here and nowhere else.  A timeout of zero means no timeout.
//
// The only error Valid returns is a usage error for a negative timeout; for
// any timeout >= 0 it never fails.
func (s *Session) Valid(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		return false, usagef("probe timeout must not be negative: %s", timeout)
	}

	if s.Closed() {
		return false, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := s.backend.Single(ctx, validQuery)
	if err != nil {
		if s.log != nil {
			s.log.Debug("validity probe failed", zap.Error(err))
		}
		return false, nil
	}

	return value == 1, nil
}

// SetCatalog accepts only the empty string, for frameworks that set a catalog
// when none was specified in the connection URL.  The backend has no catalogs
// to switch between.
func (s *Session) SetCatalog(catalog string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if catalog != "" {
		return usagef("only catalog %q is supported", "")
	}

	return nil
}

// Catalog returns the empty string, the session's only catalog.
func (s *Session) Catalog() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	return "", nil
}

// SetSchema accepts only the empty string; the backend exposes a single
// unnamed schema.
func (s *Session) SetSchema(schema string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if schema != "" {
		return usagef("only schema %q is supported", "")
	}

	return nil
}

// Schema returns the empty string, the session's only schema.
func (s *Session) Schema() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	return "", nil
}

// TypeMap returns a copy of the session's type map.  Mutating the returned map
// does not affect the session.
func (s *Session) TypeMap() (map[string]TypeFactory, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return copyTypeMap(s.typeMap), nil
}

// SetTypeMap replaces the session's type map with a copy of the given one.
func (s *Session) SetTypeMap(typeMap map[string]TypeFactory) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.typeMap = copyTypeMap(typeMap)
	return nil
}

func copyTypeMap(src map[string]TypeFactory) map[string]TypeFactory {
	dst := make(map[string]TypeFactory, len(src))
	for name, factory := range src {
		dst[name] = factory
	}

	return dst
}
