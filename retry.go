package portcullis

import (
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
)

// RetryOutcome is the caller-visible result of a backend retry attempt.  It
// mirrors the backend's [RetryResult] as a distinct type so the backend
// vocabulary never appears in caller code.
type RetryOutcome int

const (
	// RetryOK means the replay succeeded and the transaction continues as
	// if the abort never happened.
	RetryOK RetryOutcome = iota

	// RetryCancelled means the backend gave up retrying; the abort is
	// surfacing to the caller.
	RetryCancelled

	// RunAgain means the replay itself aborted and the backend will try
	// once more.
	RunAgain
)

func (o RetryOutcome) String() string {
	switch o {
	case RetryOK:
		return "RETRY_OK"
	case RetryCancelled:
		return "RETRY_CANCELLED"
	case RunAgain:
		return "RUN_AGAIN"
	default:
		return fmt.Sprintf("RETRY_OUTCOME(%d)", int(o))
	}
}

// retryOutcomes enumerates the closed set used to map backend results onto
// caller outcomes by symbolic name.
var retryOutcomes = []RetryOutcome{RetryOK, RetryCancelled, RunAgain}

// outcomeForResult maps a backend retry result to the caller-visible outcome
// with the matching symbolic name.  Results outside the known set fall back to
// the positional value.
func outcomeForResult(result RetryResult) RetryOutcome {
	for _, outcome := range retryOutcomes {
		if outcome.String() == result.String() {
			return outcome
		}
	}

	return RetryOutcome(result)
}

// RetryListener observes the backend internally retrying transactions that
// were aborted by optimistic concurrency control.  The session never drives
// retries itself; it only relays the backend's notifications.
//
// Listener values must be comparable: [Session.RemoveRetryListener] finds the
// registration by value equality of the listener.
type RetryListener interface {
	// RetryStarting is invoked before the backend replays the aborted
	// transaction identified by txnID.  start is when the transaction
	// originally began; attempt counts replays, starting at 1.
	RetryStarting(start time.Time, txnID int64, attempt int)

	// RetryFinished is invoked after the replay attempt completes.
	RetryFinished(start time.Time, txnID int64, attempt int, outcome RetryOutcome)
}

// retryAdapter bridges a caller's RetryListener to the backend's
// TransactionRetryListener vocabulary.  It is a comparable struct whose only
// field is the delegate, so two adapters wrapping equal delegates compare
// equal; the backend's remove-by-equality registry depends on this.
type retryAdapter struct {
	delegate RetryListener
}

func (a retryAdapter) RetryStarting(start time.Time, txnID int64, attempt int) {
	a.delegate.RetryStarting(start, txnID, attempt)
}

func (a retryAdapter) RetryFinished(start time.Time, txnID int64, attempt int, result RetryResult) {
	a.delegate.RetryFinished(start, txnID, attempt, outcomeForResult(result))
}

// AddRetryListener registers a retry observer.  The same listener value may be
// registered once; the backend deduplicates by equality.
func (s *Session) AddRetryListener(listener RetryListener) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if listener == nil {
		return usagef("retry listener must not be nil")
	}

	s.backend.AddTransactionRetryListener(retryAdapter{delegate: listener})
	return nil
}

// RemoveRetryListener removes the registration for the given listener,
// matching by value, and reports whether a removal occurred.
func (s *Session) RemoveRetryListener(listener RetryListener) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if listener == nil {
		return false, usagef("retry listener must not be nil")
	}

	return s.backend.RemoveTransactionRetryListener(retryAdapter{delegate: listener}), nil
}

// RetryListeners returns a lazy sequence of the registered listeners, in
// registration order.  Backend registrations that did not come through
// [Session.AddRetryListener] are skipped.
func (s *Session) RetryListeners() (iter.Seq[RetryListener], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	registered := s.backend.TransactionRetryListeners()

	return func(yield func(RetryListener) bool) {
		for _, listener := range registered {
			adapter, ok := listener.(retryAdapter)
			if !ok {
				continue
			}

			if !yield(adapter.delegate) {
				return
			}
		}
	}, nil
}

// retryLogger logs backend retry events when the session has a logger.  It is
// registered directly with the backend, not through AddRetryListener, so it
// never shows up in [Session.RetryListeners].
type retryLogger struct {
	log *zap.Logger
}

func (l *retryLogger) RetryStarting(start time.Time, txnID int64, attempt int) {
	l.log.Debug("transaction retry starting",
		zap.Time("started", start),
		zap.Int64("txn", txnID),
		zap.Int("attempt", attempt))
}

func (l *retryLogger) RetryFinished(start time.Time, txnID int64, attempt int, result RetryResult) {
	l.log.Debug("transaction retry finished",
		zap.Time("started", start),
		zap.Int64("txn", txnID),
		zap.Int("attempt", attempt),
		zap.Stringer("result", result))
}
