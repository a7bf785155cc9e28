package portcullis_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbowman/portcullis"
)

// recordListener captures the retry notifications it receives.  Pointers to
// it are comparable, which the remove-by-value contract relies on.
type recordListener struct {
	started  []int
	finished []portcullis.RetryOutcome
}

func (l *recordListener) RetryStarting(_ time.Time, _ int64, attempt int) {
	l.started = append(l.started, attempt)
}

func (l *recordListener) RetryFinished(_ time.Time, _ int64, _ int, outcome portcullis.RetryOutcome) {
	l.finished = append(l.finished, outcome)
}

// backendListener is a listener registered directly with the backend,
// bypassing the session.
type backendListener struct{}

func (backendListener) RetryStarting(time.Time, int64, int)                            {}
func (backendListener) RetryFinished(time.Time, int64, int, portcullis.RetryResult) {}

// TestAddRemoveRoundTrip verifies add-then-remove by value removes exactly one
// registration and leaves the registry size unchanged.
func TestAddRemoveRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	listener := &recordListener{}

	before := len(backend.listeners)

	require.Nil(session.AddRetryListener(listener))
	assert.Len(backend.listeners, before+1)

	removed, err := session.RemoveRetryListener(listener)
	require.Nil(err)
	assert.True(removed)
	assert.Len(backend.listeners, before)

	// A second remove finds nothing.
	removed, err = session.RemoveRetryListener(listener)
	require.Nil(err)
	assert.False(removed)
}

// TestRetryNotificationMapping verifies backend retry events reach the
// caller's listener with outcomes mapped by symbolic name.
func TestRetryNotificationMapping(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	listener := &recordListener{}
	require.Nil(session.AddRetryListener(listener))

	start := time.Now()
	backend.fireRetry(start, 7, 1, portcullis.ResultRunAgain)
	backend.fireRetry(start, 7, 2, portcullis.ResultRetryOK)
	backend.fireRetry(start, 8, 1, portcullis.ResultRetryCancelled)

	assert.Equal([]int{1, 2, 1}, listener.started)
	assert.Equal([]portcullis.RetryOutcome{
		portcullis.RunAgain,
		portcullis.RetryOK,
		portcullis.RetryCancelled,
	}, listener.finished)
}

// TestRetryListenersFiltersForeignRegistrations verifies listing unwraps the
// session's own registrations and skips anything registered directly with the
// backend.
func TestRetryListenersFiltersForeignRegistrations(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	first := &recordListener{}
	second := &recordListener{}

	require.Nil(session.AddRetryListener(first))
	backend.AddTransactionRetryListener(backendListener{})
	require.Nil(session.AddRetryListener(second))

	seq, err := session.RetryListeners()
	require.Nil(err)

	var listeners []portcullis.RetryListener
	for listener := range seq {
		listeners = append(listeners, listener)
	}

	require.Len(listeners, 2)
	assert.Same(first, listeners[0].(*recordListener))
	assert.Same(second, listeners[1].(*recordListener))
}

// TestRetryListenersLazy verifies the sequence can be abandoned early.
func TestRetryListenersLazy(t *testing.T) {
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	require.Nil(session.AddRetryListener(&recordListener{}))
	require.Nil(session.AddRetryListener(&recordListener{}))

	seq, err := session.RetryListeners()
	require.Nil(err)

	count := 0
	for range seq {
		count++
		break
	}

	require.Equal(1, count)
}

// TestNilRetryListener verifies nil listeners are rejected locally.
func TestNilRetryListener(t *testing.T) {
	assert := assert.New(t)

	session := portcullis.New(newFakeBackend())

	err := session.AddRetryListener(nil)
	assert.True(portcullis.IsUsage(err))

	_, err = session.RemoveRetryListener(nil)
	assert.True(portcullis.IsUsage(err))
}
