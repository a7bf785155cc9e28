package portcullis_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbowman/portcullis"
)

// TestNamedSavepoint verifies savepoints register with the backend
// immediately and that rollback and release forward by name.
func TestNamedSavepoint(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	require.Nil(session.SetAutocommit(ctx, false))

	sp, err := session.NamedSavepoint("s1")
	require.Nil(err)
	require.NotNil(sp)
	assert.Equal("s1", sp.Name())
	assert.Equal([]string{"s1"}, backend.savepoints)

	require.Nil(session.RollbackTo(sp))
	assert.Equal([]string{"s1"}, backend.rollbacks)

	require.Nil(session.Release(sp))
	assert.Equal([]string{"s1"}, backend.releases)
}

// TestSavepointRegistrationFailure verifies no savepoint object escapes when
// the backend rejects the registration.
func TestSavepointRegistrationFailure(t *testing.T) {
	assert := assert.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	// Autocommit mode: the fake rejects savepoints outside a transaction.
	sp, err := session.NamedSavepoint("s1")
	assert.Nil(sp)
	assert.True(portcullis.IsBackend(err))
	assert.Empty(backend.savepoints)
}

// TestSavepointNameCollision verifies a duplicate name is a backend error and
// yields no savepoint.
func TestSavepointNameCollision(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	require.Nil(session.SetAutocommit(ctx, false))

	_, err := session.NamedSavepoint("s1")
	require.Nil(err)

	sp, err := session.NamedSavepoint("s1")
	assert.Nil(sp)
	assert.True(portcullis.IsBackend(err))
}

// TestAnonymousSavepoints verifies generated names are unique and register
// like named ones.
func TestAnonymousSavepoints(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	require.Nil(session.SetAutocommit(ctx, false))

	first, err := session.Savepoint()
	require.Nil(err)

	second, err := session.Savepoint()
	require.Nil(err)

	assert.NotEqual(first.Name(), second.Name())
	assert.True(strings.HasPrefix(first.Name(), "sp_"))
	assert.Len(backend.savepoints, 2)
}

// TestForeignSavepoint verifies a savepoint from another session is rejected
// as caller misuse before the backend is ever involved.
func TestForeignSavepoint(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	backend := newFakeBackend()
	session := portcullis.New(backend)

	other := portcullis.New(newFakeBackend())
	require.Nil(other.SetAutocommit(ctx, false))

	foreign, err := other.NamedSavepoint("s1")
	require.Nil(err)

	require.Nil(session.SetAutocommit(ctx, false))

	err = session.RollbackTo(foreign)
	assert.True(portcullis.IsUsage(err))
	assert.False(portcullis.IsBackend(err))
	assert.Empty(backend.rollbacks)

	err = session.Release(foreign)
	assert.True(portcullis.IsUsage(err))

	err = session.RollbackTo(nil)
	assert.True(portcullis.IsUsage(err))
}

// TestEmptySavepointName verifies the empty name is rejected locally.
func TestEmptySavepointName(t *testing.T) {
	assert := assert.New(t)

	session := portcullis.New(newFakeBackend())

	sp, err := session.NamedSavepoint("")
	assert.Nil(sp)
	assert.True(portcullis.IsUsage(err))
}
