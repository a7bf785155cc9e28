package portcullis

import (
	"strings"

	"github.com/google/uuid"
)

// Savepoint is a replay marker in the pending transaction.  The backend does
// not have native rollback points; rolling back to a savepoint asks the
// backend to rewind and replay the transaction up to the marker.  Savepoints
// do not survive the end of their transaction.
//
// Savepoints are only valid on the session that created them.  Handing one to
// another session is a usage error.
type Savepoint struct {
	session   *Session
	name      string
	anonymous bool
}

// Name returns the savepoint's name.  For anonymous savepoints this is the
// generated unique token.
func (sp *Savepoint) Name() string {
	return sp.name
}

// anonymousName generates a unique backend-safe identifier for an unnamed
// savepoint.
func anonymousName() string {
	return "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Savepoint registers an anonymous savepoint with a generated unique name in
// the pending transaction.  If the backend rejects the registration, no
// savepoint is returned.
func (s *Session) Savepoint() (*Savepoint, error) {
	return s.savepoint(anonymousName(), true)
}

// NamedSavepoint registers a savepoint under the caller's name in the pending
// transaction.  If the backend rejects the registration, for example because
// no transaction is active or the name collides, no savepoint is returned.
func (s *Session) NamedSavepoint(name string) (*Savepoint, error) {
	if name == "" {
		return nil, usagef("savepoint name must not be empty")
	}

	return s.savepoint(name, false)
}

func (s *Session) savepoint(name string, anonymous bool) (*Savepoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if err := s.backend.Savepoint(name); err != nil {
		return nil, backendErr(err)
	}

	return &Savepoint{session: s, name: name, anonymous: anonymous}, nil
}

// RollbackTo rewinds the pending transaction to the given savepoint.  The
// backend replays the transaction's statements up to the marker; the session
// only validates provenance and forwards the name.
func (s *Session) RollbackTo(sp *Savepoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.checkSavepoint(sp); err != nil {
		return err
	}

	return backendErr(s.backend.RollbackToSavepoint(sp.name))
}

// Release discards the given savepoint without rolling back to it.
func (s *Session) Release(sp *Savepoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.checkSavepoint(sp); err != nil {
		return err
	}

	return backendErr(s.backend.ReleaseSavepoint(sp.name))
}

// checkSavepoint rejects savepoints this session did not create.  A foreign
// savepoint is caller misuse, not a backend failure.
func (s *Session) checkSavepoint(sp *Savepoint) error {
	if sp == nil {
		return usagef("savepoint must not be nil")
	}

	if sp.session != s {
		return usagef("savepoint %q belongs to another session", sp.name)
	}

	return nil
}

// SetSavepointSupport configures whether the backend accepts savepoints, and
// what it allows after a rollback to one.
func (s *Session) SetSavepointSupport(support SavepointSupport) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return backendErr(s.backend.SetSavepointSupport(support))
}

// SavepointSupport returns the backend's savepoint support level.
func (s *Session) SavepointSupport() (SavepointSupport, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	return s.backend.SavepointSupport(), nil
}
