// Package state is the SessionStore: persisted credential material per
// identity, kept in a bbolt database. It performs no network I/O.
package state

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	saltLen = 16
)

var (
	appBucket         = []byte("app")
	credentialsBucket = []byte("credentials")
	currentSubjectKey = []byte("current_subject")
	saltKey           = []byte("salt")
)

// State wraps a bbolt database holding session credentials.
type State struct {
	db     *bolt.DB
	sealer *sealer
	now    func() time.Time
}

// Load opens the state database at ~/.chatsync/state.db, creating it if
// it does not exist. A non-empty passphrase enables encryption at rest.
func Load(passphrase string) (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, passphrase)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path, passphrase string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		app, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(credentialsBucket); err != nil {
			return err
		}

		if v := app.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}

		return app.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db, now: time.Now}

	if passphrase != "" {
		sl, err := newSealer(passphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}

		s.sealer = sl
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Subject returns the identity of the current session, or "".
func (s *State) Subject() string {
	var subject string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(currentSubjectKey); v != nil {
			subject = string(v)
		}

		return nil
	})

	return subject
}

// Credential returns the credential of the current session, or nil when
// nobody is signed in.
func (s *State) Credential() (*models.Credential, error) {
	subject := s.Subject()
	if subject == "" {
		return nil, nil
	}

	return s.CredentialFor(subject)
}

// CredentialFor returns the stored credential for subject, or nil.
func (s *State) CredentialFor(subject string) (*models.Credential, error) {
	var cred *models.Credential

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialsBucket).Get([]byte(subject))
		if v == nil {
			return nil
		}

		plain, err := s.open(v)
		if err != nil {
			return err
		}

		var c models.Credential
		if err := json.Unmarshal(plain, &c); err != nil {
			return fmt.Errorf("decoding credential: %w", err)
		}

		cred = &c

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}

	return cred, nil
}

// SetCredential persists c for its subject and makes it the current
// session. The credential must carry both tokens and expire in the
// future.
func (s *State) SetCredential(c models.Credential) error {
	if c.SubjectID == "" {
		return fmt.Errorf("%w: missing subject", apperrors.ErrInvalidCredential)
	}

	if !c.Valid(s.now()) {
		return fmt.Errorf("%w: tokens missing or already expired", apperrors.ErrInvalidCredential)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	sealed, err := s.seal(data)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(credentialsBucket).Put([]byte(c.SubjectID), sealed); err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(currentSubjectKey, []byte(c.SubjectID))
	})
}

// ClearCredential removes the current session (sign-out). It is a no-op
// when nobody is signed in.
func (s *State) ClearCredential() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)

		v := app.Get(currentSubjectKey)
		if v == nil {
			return nil
		}

		if err := tx.Bucket(credentialsBucket).Delete(v); err != nil {
			return err
		}

		return app.Delete(currentSubjectKey)
	})
}

// Encrypted reports whether credentials are sealed at rest.
func (s *State) Encrypted() bool {
	return s.sealer != nil
}

func (s *State) seal(plain []byte) ([]byte, error) {
	if s.sealer == nil {
		return plain, nil
	}

	return s.sealer.seal(plain)
}

func (s *State) open(stored []byte) ([]byte, error) {
	if s.sealer == nil {
		return stored, nil
	}

	return s.sealer.open(stored)
}

// DefaultPath returns ~/.chatsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chatsync", "state.db"), nil
}
