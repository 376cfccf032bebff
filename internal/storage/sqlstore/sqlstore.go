// Package sqlstore is a storage backend on a single sqlite database. Message
// bodies are deduplicated by content hash and may be kept in an external
// blob store instead of the database.
package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"kestrel/internal/auth"
	"kestrel/internal/blobstorage"
	"kestrel/internal/storage"
)

// Store implements storage.Backend and auth.Authenticator.
type Store struct {
	db    *sql.DB
	blobs blobstorage.Store // nil keeps bodies in the blobs table
	now   func() time.Time
}

var (
	_ storage.Backend    = (*Store)(nil)
	_ auth.Authenticator = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithBlobStore keeps message bodies in b.
func WithBlobStore(b blobstorage.Store) Option {
	return func(s *Store) {
		s.blobs = b
	}
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %s", pragma)
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction. With a single connection, fn must only
// use tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// ===== Users =====

// AddUser creates username or replaces its password.
func (s *Store) AddUser(ctx context.Context, username, password string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, password_hash) VALUES (?, ?)
			ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash
		`, username, string(hash))
		if err != nil {
			return errors.Wrapf(err, "save user %s", username)
		}
		_, err = s.ensureUser(ctx, tx, username)
		return err
	})
}

// Authenticate checks password against the stored hash. Users that were
// only ever seen through other authenticators have no password and are
// rejected.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows || (err == nil && !hash.Valid) {
		return "", auth.ErrInvalidCredentials
	}
	if err != nil {
		return "", errors.Wrap(auth.ErrUnavailable, err.Error())
	}
	if bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)) != nil {
		return "", auth.ErrInvalidCredentials
	}
	return username, nil
}

// ensureUser returns the user's id, creating the user and its INBOX on
// first use.
func (s *Store) ensureUser(ctx context.Context, q querier, username string) (int64, error) {
	if _, err := q.ExecContext(ctx, "INSERT OR IGNORE INTO users (username) VALUES (?)", username); err != nil {
		return 0, errors.Wrapf(err, "create user %s", username)
	}
	var id int64
	if err := q.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "look up user %s", username)
	}

	var exists int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes WHERE user_id = ? AND name = 'INBOX'", id).Scan(&exists)
	if err != nil {
		return 0, errors.Wrap(err, "look up INBOX")
	}
	if exists == 0 {
		if err := s.insertMailbox(ctx, q, id, "INBOX"); err != nil {
			return 0, err
		}
	}
	return id, nil
}
