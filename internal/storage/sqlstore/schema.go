package sqlstore

import (
	"database/sql"

	"github.com/pkg/errors"
)

func createUsersTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createMailboxesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailboxes (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		uid_validity INTEGER NOT NULL,
		uid_next INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		UNIQUE(user_id, name)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// uid_validity_seq holds the last UIDVALIDITY handed out, in a single row.
func createUIDValiditySeqTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS uid_validity_seq (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// blobs holds message bodies by content hash. content is NULL when the body
// lives in the external blob store.
func createBlobsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		sha256_hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		content BLOB
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createMessagesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		mailbox_id INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		flags TEXT NOT NULL DEFAULT '',
		internal_date INTEGER NOT NULL,
		size INTEGER NOT NULL,
		blob_hash TEXT NOT NULL,
		FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE,
		FOREIGN KEY (blob_hash) REFERENCES blobs(sha256_hash),
		UNIQUE(mailbox_id, uid)
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createIndexes(db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_mailboxes_user ON mailboxes(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_uid ON messages(mailbox_id, uid)",
		"CREATE INDEX IF NOT EXISTS idx_messages_blob ON messages(blob_hash)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	steps := []struct {
		table  string
		create func(*sql.DB) error
	}{
		{"users", createUsersTable},
		{"mailboxes", createMailboxesTable},
		{"uid_validity_seq", createUIDValiditySeqTable},
		{"blobs", createBlobsTable},
		{"messages", createMessagesTable},
	}
	for _, step := range steps {
		if err := step.create(db); err != nil {
			return errors.Wrapf(err, "create %s table", step.table)
		}
	}
	return createIndexes(db)
}
