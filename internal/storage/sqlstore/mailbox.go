package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"kestrel/internal/storage"
)

type mailboxRow struct {
	id          int64
	uidValidity uint32
	uidNext     uint32
}

// nextUIDValidity returns a validity larger than any handed out before and
// records it, so a recreated name never reuses one. The counter outlives the
// mailbox rows; databases created before it existed are floored by the rows
// still present.
func (s *Store) nextUIDValidity(ctx context.Context, q querier) (uint32, error) {
	var last int64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT last FROM uid_validity_seq WHERE id = 1), 0),
			COALESCE((SELECT MAX(uid_validity) FROM mailboxes), 0)
		)
	`).Scan(&last)
	if err != nil {
		return 0, errors.Wrap(err, "read uid validity")
	}
	v := uint32(s.now().Unix())
	if int64(v) <= last {
		v = uint32(last + 1)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO uid_validity_seq (id, last) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last = excluded.last
	`, v)
	if err != nil {
		return 0, errors.Wrap(err, "record uid validity")
	}
	return v, nil
}

func (s *Store) insertMailbox(ctx context.Context, q querier, userID int64, name string) error {
	validity, err := s.nextUIDValidity(ctx, q)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO mailboxes (user_id, name, uid_validity, uid_next)
		VALUES (?, ?, ?, 1)
	`, userID, name, validity)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrMailboxExists, "mailbox %q", name)
	}
	return errors.Wrapf(err, "insert mailbox %q", name)
}

func (s *Store) lookupMailbox(ctx context.Context, q querier, user, name string) (*mailboxRow, error) {
	userID, err := s.ensureUser(ctx, q, user)
	if err != nil {
		return nil, err
	}
	mb := &mailboxRow{}
	err = q.QueryRowContext(ctx, `
		SELECT id, uid_validity, uid_next FROM mailboxes WHERE user_id = ? AND name = ?
	`, userID, storage.CanonicalName(name)).Scan(&mb.id, &mb.uidValidity, &mb.uidNext)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(storage.ErrNoSuchMailbox, "mailbox %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "look up mailbox %q", name)
	}
	return mb, nil
}

func (s *Store) mailboxNames(ctx context.Context, q querier, userID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM mailboxes WHERE user_id = ?", userID)
	if err != nil {
		return nil, errors.Wrap(err, "list mailboxes")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan mailbox")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "list mailboxes")
}

func (s *Store) ListMailboxes(ctx context.Context, user string) ([]storage.MailboxInfo, error) {
	userID, err := s.ensureUser(ctx, s.db, user)
	if err != nil {
		return nil, err
	}
	names, err := s.mailboxNames(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == "INBOX" || names[j] == "INBOX" {
			return names[i] == "INBOX"
		}
		return names[i] < names[j]
	})

	infos := make([]storage.MailboxInfo, 0, len(names))
	for _, name := range names {
		attr := `\HasNoChildren`
		prefix := name + storage.Delimiter
		for _, other := range names {
			if strings.HasPrefix(other, prefix) {
				attr = `\HasChildren`
				break
			}
		}
		infos = append(infos, storage.MailboxInfo{Name: name, Attributes: []string{attr}})
	}
	return infos, nil
}

func (s *Store) CreateMailbox(ctx context.Context, user, name string) error {
	name = storage.CanonicalName(strings.TrimSuffix(name, storage.Delimiter))
	if name == "" {
		return errors.Wrap(storage.ErrNotPermitted, "empty mailbox name")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		userID, err := s.ensureUser(ctx, tx, user)
		if err != nil {
			return err
		}
		return s.insertMailbox(ctx, tx, userID, name)
	})
}

func (s *Store) DeleteMailbox(ctx context.Context, user, name string) error {
	name = storage.CanonicalName(name)
	if name == "INBOX" {
		return errors.Wrap(storage.ErrNotPermitted, "cannot delete INBOX")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mb, err := s.lookupMailbox(ctx, tx, user, name)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM mailboxes WHERE id = ?", mb.id)
		return errors.Wrapf(err, "delete mailbox %q", name)
	})
	if err != nil {
		return err
	}
	return s.collectBlobs(ctx)
}

func (s *Store) RenameMailbox(ctx context.Context, user, oldName, newName string) error {
	oldName = storage.CanonicalName(oldName)
	newName = storage.CanonicalName(strings.TrimSuffix(newName, storage.Delimiter))
	if newName == "INBOX" || newName == "" {
		return errors.Wrap(storage.ErrNotPermitted, "invalid rename target")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		src, err := s.lookupMailbox(ctx, tx, user, oldName)
		if err != nil {
			return err
		}
		userID, err := s.ensureUser(ctx, tx, user)
		if err != nil {
			return err
		}
		names, err := s.mailboxNames(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, n := range names {
			if n == newName {
				return errors.Wrapf(storage.ErrMailboxExists, "mailbox %q", newName)
			}
		}

		if oldName == "INBOX" {
			return s.moveInbox(ctx, tx, userID, src, newName)
		}

		prefix := oldName + storage.Delimiter
		for _, n := range names {
			if !strings.HasPrefix(n, prefix) {
				continue
			}
			renamed := newName + storage.Delimiter + strings.TrimPrefix(n, prefix)
			if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET name = ? WHERE user_id = ? AND name = ?", renamed, userID, n); err != nil {
				return errors.Wrapf(err, "rename mailbox %q", n)
			}
		}
		_, err = tx.ExecContext(ctx, "UPDATE mailboxes SET name = ? WHERE id = ?", newName, src.id)
		return errors.Wrapf(err, "rename mailbox %q", oldName)
	})
}

// moveInbox carries INBOX's messages into a new mailbox, renumbering them
// from UID 1. INBOX itself stays, empty.
func (s *Store) moveInbox(ctx context.Context, tx *sql.Tx, userID int64, inbox *mailboxRow, newName string) error {
	if err := s.insertMailbox(ctx, tx, userID, newName); err != nil {
		return err
	}
	var destID int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM mailboxes WHERE user_id = ? AND name = ?", userID, newName).Scan(&destID); err != nil {
		return errors.Wrapf(err, "look up mailbox %q", newName)
	}

	rows, err := loadMessages(ctx, tx, inbox.id)
	if err != nil {
		return err
	}
	for i, r := range rows {
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET mailbox_id = ?, uid = ? WHERE id = ?", destID, i+1, r.id); err != nil {
			return errors.Wrap(err, "move message")
		}
	}
	_, err = tx.ExecContext(ctx, "UPDATE mailboxes SET uid_next = ? WHERE id = ?", len(rows)+1, destID)
	return errors.Wrap(err, "update uid next")
}
