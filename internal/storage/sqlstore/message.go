package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"kestrel/internal/blobstorage"
	"kestrel/internal/models"
	"kestrel/internal/storage"
)

type messageRow struct {
	id    int64
	uid   uint32
	flags []string
	date  time.Time
	size  uint32
	blob  string
}

func (r *messageRow) hasFlag(flag string) bool {
	for _, f := range r.flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func joinFlags(flags []string) string {
	return strings.Join(flags, " ")
}

// loadMessages returns the mailbox's messages in UID order, which is also
// sequence number order.
func loadMessages(ctx context.Context, q querier, mailboxID int64) ([]messageRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, uid, flags, internal_date, size, blob_hash
		FROM messages WHERE mailbox_id = ? ORDER BY uid
	`, mailboxID)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []messageRow
	for rows.Next() {
		var r messageRow
		var flags string
		var date int64
		if err := rows.Scan(&r.id, &r.uid, &flags, &date, &r.size, &r.blob); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		r.flags = strings.Fields(flags)
		r.date = time.Unix(date, 0).UTC()
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query messages")
}

// selectRows returns the indexes of the rows matched by sel.
func selectRows(rows []messageRow, sel storage.Selector) []int {
	var idx []int
	if len(rows) == 0 {
		return idx
	}
	maxSeq := uint32(len(rows))
	maxUID := rows[len(rows)-1].uid
	for i, r := range rows {
		if sel.UID {
			if sel.Set.Contains(r.uid, maxUID) {
				idx = append(idx, i)
			}
		} else if sel.Set.Contains(uint32(i+1), maxSeq) {
			idx = append(idx, i)
		}
	}
	return idx
}

func (r *messageRow) view(i int) storage.Message {
	return storage.Message{
		SeqNum:       uint32(i + 1),
		UID:          r.uid,
		Flags:        append([]string(nil), r.flags...),
		InternalDate: r.date,
		Size:         r.size,
	}
}

func summarize(name string, mb *mailboxRow, rows []messageRow) *storage.MailboxStatus {
	st := &storage.MailboxStatus{
		Name:        name,
		Messages:    uint32(len(rows)),
		UIDValidity: mb.uidValidity,
		UIDNext:     mb.uidNext,
	}
	for i := range rows {
		if rows[i].hasFlag(storage.FlagRecent) {
			st.Recent++
		}
		if !rows[i].hasFlag(storage.FlagSeen) {
			st.Unseen++
			if st.FirstUnseen == 0 {
				st.FirstUnseen = uint32(i + 1)
			}
		}
	}
	return st
}

func (s *Store) Status(ctx context.Context, user, name string) (*storage.MailboxStatus, error) {
	mb, err := s.lookupMailbox(ctx, s.db, user, name)
	if err != nil {
		return nil, err
	}
	rows, err := loadMessages(ctx, s.db, mb.id)
	if err != nil {
		return nil, err
	}
	return summarize(storage.CanonicalName(name), mb, rows), nil
}

func (s *Store) OpenMailbox(ctx context.Context, user, name string, readOnly bool) (*storage.MailboxStatus, error) {
	var st *storage.MailboxStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mb, err := s.lookupMailbox(ctx, tx, user, name)
		if err != nil {
			return err
		}
		rows, err := loadMessages(ctx, tx, mb.id)
		if err != nil {
			return err
		}
		st = summarize(storage.CanonicalName(name), mb, rows)
		if readOnly {
			return nil
		}

		for i := range rows {
			if !rows[i].hasFlag(storage.FlagRecent) {
				continue
			}
			var kept []string
			for _, f := range rows[i].flags {
				if !strings.EqualFold(f, storage.FlagRecent) {
					kept = append(kept, f)
				}
			}
			if _, err := tx.ExecContext(ctx, "UPDATE messages SET flags = ? WHERE id = ?", joinFlags(kept), rows[i].id); err != nil {
				return errors.Wrap(err, "clear recent")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) FetchMessages(ctx context.Context, user, name string, sel storage.Selector, withBody bool) ([]storage.Message, error) {
	mb, err := s.lookupMailbox(ctx, s.db, user, name)
	if err != nil {
		return nil, err
	}
	rows, err := loadMessages(ctx, s.db, mb.id)
	if err != nil {
		return nil, err
	}

	var out []storage.Message
	for _, i := range selectRows(rows, sel) {
		m := rows[i].view(i)
		if withBody {
			if m.Body, err = s.readBody(ctx, rows[i].blob); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) StoreFlags(ctx context.Context, user, name string, sel storage.Selector, op storage.FlagOp, flags []string) ([]storage.Message, error) {
	var out []storage.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mb, err := s.lookupMailbox(ctx, tx, user, name)
		if err != nil {
			return err
		}
		rows, err := loadMessages(ctx, tx, mb.id)
		if err != nil {
			return err
		}
		for _, i := range selectRows(rows, sel) {
			rows[i].flags = storage.ApplyFlags(rows[i].flags, op, flags)
			if _, err := tx.ExecContext(ctx, "UPDATE messages SET flags = ? WHERE id = ?", joinFlags(rows[i].flags), rows[i].id); err != nil {
				return errors.Wrapf(err, "store flags on uid %d", rows[i].uid)
			}
			out = append(out, rows[i].view(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Expunge(ctx context.Context, user, name string, uids models.SeqSet) ([]uint32, error) {
	var expunged []uint32
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mb, err := s.lookupMailbox(ctx, tx, user, name)
		if err != nil {
			return err
		}
		rows, err := loadMessages(ctx, tx, mb.id)
		if err != nil {
			return err
		}

		var maxUID uint32
		if n := len(rows); n > 0 {
			maxUID = rows[n-1].uid
		}
		for i, r := range rows {
			if !r.hasFlag(storage.FlagDeleted) || (uids != nil && !uids.Contains(r.uid, maxUID)) {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", r.id); err != nil {
				return errors.Wrapf(err, "expunge uid %d", r.uid)
			}
			expunged = append(expunged, uint32(i+1))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// highest first, so earlier reports do not shift later ones
	sort.Slice(expunged, func(i, j int) bool { return expunged[i] > expunged[j] })
	if len(expunged) > 0 {
		if err := s.collectBlobs(ctx); err != nil {
			return nil, err
		}
	}
	return expunged, nil
}

func (s *Store) AppendMessage(ctx context.Context, user, name string, flags []string, date time.Time, body []byte) (*storage.AppendResult, error) {
	if date.IsZero() {
		date = s.now()
	}
	hash, err := s.writeBody(ctx, body)
	if err != nil {
		return nil, err
	}

	var res *storage.AppendResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.recordBlob(ctx, tx, hash, body); err != nil {
			return err
		}
		mb, err := s.lookupMailbox(ctx, tx, user, name)
		if err != nil {
			return err
		}
		stored := storage.ApplyFlags([]string{storage.FlagRecent}, storage.FlagsAdd, flags)
		if err := insertMessage(ctx, tx, mb, stored, date, uint32(len(body)), hash); err != nil {
			return err
		}
		res = &storage.AppendResult{UIDValidity: mb.uidValidity, UID: mb.uidNext}
		_, err = tx.ExecContext(ctx, "UPDATE mailboxes SET uid_next = ? WHERE id = ?", mb.uidNext+1, mb.id)
		return errors.Wrap(err, "update uid next")
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, mb *mailboxRow, flags []string, date time.Time, size uint32, hash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (mailbox_id, uid, flags, internal_date, size, blob_hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mb.id, mb.uidNext, joinFlags(flags), date.Unix(), size, hash)
	return errors.Wrapf(err, "insert message uid %d", mb.uidNext)
}

func (s *Store) CopyMessages(ctx context.Context, user, src string, sel storage.Selector, dest string) (*storage.CopyResult, error) {
	var res *storage.CopyResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from, err := s.lookupMailbox(ctx, tx, user, src)
		if err != nil {
			return err
		}
		to, err := s.lookupMailbox(ctx, tx, user, dest)
		if err != nil {
			return err
		}
		rows, err := loadMessages(ctx, tx, from.id)
		if err != nil {
			return err
		}

		res = &storage.CopyResult{UIDValidity: to.uidValidity}
		for _, i := range selectRows(rows, sel) {
			r := rows[i]
			flags := storage.ApplyFlags([]string{storage.FlagRecent}, storage.FlagsAdd, r.flags)
			if err := insertMessage(ctx, tx, to, flags, r.date, r.size, r.blob); err != nil {
				return err
			}
			res.SourceUIDs = append(res.SourceUIDs, r.uid)
			res.DestUIDs = append(res.DestUIDs, to.uidNext)
			to.uidNext++
		}
		_, err = tx.ExecContext(ctx, "UPDATE mailboxes SET uid_next = ? WHERE id = ?", to.uidNext, to.id)
		return errors.Wrap(err, "update uid next")
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ===== Bodies =====

// writeBody stores body in the external blob store, if any, and returns its
// content hash.
func (s *Store) writeBody(ctx context.Context, body []byte) (string, error) {
	if s.blobs == nil {
		return blobstorage.Key(body), nil
	}
	key, err := s.blobs.Put(ctx, body)
	return key, errors.Wrap(err, "store body")
}

func (s *Store) recordBlob(ctx context.Context, tx *sql.Tx, hash string, body []byte) error {
	var content interface{}
	if s.blobs == nil {
		content = body
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs (sha256_hash, size, content) VALUES (?, ?, ?)
	`, hash, len(body), content)
	return errors.Wrap(err, "record blob")
}

func (s *Store) readBody(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, "SELECT content FROM blobs WHERE sha256_hash = ?", hash).Scan(&content)
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %s", hash)
	}
	if content != nil || s.blobs == nil {
		return content, nil
	}
	body, err := s.blobs.Get(ctx, hash)
	return body, errors.Wrap(err, "fetch body")
}

// collectBlobs drops bodies no message refers to any more.
func (s *Store) collectBlobs(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sha256_hash, content IS NULL FROM blobs
		WHERE sha256_hash NOT IN (SELECT blob_hash FROM messages)
	`)
	if err != nil {
		return errors.Wrap(err, "find unused blobs")
	}
	type orphan struct {
		hash     string
		external bool
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.hash, &o.external); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan blob")
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "find unused blobs")
	}

	for _, o := range orphans {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE sha256_hash = ?", o.hash); err != nil {
			return errors.Wrapf(err, "delete blob %s", o.hash)
		}
		if o.external && s.blobs != nil {
			if err := s.blobs.Delete(ctx, o.hash); err != nil {
				return err
			}
		}
	}
	return nil
}
