// Package memstore is an in-memory storage backend. Every user gets an
// INBOX on first use.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"kestrel/internal/models"
	"kestrel/internal/storage"
)

type message struct {
	uid   uint32
	flags []string
	date  time.Time
	body  []byte
}

type mailbox struct {
	uidValidity uint32
	uidNext     uint32
	messages    []*message
}

// Store keeps every user's mailboxes in memory.
type Store struct {
	mu           sync.Mutex
	users        map[string]map[string]*mailbox
	nextValidity uint32
	now          func() time.Time
}

var _ storage.Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		users:        make(map[string]map[string]*mailbox),
		nextValidity: 1,
		now:          time.Now,
	}
}

func (s *Store) newMailbox() *mailbox {
	mb := &mailbox{uidValidity: s.nextValidity, uidNext: 1}
	s.nextValidity++
	return mb
}

// mailboxesLocked returns the user's mailboxes, creating INBOX if needed.
// The caller must hold the write lock.
func (s *Store) mailboxesLocked(user string) map[string]*mailbox {
	mbs, ok := s.users[user]
	if !ok {
		mbs = map[string]*mailbox{"INBOX": s.newMailbox()}
		s.users[user] = mbs
	}
	return mbs
}

func (s *Store) lookup(user, name string) (*mailbox, error) {
	mb, ok := s.mailboxesLocked(user)[storage.CanonicalName(name)]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNoSuchMailbox, "mailbox %q", name)
	}
	return mb, nil
}

func (s *Store) ListMailboxes(ctx context.Context, user string) ([]storage.MailboxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbs := s.mailboxesLocked(user)
	names := make([]string, 0, len(mbs))
	for name := range mbs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == "INBOX" || names[j] == "INBOX" {
			return names[i] == "INBOX"
		}
		return names[i] < names[j]
	})

	infos := make([]storage.MailboxInfo, 0, len(names))
	for _, name := range names {
		var attrs []string
		if hasChildren(mbs, name) {
			attrs = append(attrs, `\HasChildren`)
		} else {
			attrs = append(attrs, `\HasNoChildren`)
		}
		infos = append(infos, storage.MailboxInfo{Name: name, Attributes: attrs})
	}
	return infos, nil
}

func hasChildren(mbs map[string]*mailbox, name string) bool {
	prefix := name + storage.Delimiter
	for other := range mbs {
		if strings.HasPrefix(other, prefix) {
			return true
		}
	}
	return false
}

func (s *Store) CreateMailbox(ctx context.Context, user, name string) error {
	name = storage.CanonicalName(strings.TrimSuffix(name, storage.Delimiter))
	if name == "" {
		return errors.Wrap(storage.ErrNotPermitted, "empty mailbox name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mbs := s.mailboxesLocked(user)
	if _, ok := mbs[name]; ok {
		return errors.Wrapf(storage.ErrMailboxExists, "mailbox %q", name)
	}
	mbs[name] = s.newMailbox()
	return nil
}

func (s *Store) DeleteMailbox(ctx context.Context, user, name string) error {
	name = storage.CanonicalName(name)
	if name == "INBOX" {
		return errors.Wrap(storage.ErrNotPermitted, "cannot delete INBOX")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mbs := s.mailboxesLocked(user)
	if _, ok := mbs[name]; !ok {
		return errors.Wrapf(storage.ErrNoSuchMailbox, "mailbox %q", name)
	}
	delete(mbs, name)
	return nil
}

func (s *Store) RenameMailbox(ctx context.Context, user, oldName, newName string) error {
	oldName = storage.CanonicalName(oldName)
	newName = storage.CanonicalName(strings.TrimSuffix(newName, storage.Delimiter))
	if newName == "INBOX" || newName == "" {
		return errors.Wrap(storage.ErrNotPermitted, "invalid rename target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mbs := s.mailboxesLocked(user)
	src, ok := mbs[oldName]
	if !ok {
		return errors.Wrapf(storage.ErrNoSuchMailbox, "mailbox %q", oldName)
	}
	if _, exists := mbs[newName]; exists {
		return errors.Wrapf(storage.ErrMailboxExists, "mailbox %q", newName)
	}

	if oldName == "INBOX" {
		moved := s.newMailbox()
		for _, m := range src.messages {
			m.uid = moved.uidNext
			moved.uidNext++
			moved.messages = append(moved.messages, m)
		}
		src.messages = nil
		mbs[newName] = moved
		return nil
	}

	prefix := oldName + storage.Delimiter
	for name, mb := range mbs {
		if strings.HasPrefix(name, prefix) {
			delete(mbs, name)
			mbs[newName+storage.Delimiter+strings.TrimPrefix(name, prefix)] = mb
		}
	}
	delete(mbs, oldName)
	mbs[newName] = src
	return nil
}

func status(name string, mb *mailbox) *storage.MailboxStatus {
	st := &storage.MailboxStatus{
		Name:        name,
		Messages:    uint32(len(mb.messages)),
		UIDValidity: mb.uidValidity,
		UIDNext:     mb.uidNext,
	}
	for i, m := range mb.messages {
		if hasFlag(m.flags, storage.FlagRecent) {
			st.Recent++
		}
		if !hasFlag(m.flags, storage.FlagSeen) {
			st.Unseen++
			if st.FirstUnseen == 0 {
				st.FirstUnseen = uint32(i + 1)
			}
		}
	}
	return st
}

func (s *Store) Status(ctx context.Context, user, name string) (*storage.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.lookup(user, name)
	if err != nil {
		return nil, err
	}
	return status(storage.CanonicalName(name), mb), nil
}

func (s *Store) OpenMailbox(ctx context.Context, user, name string, readOnly bool) (*storage.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.lookup(user, name)
	if err != nil {
		return nil, err
	}
	st := status(storage.CanonicalName(name), mb)
	if !readOnly {
		for _, m := range mb.messages {
			m.flags = removeFlag(m.flags, storage.FlagRecent)
		}
	}
	return st, nil
}

// selected returns the indexes of the messages matched by sel.
func selected(mb *mailbox, sel storage.Selector) []int {
	var idx []int
	if len(mb.messages) == 0 {
		return idx
	}
	maxSeq := uint32(len(mb.messages))
	maxUID := mb.messages[len(mb.messages)-1].uid
	for i, m := range mb.messages {
		if sel.UID {
			if sel.Set.Contains(m.uid, maxUID) {
				idx = append(idx, i)
			}
		} else if sel.Set.Contains(uint32(i+1), maxSeq) {
			idx = append(idx, i)
		}
	}
	return idx
}

func view(i int, m *message, withBody bool) storage.Message {
	out := storage.Message{
		SeqNum:       uint32(i + 1),
		UID:          m.uid,
		Flags:        append([]string(nil), m.flags...),
		InternalDate: m.date,
		Size:         uint32(len(m.body)),
	}
	if withBody {
		out.Body = append([]byte(nil), m.body...)
	}
	return out
}

func (s *Store) FetchMessages(ctx context.Context, user, name string, sel storage.Selector, withBody bool) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.lookup(user, name)
	if err != nil {
		return nil, err
	}
	var out []storage.Message
	for _, i := range selected(mb, sel) {
		out = append(out, view(i, mb.messages[i], withBody))
	}
	return out, nil
}

func (s *Store) StoreFlags(ctx context.Context, user, name string, sel storage.Selector, op storage.FlagOp, flags []string) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.lookup(user, name)
	if err != nil {
		return nil, err
	}
	var out []storage.Message
	for _, i := range selected(mb, sel) {
		m := mb.messages[i]
		m.flags = storage.ApplyFlags(m.flags, op, flags)
		out = append(out, view(i, m, false))
	}
	return out, nil
}

func (s *Store) Expunge(ctx context.Context, user, name string, uids models.SeqSet) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.lookup(user, name)
	if err != nil {
		return nil, err
	}

	var maxUID uint32
	if n := len(mb.messages); n > 0 {
		maxUID = mb.messages[n-1].uid
	}

	var expunged []uint32
	kept := mb.messages[:0]
	for i, m := range mb.messages {
		if hasFlag(m.flags, storage.FlagDeleted) && (uids == nil || uids.Contains(m.uid, maxUID)) {
			expunged = append(expunged, uint32(i+1))
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(mb.messages); i++ {
		mb.messages[i] = nil
	}
	mb.messages = kept

	// highest first, so earlier reports do not shift later ones
	sort.Slice(expunged, func(i, j int) bool { return expunged[i] > expunged[j] })
	return expunged, nil
}

func (s *Store) AppendMessage(ctx context.Context, user, name string, flags []string, date time.Time, body []byte) (*storage.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.lookup(user, name)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = s.now()
	}
	m := &message{
		uid:   mb.uidNext,
		flags: storage.ApplyFlags([]string{storage.FlagRecent}, storage.FlagsAdd, flags),
		date:  date,
		body:  append([]byte(nil), body...),
	}
	mb.uidNext++
	mb.messages = append(mb.messages, m)
	return &storage.AppendResult{UIDValidity: mb.uidValidity, UID: m.uid}, nil
}

func (s *Store) CopyMessages(ctx context.Context, user, src string, sel storage.Selector, dest string) (*storage.CopyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.lookup(user, src)
	if err != nil {
		return nil, err
	}
	to, err := s.lookup(user, dest)
	if err != nil {
		return nil, err
	}

	res := &storage.CopyResult{UIDValidity: to.uidValidity}
	for _, i := range selected(from, sel) {
		m := from.messages[i]
		cp := &message{
			uid:   to.uidNext,
			flags: storage.ApplyFlags([]string{storage.FlagRecent}, storage.FlagsAdd, m.flags),
			date:  m.date,
			body:  m.body,
		}
		to.uidNext++
		to.messages = append(to.messages, cp)
		res.SourceUIDs = append(res.SourceUIDs, m.uid)
		res.DestUIDs = append(res.DestUIDs, cp.uid)
	}
	return res, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func removeFlag(flags []string, flag string) []string {
	out := flags[:0]
	for _, f := range flags {
		if !strings.EqualFold(f, flag) {
			out = append(out, f)
		}
	}
	return out
}
