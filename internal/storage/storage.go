// Package storage defines the mailbox capability the protocol engine runs
// against. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"kestrel/internal/models"
)

var (
	ErrNoSuchMailbox = errors.New("no such mailbox")
	ErrMailboxExists = errors.New("mailbox already exists")
	ErrNotPermitted  = errors.New("operation not permitted")
)

// Delimiter separates hierarchy levels in mailbox names.
const Delimiter = "/"

// Standard system flags.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// SystemFlags is the FLAGS list advertised on SELECT.
var SystemFlags = []string{FlagAnswered, FlagFlagged, FlagDeleted, FlagSeen, FlagDraft}

// CanonicalName folds the case of INBOX, which is case insensitive.
func CanonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// MailboxInfo is one entry of a mailbox listing.
type MailboxInfo struct {
	Name       string
	Attributes []string
}

// MailboxStatus summarizes a mailbox.
type MailboxStatus struct {
	Name        string
	Messages    uint32
	Recent      uint32
	Unseen      uint32
	FirstUnseen uint32 // sequence number, 0 when every message is seen
	UIDValidity uint32
	UIDNext     uint32
}

// Message is a message as seen through a selected mailbox. Body is left
// nil unless requested.
type Message struct {
	SeqNum       uint32
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Body         []byte
}

// HasFlag reports whether the message carries flag, ignoring case.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Selector picks messages by sequence number or by UID.
type Selector struct {
	Set models.SeqSet
	UID bool
}

// FlagOp is the STORE operation kind.
type FlagOp int

const (
	FlagsReplace FlagOp = iota
	FlagsAdd
	FlagsRemove
)

// CopyResult reports the UIDs assigned by a copy, for COPYUID.
type CopyResult struct {
	UIDValidity uint32
	SourceUIDs  []uint32
	DestUIDs    []uint32
}

// AppendResult reports the UID assigned by an append, for APPENDUID.
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
}

// Backend is the storage capability consumed by the handlers. Every call may
// block on I/O. Calls that mutate a mailbox are made while holding exclusive
// coordinator access to it.
type Backend interface {
	// ListMailboxes enumerates the mailboxes visible to user.
	ListMailboxes(ctx context.Context, user string) ([]MailboxInfo, error)
	CreateMailbox(ctx context.Context, user, name string) error
	DeleteMailbox(ctx context.Context, user, name string) error
	// RenameMailbox renames a mailbox and its inferiors. Renaming INBOX moves
	// its messages to the new name and leaves INBOX empty.
	RenameMailbox(ctx context.Context, user, oldName, newName string) error

	// Status reports counters without side effects.
	Status(ctx context.Context, user, name string) (*MailboxStatus, error)
	// OpenMailbox reports counters for a selection. A read-write open claims
	// the mailbox's recent messages for the caller.
	OpenMailbox(ctx context.Context, user, name string, readOnly bool) (*MailboxStatus, error)

	FetchMessages(ctx context.Context, user, mailbox string, sel Selector, withBody bool) ([]Message, error)
	// StoreFlags applies op to the selected messages and returns them with
	// their new flags.
	StoreFlags(ctx context.Context, user, mailbox string, sel Selector, op FlagOp, flags []string) ([]Message, error)
	// Expunge removes messages flagged \Deleted, limited to uids when it is
	// non-nil, and returns the sequence numbers to report in the order they
	// must be reported.
	Expunge(ctx context.Context, user, mailbox string, uids models.SeqSet) ([]uint32, error)
	AppendMessage(ctx context.Context, user, mailbox string, flags []string, date time.Time, body []byte) (*AppendResult, error)
	CopyMessages(ctx context.Context, user, src string, sel Selector, dest string) (*CopyResult, error)
}

// ApplyFlags computes the flags left after op. \Recent is managed by the
// server and is never set or cleared by a client.
func ApplyFlags(current []string, op FlagOp, flags []string) []string {
	set := make(map[string]string, len(current))
	order := make([]string, 0, len(current)+len(flags))
	add := func(f string) {
		k := strings.ToLower(f)
		if _, ok := set[k]; !ok {
			set[k] = f
			order = append(order, k)
		}
	}

	recent := false
	for _, f := range current {
		if strings.EqualFold(f, FlagRecent) {
			recent = true
			continue
		}
		if op != FlagsReplace {
			add(f)
		}
	}

	for _, f := range flags {
		if strings.EqualFold(f, FlagRecent) {
			continue
		}
		switch op {
		case FlagsReplace, FlagsAdd:
			add(f)
		case FlagsRemove:
			delete(set, strings.ToLower(f))
		}
	}

	out := make([]string, 0, len(order)+1)
	if recent {
		out = append(out, FlagRecent)
	}
	for _, k := range order {
		if f, ok := set[k]; ok {
			out = append(out, f)
		}
	}
	return out
}
