// Package message implements the commands that operate on the messages of a
// mailbox: FETCH, STORE, SEARCH, EXPUNGE, COPY, APPEND, CHECK and UID.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/middleware"
	"kestrel/internal/server/utils"
	"kestrel/internal/storage"
)

// internalDateLayout is the date-time format of INTERNALDATE and APPEND.
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// selector reads the sequence set argument at index i. Sequence numbers
// are translated to UIDs through the session's view, so the backend is
// always addressed by UID.
func selector(req *handler.Request, i int, uid bool) (storage.Selector, error) {
	raw, ok := req.Command.StringArg(i)
	if !ok {
		return storage.Selector{}, handler.Bad("%s requires sequence set", req.Command.Verb)
	}
	set, err := models.ParseSeqSet(raw)
	if err != nil {
		return storage.Selector{}, handler.Bad("Invalid sequence set")
	}
	if !uid {
		set = req.Session.View.UIDSet(set)
	}
	return storage.Selector{Set: set, UID: true}, nil
}

// inView keeps the messages the client knows about and numbers them the way
// the client does.
func inView(view models.MailboxView, msgs []storage.Message) []storage.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if seq := view.SeqNum(m.UID); seq > 0 {
			m.SeqNum = seq
			out = append(out, m)
		}
	}
	return out
}

// ===== EXPUNGE =====

var (
	HandleExpunge    = expungeHandler(false)
	handleUIDExpunge = expungeHandler(true)
)

func expungeHandler(uid bool) handler.HandlerFunc {
	return middleware.RequireWritable(middleware.WithSelectedLock(lock.Exclusive, func(req *handler.Request) (*handler.Result, error) {
		var uids models.SeqSet
		if uid {
			sel, err := selector(req, 0, true)
			if err != nil {
				return nil, err
			}
			uids = sel.Set
		}

		if _, err := req.Env.Storage.Expunge(req.Ctx, req.Session.Username, req.Session.Mailbox, uids); err != nil {
			return nil, errors.Wrap(err, "expunge")
		}

		// reports this session's expunges together with any made elsewhere
		updates, view, err := handler.Sync(req.Ctx, req.Env, req.Session, true)
		if err != nil {
			return nil, err
		}
		return &handler.Result{Data: updates, View: &view}, nil
	}))
}

// ===== COPY =====

var (
	HandleCopy    = middleware.ValidateMinArgs(2, "Invalid COPY command syntax", copyHandler(false))
	handleUIDCopy = middleware.ValidateMinArgs(2, "Invalid COPY command syntax", copyHandler(true))
)

func copyHandler(uid bool) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		if req.Session.Mailbox == "" {
			return nil, handler.No("No mailbox selected")
		}
		sel, err := selector(req, 0, uid)
		if err != nil {
			return nil, err
		}
		dest, err := req.StringArg(1, "destination mailbox")
		if err != nil {
			return nil, err
		}
		dest = storage.CanonicalName(dest)

		release, err := req.Env.Locks.AcquireAll(req.Ctx,
			lock.Claim{Key: req.Key(req.Session.Mailbox), Mode: lock.Shared},
			lock.Claim{Key: req.Key(dest), Mode: lock.Exclusive},
		)
		if err != nil {
			return nil, err
		}
		defer release()

		cp, err := req.Env.Storage.CopyMessages(req.Ctx, req.Session.Username, req.Session.Mailbox, sel, dest)
		if err != nil {
			if errors.Is(err, storage.ErrNoSuchMailbox) {
				return nil, handler.NoCode("TRYCREATE", "Destination mailbox does not exist")
			}
			return nil, errors.Wrap(err, "copy messages")
		}

		res := handler.OK()
		if len(cp.DestUIDs) > 0 {
			res.Code = fmt.Sprintf("COPYUID %d %s %s", cp.UIDValidity,
				models.FormatUIDs(cp.SourceUIDs), models.FormatUIDs(cp.DestUIDs))
		}
		return res, nil
	}
}

// ===== APPEND =====

var HandleAppend = middleware.ValidateMinArgs(2, "APPEND requires folder name", handleAppend)

func handleAppend(req *handler.Request) (*handler.Result, error) {
	folder, err := req.StringArg(0, "folder name")
	if err != nil {
		return nil, err
	}
	folder = storage.CanonicalName(folder)

	args := req.Command.Args[1:]
	var flags []string
	if len(args) > 1 && args[0].Kind == models.ArgList {
		var ok bool
		if flags, ok = utils.ParseFlagList(args[:1]); !ok {
			return nil, handler.Bad("Invalid flags")
		}
		args = args[1:]
	}

	var date time.Time
	if len(args) > 1 {
		if !args[0].IsString() {
			return nil, handler.Bad("Invalid date-time")
		}
		date, err = parseDateTime(args[0].Value)
		if err != nil {
			return nil, handler.Bad("Invalid date-time")
		}
		args = args[1:]
	}

	if len(args) != 1 || !args[0].IsString() {
		return nil, handler.Bad("APPEND requires message literal")
	}
	body := []byte(args[0].Value)

	release, err := req.Env.Locks.Acquire(req.Ctx, req.Key(folder), lock.Exclusive)
	if err != nil {
		return nil, err
	}
	defer release()

	appended, err := req.Env.Storage.AppendMessage(req.Ctx, req.Session.Username, folder, flags, date, body)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchMailbox) {
			return nil, handler.NoCode("TRYCREATE", "Folder does not exist")
		}
		return nil, errors.Wrap(err, "append message")
	}

	return &handler.Result{
		Code: fmt.Sprintf("APPENDUID %d %d", appended.UIDValidity, appended.UID),
	}, nil
}

// parseDateTime reads an IMAP date-time, whose day may be space padded.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > 1 && s[1] == '-' {
		s = "0" + s
	}
	return time.Parse(internalDateLayout, s)
}

// ===== CHECK =====

// HandleCheck has nothing to flush; every backend write is durable when it
// returns. It reports changes to the mailbox like NOOP.
var HandleCheck = middleware.WithSelectedLock(lock.Shared, func(req *handler.Request) (*handler.Result, error) {
	updates, view, err := handler.Sync(req.Ctx, req.Env, req.Session, true)
	if err != nil {
		return nil, err
	}
	return &handler.Result{Data: updates, View: &view}, nil
})
