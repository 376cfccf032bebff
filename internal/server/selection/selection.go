// Package selection implements SELECT, EXAMINE, CLOSE and UNSELECT.
package selection

import (
	"fmt"
	"strings"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/middleware"
	"kestrel/internal/storage"
)

const (
	permanentFlags = `\Answered \Flagged \Deleted \Seen \Draft \*`
)

// ===== SELECT / EXAMINE =====

var (
	HandleSelect  = middleware.ValidateMinArgs(1, "SELECT requires folder name", selectMailbox(false))
	HandleExamine = middleware.ValidateMinArgs(1, "EXAMINE requires folder name", selectMailbox(true))
)

func selectMailbox(readOnly bool) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		folder, err := req.StringArg(0, "folder name")
		if err != nil {
			return nil, err
		}
		folder = storage.CanonicalName(folder)

		// a read-write open claims the recent messages, which is a mutation
		mode := lock.Exclusive
		if readOnly {
			mode = lock.Shared
		}
		release, err := req.Env.Locks.Acquire(req.Ctx, req.Key(folder), mode)
		if err != nil {
			return nil, err
		}
		defer release()

		st, err := req.Env.Storage.OpenMailbox(req.Ctx, req.Session.Username, folder, readOnly)
		if err != nil {
			return nil, handler.StorageError(err)
		}
		view, err := openView(req, folder, st)
		if err != nil {
			return nil, err
		}

		res := handler.OK()
		flags := fmt.Sprintf("FLAGS (%s)", strings.Join(storage.SystemFlags, " "))

		// SELECT: FLAGS, EXISTS, RECENT. EXAMINE sends FLAGS after the OK lines.
		if !readOnly {
			res.Untagged("%s", flags)
		}
		res.Untagged("%d EXISTS", view.Messages())
		res.Untagged("%d RECENT", st.Recent)
		if st.FirstUnseen > 0 {
			res.Status(models.StatusOK, fmt.Sprintf("UNSEEN %d", st.FirstUnseen), fmt.Sprintf("Message %d is first unseen", st.FirstUnseen))
		}
		res.Status(models.StatusOK, fmt.Sprintf("UIDVALIDITY %d", st.UIDValidity), "UIDs valid")
		res.Status(models.StatusOK, fmt.Sprintf("UIDNEXT %d", st.UIDNext), "Predicted next UID")

		if readOnly {
			res.Untagged("%s", flags)
			res.Status(models.StatusOK, "PERMANENTFLAGS ()", "No permanent flags permitted")
			res.Code = "READ-ONLY"
			res.Text = "EXAMINE completed"
		} else {
			res.Status(models.StatusOK, fmt.Sprintf("PERMANENTFLAGS (%s)", permanentFlags), "Limited")
			res.Code = "READ-WRITE"
			res.Text = "SELECT completed"
		}

		res.Transition = &models.Transition{To: models.StateSelected, Mailbox: folder, ReadOnly: readOnly}
		res.View = &view
		return res, nil
	}
}

var everyUID = models.SeqSet{{Start: 1, Stop: 0}}

// openView lists the UIDs of the mailbox being selected, which fixes the
// sequence numbers the session starts from.
func openView(req *handler.Request, folder string, st *storage.MailboxStatus) (models.MailboxView, error) {
	msgs, err := req.Env.Storage.FetchMessages(req.Ctx, req.Session.Username, folder,
		storage.Selector{Set: everyUID, UID: true}, false)
	if err != nil {
		return models.MailboxView{}, handler.StorageError(err)
	}
	uids := make([]uint32, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}
	return models.NewMailboxView(st.UIDValidity, st.UIDNext, uids), nil
}

// ===== CLOSE =====

// HandleClose removes \Deleted messages without reporting them and returns
// to the authenticated state. A read-only selection is left untouched.
var HandleClose = middleware.WithSelectedLockFunc(closeMode, handleClose)

func closeMode(req *handler.Request) lock.Mode {
	if req.Session.ReadOnly {
		return lock.Shared
	}
	return lock.Exclusive
}

func handleClose(req *handler.Request) (*handler.Result, error) {
	if !req.Session.ReadOnly {
		if _, err := req.Env.Storage.Expunge(req.Ctx, req.Session.Username, req.Session.Mailbox, nil); err != nil {
			return nil, handler.StorageError(err)
		}
	}
	return &handler.Result{Transition: &models.Transition{To: models.StateAuthenticated}}, nil
}

// ===== UNSELECT =====

func HandleUnselect(req *handler.Request) (*handler.Result, error) {
	if req.Session.Mailbox == "" {
		return nil, handler.No("No folder selected")
	}
	return &handler.Result{Transition: &models.Transition{To: models.StateAuthenticated}}, nil
}
