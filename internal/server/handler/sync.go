package handler

import (
	"context"

	"github.com/pkg/errors"

	"kestrel/internal/models"
	"kestrel/internal/storage"
)

var everyUID = models.SeqSet{{Start: 1, Stop: 0}}

// Sync compares the session's view of its selected mailbox with the
// backend and returns the untagged updates to send along with the new view.
//
// Messages that arrived are announced with EXISTS and RECENT. Messages that
// are gone are announced with EXPUNGE, highest sequence number first, only
// when expunges is set; otherwise they stay in the view, so the numbers a
// FETCH, STORE or SEARCH is answering with do not shift.
//
// The caller holds shared or exclusive access to the mailbox.
func Sync(ctx context.Context, env *Env, sess models.ClientState, expunges bool) ([]models.Response, models.MailboxView, error) {
	msgs, err := env.Storage.FetchMessages(ctx, sess.Username, sess.Mailbox,
		storage.Selector{Set: everyUID, UID: true}, false)
	if err != nil {
		return nil, sess.View, errors.Wrapf(err, "sync mailbox %q", sess.Mailbox)
	}

	view := sess.View.Clone()
	var highest uint32
	if n := len(view.UIDs); n > 0 {
		highest = view.UIDs[n-1]
	}

	var out []models.Response
	if expunges {
		present := make(map[uint32]bool, len(msgs))
		for _, m := range msgs {
			present[m.UID] = true
		}
		for seq := len(view.UIDs); seq >= 1; seq-- {
			if !present[view.UIDs[seq-1]] {
				out = append(out, models.Untagged("%d EXPUNGE", seq))
				view.UIDs = append(view.UIDs[:seq-1], view.UIDs[seq:]...)
			}
		}
	}

	var recent uint32
	grew := false
	for _, m := range msgs {
		if m.HasFlag(storage.FlagRecent) {
			recent++
		}
		if m.UID > highest {
			view.UIDs = append(view.UIDs, m.UID)
			highest = m.UID
			grew = true
		}
	}
	if grew {
		out = append(out,
			models.Untagged("%d EXISTS", view.Messages()),
			models.Untagged("%d RECENT", recent))
	}
	if highest >= view.UIDNext {
		view.UIDNext = highest + 1
	}
	return out, view, nil
}

// ExpungeAllowed reports whether EXPUNGE may be announced while answering
// verb. FETCH, STORE and SEARCH report sequence numbers, which must not
// shift under the client; their UID forms arrive with verb UID.
func ExpungeAllowed(verb string) bool {
	switch verb {
	case "FETCH", "STORE", "SEARCH":
		return false
	}
	return true
}
