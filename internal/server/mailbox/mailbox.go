// Package mailbox implements the mailbox management commands: LIST, LSUB,
// CREATE, DELETE, RENAME and STATUS.
package mailbox

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/middleware"
	"kestrel/internal/server/utils"
	"kestrel/internal/storage"
)

// ===== LIST / LSUB =====

var (
	HandleList = middleware.ValidateMinArgs(2, "LIST command requires reference and mailbox arguments", listMailboxes("LIST"))
	// Subscriptions are not tracked, so LSUB reports every mailbox.
	HandleLsub = middleware.ValidateMinArgs(2, "LSUB command requires reference and mailbox arguments", listMailboxes("LSUB"))
)

func listMailboxes(kind string) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		reference, err := req.StringArg(0, "reference and mailbox arguments")
		if err != nil {
			return nil, err
		}
		pattern, err := req.StringArg(1, "reference and mailbox arguments")
		if err != nil {
			return nil, err
		}

		res := handler.OK()

		// An empty pattern asks for the hierarchy delimiter and root name
		if pattern == "" {
			res.Untagged(`%s (\Noselect) %s %s`, kind, models.Quote(storage.Delimiter), formatName(rootName(reference)))
			return res, nil
		}

		mailboxes, err := req.Env.Storage.ListMailboxes(req.Ctx, req.Session.Username)
		if err != nil {
			return nil, errors.Wrap(err, "list mailboxes")
		}
		for _, mb := range utils.FilterMailboxes(mailboxes, reference, pattern) {
			attrs := utils.GetMailboxAttributes(mb.Name, append([]string(nil), mb.Attributes...))
			res.Untagged("%s %s %s %s", kind, models.FormatList(attrs), models.Quote(storage.Delimiter), formatName(mb.Name))
		}
		return res, nil
	}
}

// rootName is the first hierarchy level of reference, with its delimiter.
func rootName(reference string) string {
	if i := strings.Index(reference, storage.Delimiter); i >= 0 {
		return reference[:i+1]
	}
	return reference
}

// formatName quotes a mailbox name, falling back to a literal for names a
// quoted string cannot carry.
func formatName(name string) string {
	if s := models.FormatString(name); strings.HasPrefix(s, "{") {
		return s
	}
	return models.Quote(name)
}

// ===== CREATE =====

var HandleCreate = middleware.ValidateMinArgs(1, "CREATE requires mailbox name", handleCreate)

func handleCreate(req *handler.Request) (*handler.Result, error) {
	name, err := req.StringArg(0, "mailbox name")
	if err != nil {
		return nil, err
	}
	name = strings.TrimSuffix(name, storage.Delimiter)
	if name == "" {
		return nil, handler.No("Cannot create mailbox with empty name")
	}
	name = storage.CanonicalName(name)
	if name == "INBOX" {
		return nil, handler.No("Cannot create INBOX - it already exists")
	}

	// superiors are created along with the mailbox
	levels := strings.Split(name, storage.Delimiter)
	claims := make([]lock.Claim, 0, len(levels))
	for i := range levels {
		claims = append(claims, lock.Claim{Key: req.Key(strings.Join(levels[:i+1], storage.Delimiter)), Mode: lock.Exclusive})
	}
	release, err := req.Env.Locks.AcquireAll(req.Ctx, claims...)
	if err != nil {
		return nil, err
	}
	defer release()

	for i := 1; i < len(levels); i++ {
		parent := strings.Join(levels[:i], storage.Delimiter)
		if err := req.Env.Storage.CreateMailbox(req.Ctx, req.Session.Username, parent); err != nil && !errors.Is(err, storage.ErrMailboxExists) {
			return nil, handler.StorageError(err)
		}
	}
	if err := req.Env.Storage.CreateMailbox(req.Ctx, req.Session.Username, name); err != nil {
		return nil, handler.StorageError(err)
	}
	return handler.OK(), nil
}

// ===== DELETE =====

var HandleDelete = middleware.ValidateMinArgs(1, "DELETE requires mailbox name", handleDelete)

func handleDelete(req *handler.Request) (*handler.Result, error) {
	name, err := req.StringArg(0, "mailbox name")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, handler.Bad("Invalid mailbox name")
	}
	name = storage.CanonicalName(name)
	if name == "INBOX" {
		return nil, handler.No("Cannot delete INBOX")
	}

	release, err := req.Env.Locks.Acquire(req.Ctx, req.Key(name), lock.Exclusive)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := req.Env.Storage.DeleteMailbox(req.Ctx, req.Session.Username, name); err != nil {
		if errors.Is(err, storage.ErrNoSuchMailbox) {
			return nil, handler.No("Mailbox does not exist")
		}
		return nil, handler.StorageError(err)
	}
	return handler.OK(), nil
}

// ===== RENAME =====

var HandleRename = middleware.ValidateMinArgs(2, "RENAME requires existing and new mailbox names", handleRename)

func handleRename(req *handler.Request) (*handler.Result, error) {
	oldName, err := req.StringArg(0, "existing and new mailbox names")
	if err != nil {
		return nil, err
	}
	newName, err := req.StringArg(1, "existing and new mailbox names")
	if err != nil {
		return nil, err
	}
	newName = strings.TrimSuffix(newName, storage.Delimiter)
	if oldName == "" || newName == "" {
		return nil, handler.Bad("Invalid mailbox names")
	}
	oldName, newName = storage.CanonicalName(oldName), storage.CanonicalName(newName)
	if newName == "INBOX" {
		return nil, handler.No("Cannot rename to INBOX")
	}

	release, err := req.Env.Locks.AcquireAll(req.Ctx,
		lock.Claim{Key: req.Key(oldName), Mode: lock.Exclusive},
		lock.Claim{Key: req.Key(newName), Mode: lock.Exclusive},
	)
	if err != nil {
		return nil, err
	}
	defer release()

	err = req.Env.Storage.RenameMailbox(req.Ctx, req.Session.Username, oldName, newName)
	switch {
	case err == nil:
		return handler.OK(), nil
	case errors.Is(err, storage.ErrNoSuchMailbox):
		return nil, handler.No("Source mailbox does not exist")
	case errors.Is(err, storage.ErrMailboxExists):
		return nil, handler.No("Destination mailbox already exists")
	}
	return nil, handler.StorageError(err)
}

// ===== STATUS =====

var HandleStatus = middleware.ValidateMinArgs(2, "STATUS requires mailbox name and status data items", handleStatus)

func handleStatus(req *handler.Request) (*handler.Result, error) {
	name, err := req.StringArg(0, "mailbox name and status data items")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, handler.Bad("Invalid mailbox name")
	}
	name = storage.CanonicalName(name)

	items, err := statusItems(req.Command.Args[1:])
	if err != nil {
		return nil, err
	}

	release, err := req.Env.Locks.Acquire(req.Ctx, req.Key(name), lock.Shared)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := req.Env.Storage.Status(req.Ctx, req.Session.Username, name)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchMailbox) {
			return nil, handler.No("STATUS failure: no status for that name")
		}
		return nil, handler.StorageError(err)
	}

	values := map[string]uint32{
		"MESSAGES":    st.Messages,
		"RECENT":      st.Recent,
		"UIDNEXT":     st.UIDNext,
		"UIDVALIDITY": st.UIDValidity,
		"UNSEEN":      st.Unseen,
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("%s %d", item, values[item])
	}

	res := handler.OK()
	res.Untagged("STATUS %s (%s)", formatName(name), strings.Join(parts, " "))
	return res, nil
}

func statusItems(args []models.Arg) ([]string, error) {
	if len(args) == 1 && args[0].Kind == models.ArgList {
		args = args[0].List
	}
	if len(args) == 0 {
		return nil, handler.Bad("STATUS requires status data items")
	}

	items := make([]string, 0, len(args))
	for _, a := range args {
		item := strings.ToUpper(a.Value)
		switch item {
		case "MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN":
			items = append(items, item)
		default:
			return nil, handler.Bad("Unknown status data item: %s", a.String())
		}
	}
	return items, nil
}
