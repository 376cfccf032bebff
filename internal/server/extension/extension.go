// Package extension implements NOOP and the small informational extensions
// NAMESPACE (RFC 2342) and ID (RFC 2971).
package extension

import (
	"strings"

	"github.com/go-kit/kit/log/level"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/storage"
)

// ServerID is reported by ID.
var ServerID = []string{"name", "kestrel", "vendor", "kestrel"}

// ===== NOOP =====

// HandleNoop reports changes to the selected mailbox since the last report:
// new messages and messages expunged by other sessions.
func HandleNoop(req *handler.Request) (*handler.Result, error) {
	res := handler.OK()
	if req.Session.State != models.StateSelected {
		return res, nil
	}

	release, err := req.Env.Locks.Acquire(req.Ctx, req.Key(req.Session.Mailbox), lock.Shared)
	if err != nil {
		return nil, err
	}
	defer release()

	updates, view, err := handler.Sync(req.Ctx, req.Env, req.Session, true)
	if err != nil {
		// the mailbox may have been deleted under us; NOOP still succeeds
		level.Debug(req.Env.Logger).Log("msg", "noop sync failed", "mailbox", req.Session.Mailbox, "err", err)
		return res, nil
	}
	res.Data = updates
	res.View = &view
	return res, nil
}

// ===== NAMESPACE =====

func HandleNamespace(req *handler.Request) (*handler.Result, error) {
	res := handler.OK()
	res.Untagged("NAMESPACE ((%s %s)) NIL NIL", models.Quote(""), models.Quote(storage.Delimiter))
	return res, nil
}

// ===== ID =====

// HandleID logs the client's identification and answers with the server's.
func HandleID(req *handler.Request) (*handler.Result, error) {
	arg, ok := req.Command.Arg(0)
	if !ok {
		return nil, handler.Bad("ID requires parameter list or NIL")
	}

	switch {
	case arg.IsNIL():
	case arg.Kind == models.ArgList:
		if len(arg.List)%2 != 0 || len(arg.List) > 60 {
			return nil, handler.Bad("Invalid ID parameter list")
		}
		kv := make([]interface{}, 0, len(arg.List)+2)
		kv = append(kv, "msg", "client id", "session", req.Session.ID)
		for i := 0; i+1 < len(arg.List); i += 2 {
			if !arg.List[i].IsString() || !arg.List[i+1].IsString() {
				return nil, handler.Bad("Invalid ID parameter list")
			}
			kv = append(kv, "id_"+strings.ToLower(arg.List[i].Value), arg.List[i+1].Value)
		}
		level.Info(req.Env.Logger).Log(kv...)
	default:
		return nil, handler.Bad("ID requires parameter list or NIL")
	}

	fields := make([]string, len(ServerID))
	for i, v := range ServerID {
		fields[i] = models.Quote(v)
	}
	res := handler.OK()
	res.Untagged("ID %s", models.FormatList(fields))
	return res, nil
}
