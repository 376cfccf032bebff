package message

import (
	"github.com/pkg/errors"

	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/middleware"
	"kestrel/internal/server/utils"
)

// ===== STORE =====

var (
	HandleStore    = storeHandler(false)
	handleUIDStore = storeHandler(true)
)

func storeHandler(uid bool) handler.HandlerFunc {
	return middleware.ValidateMinArgs(3, "STORE requires sequence set, data item, and value",
		middleware.RequireWritable(middleware.WithSelectedLock(lock.Exclusive, func(req *handler.Request) (*handler.Result, error) {
			sel, err := selector(req, 0, uid)
			if err != nil {
				return nil, err
			}
			item, _ := req.Command.StringArg(1)
			op, silent, ok := utils.ParseStoreItem(item)
			if !ok {
				return nil, handler.Bad("Invalid data item: %s", item)
			}
			flags, ok := utils.ParseFlagList(req.Command.Args[2:])
			if !ok {
				return nil, handler.Bad("Invalid flags")
			}

			msgs, err := req.Env.Storage.StoreFlags(req.Ctx, req.Session.Username, req.Session.Mailbox, sel, op, flags)
			if err != nil {
				return nil, errors.Wrap(err, "store flags")
			}

			res := handler.OK()
			if silent {
				return res, nil
			}
			for _, m := range inView(req.Session.View, msgs) {
				if uid {
					res.Untagged("%d FETCH (UID %d FLAGS %s)", m.SeqNum, m.UID, utils.FormatFlags(m.Flags))
				} else {
					res.Untagged("%d FETCH (FLAGS %s)", m.SeqNum, utils.FormatFlags(m.Flags))
				}
			}
			return res, nil
		})))
}
