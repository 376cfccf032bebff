package message

import (
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"kestrel/internal/server/handler"
)

// ===== UID =====

var uidCommands = map[string]handler.HandlerFunc{
	"FETCH":   handleUIDFetch,
	"STORE":   handleUIDStore,
	"SEARCH":  handleUIDSearch,
	"COPY":    handleUIDCopy,
	"EXPUNGE": handleUIDExpunge,
}

// HandleUID runs FETCH, STORE, SEARCH, COPY or EXPUNGE with UIDs in place
// of sequence numbers.
func HandleUID(req *handler.Request) (*handler.Result, error) {
	sub, ok := req.Command.Sub(0)
	if !ok {
		return nil, handler.Bad("UID requires a command")
	}
	h, ok := uidCommands[sub.Verb]
	if !ok {
		return nil, handler.Bad("Invalid UID command: %s", sub.Verb)
	}

	inner := *req
	inner.Command = sub
	res, err := h(&inner)
	if err != nil {
		var se *handler.StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		level.Error(req.Env.Logger).Log("msg", "command failed", "verb", "UID "+sub.Verb,
			"session", req.Session.ID, "user", req.Session.Username, "err", err)
		return nil, handler.No("UID %s failed", sub.Verb)
	}
	if res.Text == "" {
		res.Text = "UID " + sub.Verb + " completed"
	}
	return res, nil
}
