// Package middleware wraps handlers with the argument, access-mode and
// coordination checks shared by many commands.
package middleware

import (
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
)

// ValidateMinArgs ensures the command has the minimum required number of arguments
func ValidateMinArgs(minArgs int, errorMsg string, next handler.HandlerFunc) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		if len(req.Command.Args) < minArgs {
			return nil, handler.Bad("%s", errorMsg)
		}
		return next(req)
	}
}

// ValidateMaxArgs rejects commands carrying more than maxArgs arguments.
func ValidateMaxArgs(maxArgs int, errorMsg string, next handler.HandlerFunc) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		if len(req.Command.Args) > maxArgs {
			return nil, handler.Bad("%s", errorMsg)
		}
		return next(req)
	}
}

// RequireWritable rejects mutations of a mailbox opened with EXAMINE.
func RequireWritable(next handler.HandlerFunc) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		if req.Session.ReadOnly {
			return nil, handler.No("Mailbox is read-only")
		}
		return next(req)
	}
}

// WithSelectedLock runs next while holding access to the selected mailbox.
// Access is released on every exit path, including a panic in next.
func WithSelectedLock(mode lock.Mode, next handler.HandlerFunc) handler.HandlerFunc {
	return WithSelectedLockFunc(func(*handler.Request) lock.Mode { return mode }, next)
}

// WithSelectedLockFunc is WithSelectedLock with the mode chosen per request.
func WithSelectedLockFunc(modeFor func(*handler.Request) lock.Mode, next handler.HandlerFunc) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		if req.Session.Mailbox == "" {
			return nil, handler.No("No mailbox selected")
		}
		release, err := req.Env.Locks.Acquire(req.Ctx, req.Key(req.Session.Mailbox), modeFor(req))
		if err != nil {
			return nil, err
		}
		defer release()
		return next(req)
	}
}
