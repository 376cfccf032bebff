// Package handler defines the capability every IMAP command implements and
// the dispatcher that routes parsed commands to it.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/kit/log"

	"kestrel/internal/auth"
	"kestrel/internal/models"
	"kestrel/internal/server/lock"
	"kestrel/internal/storage"
)

// Handler executes one command. It returns the untagged data and completion
// details on success, or an error that becomes a NO or BAD completion.
// Handlers never touch the session directly; state changes are requested
// through Result.Transition.
type Handler interface {
	Handle(req *Request) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) (*Result, error)

func (f HandlerFunc) Handle(req *Request) (*Result, error) {
	return f(req)
}

// Challenger runs a continuation exchange with the client, as needed by
// AUTHENTICATE.
type Challenger interface {
	Challenge(ctx context.Context, prompt string) (string, error)
}

// Env holds the process-wide collaborators shared by every session.
type Env struct {
	Storage      storage.Backend
	Locks        *lock.Coordinator
	Auth         auth.Authenticator
	Tokens       auth.TokenVerifier // nil disables the bearer token mechanisms
	Capabilities []string
	Logger       log.Logger
}

// Request is the input to a handler.
type Request struct {
	Ctx        context.Context
	Command    *models.Command
	Session    models.ClientState
	Env        *Env
	Challenger Challenger
}

// Key returns the coordination key of one of the session user's mailboxes.
func (r *Request) Key(mailbox string) string {
	return lock.Key(r.Session.Username, mailbox)
}

// Result is a successful handler outcome.
type Result struct {
	Data       []models.Response
	Code       string
	Text       string
	Transition *models.Transition
	View       *models.MailboxView
}

// Untagged appends an untagged data response.
func (r *Result) Untagged(format string, args ...interface{}) {
	r.Data = append(r.Data, models.Untagged(format, args...))
}

// Status appends an untagged status response.
func (r *Result) Status(status models.Status, code, text string) {
	r.Data = append(r.Data, models.UntaggedStatus(status, code, text))
}

// OK returns an empty successful result.
func OK() *Result {
	return &Result{}
}

// StatusError is a handler failure that maps directly to a completion
// status.
type StatusError struct {
	Status models.Status
	Code   string
	Text   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s] %s", e.Status, e.Code, e.Text)
	}
	return fmt.Sprintf("%s %s", e.Status, e.Text)
}

// Bad reports a syntactically or semantically invalid command.
func Bad(format string, args ...interface{}) error {
	return &StatusError{Status: models.StatusBAD, Text: fmt.Sprintf(format, args...)}
}

// No reports an operational failure.
func No(format string, args ...interface{}) error {
	return &StatusError{Status: models.StatusNO, Text: fmt.Sprintf(format, args...)}
}

// NoCode reports an operational failure with a response code, e.g.
// TRYCREATE.
func NoCode(code, format string, args ...interface{}) error {
	return &StatusError{Status: models.StatusNO, Code: code, Text: fmt.Sprintf(format, args...)}
}

// StringArg returns the i-th argument as a string, or a BAD error naming
// what was expected.
func (r *Request) StringArg(i int, what string) (string, error) {
	v, ok := r.Command.StringArg(i)
	if !ok {
		return "", Bad("%s requires %s", r.Command.Verb, what)
	}
	return v, nil
}

// StorageError maps the backend's sentinel errors onto NO completions.
// Anything else is returned unchanged and ends up as "NO <VERB> failed".
func StorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNoSuchMailbox):
		return NoCode("TRYCREATE", "Mailbox does not exist")
	case errors.Is(err, storage.ErrMailboxExists):
		return No("Mailbox already exists")
	case errors.Is(err, storage.ErrNotPermitted):
		return No("Operation not permitted")
	}
	return err
}
