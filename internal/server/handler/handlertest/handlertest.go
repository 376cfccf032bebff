// Package handlertest provides an in-memory environment for exercising
// command handlers without a network connection.
package handlertest

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"kestrel/internal/auth"
	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/storage"
	"kestrel/internal/storage/memstore"
)

const (
	Username = "testuser"
	Password = "password"
)

// Fixture bundles an environment backed by a fresh memstore.
type Fixture struct {
	Store *memstore.Store
	Users *auth.StaticUsers
	Env   *handler.Env
}

func New(t testing.TB) *Fixture {
	t.Helper()
	users := auth.NewStaticUsers()
	require.NoError(t, users.Add(Username, Password))

	store := memstore.New()
	return &Fixture{
		Store: store,
		Users: users,
		Env: &handler.Env{
			Storage:      store,
			Locks:        lock.New(),
			Auth:         users,
			Capabilities: []string{"IMAP4rev1", "LITERAL+", "SASL-IR", "AUTH=PLAIN", "UIDPLUS", "ID", "NAMESPACE", "UNSELECT"},
			Logger:       log.NewNopLogger(),
		},
	}
}

// Authenticated returns a session logged in as Username.
func (f *Fixture) Authenticated() models.ClientState {
	s := models.NewClientState("test-session", "127.0.0.1:1143")
	s.State = models.StateAuthenticated
	s.Username = Username
	return s.Snapshot()
}

// Selected returns a session with mailbox open, reflecting its current
// counters.
func (f *Fixture) Selected(t testing.TB, mailbox string, readOnly bool) models.ClientState {
	t.Helper()
	st, err := f.Store.OpenMailbox(context.Background(), Username, mailbox, readOnly)
	require.NoError(t, err)

	msgs, err := f.Store.FetchMessages(context.Background(), Username, mailbox,
		storage.Selector{Set: models.SeqSet{{Start: 1, Stop: 0}}, UID: true}, false)
	require.NoError(t, err)
	uids := make([]uint32, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}

	s := f.Authenticated()
	s.State = models.StateSelected
	s.Mailbox = storage.CanonicalName(mailbox)
	s.ReadOnly = readOnly
	s.View = models.NewMailboxView(st.UIDValidity, st.UIDNext, uids)
	return s
}

// Append stores a message for Username and returns its UID.
func (f *Fixture) Append(t testing.TB, mailbox, body string, flags ...string) uint32 {
	t.Helper()
	res, err := f.Store.AppendMessage(context.Background(), Username, mailbox, flags,
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), []byte(body))
	require.NoError(t, err)
	return res.UID
}

// Run invokes h directly with a command built from verb and args.
func (f *Fixture) Run(h handler.HandlerFunc, sess models.ClientState, verb string, args ...models.Arg) (*handler.Result, error) {
	return f.RunWith(h, sess, nil, verb, args...)
}

// RunWith is Run with a continuation source.
func (f *Fixture) RunWith(h handler.HandlerFunc, sess models.ClientState, ch handler.Challenger, verb string, args ...models.Arg) (*handler.Result, error) {
	req := &handler.Request{
		Ctx:        context.Background(),
		Command:    &models.Command{Tag: "A001", Verb: verb, Args: args},
		Session:    sess,
		Env:        f.Env,
		Challenger: ch,
	}
	return h(req)
}

// Lines renders the untagged data of a result.
func Lines(res *handler.Result) []string {
	if res == nil || len(res.Data) == 0 {
		return nil
	}
	out := make([]string, len(res.Data))
	for i, r := range res.Data {
		out[i] = r.String()
	}
	return out
}

// Atoms builds atom arguments.
func Atoms(values ...string) []models.Arg {
	out := make([]models.Arg, len(values))
	for i, v := range values {
		out[i] = models.Atom(v)
	}
	return out
}

// Challenges answers continuation requests from a fixed script and records
// the prompts it was sent.
type Challenges struct {
	Replies []string
	Prompts []string
}

func (c *Challenges) Challenge(ctx context.Context, prompt string) (string, error) {
	c.Prompts = append(c.Prompts, prompt)
	if len(c.Replies) == 0 {
		return "*", nil
	}
	r := c.Replies[0]
	c.Replies = c.Replies[1:]
	return r, nil
}

// IsStatus asserts that err is a StatusError with the given status and text.
func IsStatus(t testing.TB, err error, status models.Status, code, text string) {
	t.Helper()
	se, ok := err.(*handler.StatusError)
	require.True(t, ok, "expected status error, got %v", err)
	require.Equal(t, status, se.Status)
	require.Equal(t, code, se.Code)
	require.Equal(t, text, se.Text)
}
