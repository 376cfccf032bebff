package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/models"
)

type countingHandler struct {
	calls int
	res   *Result
	err   error
}

func (h *countingHandler) Handle(req *Request) (*Result, error) {
	h.calls++
	return h.res, h.err
}

func newDispatcher(t *testing.T, register func(r *Registry)) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	register(reg)
	reg.Seal()
	return NewDispatcher(reg, &Env{})
}

func session(state models.State) models.ClientState {
	return models.ClientState{ID: "test", State: state}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d := newDispatcher(t, func(r *Registry) {})
	out := d.Dispatch(context.Background(), &models.Command{Tag: "a1", Verb: "FROB"}, session(models.StateNotAuthenticated), nil)

	require.Len(t, out.Responses, 1)
	assert.Equal(t, "a1 BAD Unknown command: FROB", out.Completion().String())
	assert.Nil(t, out.Transition)
}

func TestDispatch_IllegalStateNeverInvokesHandler(t *testing.T) {
	h := &countingHandler{res: &Result{Transition: &models.Transition{To: models.StateSelected, Mailbox: "INBOX"}}}
	d := newDispatcher(t, func(r *Registry) {
		r.MustRegister("SELECT", h, models.StateAuthenticated, models.StateSelected)
	})

	out := d.Dispatch(context.Background(), &models.Command{Tag: "a2", Verb: "SELECT"}, session(models.StateNotAuthenticated), nil)

	assert.Equal(t, "a2 BAD Command not allowed in this state", out.Completion().String())
	assert.Zero(t, h.calls)
	assert.Nil(t, out.Transition)
}

func TestDispatch_SuccessCarriesDataAndTransition(t *testing.T) {
	h := HandlerFunc(func(req *Request) (*Result, error) {
		res := &Result{Transition: &models.Transition{To: models.StateAuthenticated, Username: "alice"}}
		res.Untagged("CAPABILITY IMAP4rev1")
		return res, nil
	})
	d := newDispatcher(t, func(r *Registry) { r.MustRegister("LOGIN", h, models.StateNotAuthenticated) })

	out := d.Dispatch(context.Background(), &models.Command{Tag: "a1", Verb: "LOGIN"}, session(models.StateNotAuthenticated), nil)

	require.Len(t, out.Responses, 2)
	assert.Equal(t, "* CAPABILITY IMAP4rev1", out.Responses[0].String())
	assert.Equal(t, "a1 OK LOGIN completed", out.Completion().String())
	require.NotNil(t, out.Transition)
	assert.Equal(t, "alice", out.Transition.Username)
}

func TestDispatch_CustomCompletion(t *testing.T) {
	h := &countingHandler{res: &Result{Code: "READ-ONLY", Text: "EXAMINE completed"}}
	d := newDispatcher(t, func(r *Registry) { r.MustRegister("EXAMINE", h) })

	out := d.Dispatch(context.Background(), &models.Command{Tag: "x", Verb: "EXAMINE"}, session(models.StateAuthenticated), nil)
	assert.Equal(t, "x OK [READ-ONLY] EXAMINE completed", out.Completion().String())
}

func TestDispatch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bad", Bad("Missing arguments"), "t BAD Missing arguments"},
		{"no", No("Mailbox does not exist"), "t NO Mailbox does not exist"},
		{"no with code", NoCode("TRYCREATE", "No such mailbox"), "t NO [TRYCREATE] No such mailbox"},
		{"storage failure", errors.New("disk on fire"), "t NO STORE failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &countingHandler{err: tt.err}
			d := newDispatcher(t, func(r *Registry) { r.MustRegister("STORE", h) })
			out := d.Dispatch(context.Background(), &models.Command{Tag: "t", Verb: "STORE"}, session(models.StateSelected), nil)
			assert.Equal(t, tt.want, out.Completion().String())
			assert.Nil(t, out.Transition)
		})
	}
}

func TestDispatch_FailedHandlerDropsTransition(t *testing.T) {
	h := &countingHandler{
		res: &Result{Transition: &models.Transition{To: models.StateAuthenticated}},
		err: No("LOGIN failed"),
	}
	d := newDispatcher(t, func(r *Registry) { r.MustRegister("LOGIN", h) })

	out := d.Dispatch(context.Background(), &models.Command{Tag: "a", Verb: "LOGIN"}, session(models.StateNotAuthenticated), nil)
	assert.Equal(t, "a NO LOGIN failed", out.Completion().String())
	assert.Nil(t, out.Transition)
}

func TestDispatch_PanicIsContained(t *testing.T) {
	h := HandlerFunc(func(req *Request) (*Result, error) {
		panic("boom")
	})
	d := newDispatcher(t, func(r *Registry) { r.MustRegister("FETCH", h) })

	out := d.Dispatch(context.Background(), &models.Command{Tag: "p", Verb: "FETCH"}, session(models.StateSelected), nil)
	assert.Equal(t, "p NO FETCH failed", out.Completion().String())
}

func TestDispatch_IllegalTransitionRejected(t *testing.T) {
	h := &countingHandler{res: &Result{Transition: &models.Transition{To: models.StateNotAuthenticated}}}
	d := newDispatcher(t, func(r *Registry) { r.MustRegister("NOOP", h) })

	out := d.Dispatch(context.Background(), &models.Command{Tag: "n", Verb: "NOOP"}, session(models.StateSelected), nil)
	assert.Equal(t, "n NO NOOP failed", out.Completion().String())
	assert.Nil(t, out.Transition)
}

func TestDispatch_SeesSnapshotOnly(t *testing.T) {
	h := HandlerFunc(func(req *Request) (*Result, error) {
		req.Session.Username = "mallory"
		req.Session.State = models.StateLogout
		return OK(), nil
	})
	d := newDispatcher(t, func(r *Registry) { r.MustRegister("NOOP", h) })

	sess := models.NewClientState("s", "")
	sess.State = models.StateAuthenticated
	sess.Username = "alice"
	d.Dispatch(context.Background(), &models.Command{Tag: "n", Verb: "NOOP"}, sess.Snapshot(), nil)

	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, models.StateAuthenticated, sess.State)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("noop", &countingHandler{}))
	assert.Error(t, r.Register("NOOP", &countingHandler{}), "duplicate verb")

	reg, ok := r.Lookup("Noop")
	require.True(t, ok)
	assert.Equal(t, "NOOP", reg.Verb)
	assert.True(t, reg.Allowed(models.StateNotAuthenticated))
	assert.True(t, reg.Allowed(models.StateSelected))
	assert.False(t, reg.Allowed(models.StateLogout))

	r.Seal()
	assert.True(t, r.Sealed())
	assert.Error(t, r.Register("IDLE", &countingHandler{}))
	assert.Equal(t, []string{"NOOP"}, r.Verbs())
}
