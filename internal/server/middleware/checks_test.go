package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
)

func request(args ...models.Arg) *handler.Request {
	return &handler.Request{
		Ctx:     context.Background(),
		Command: &models.Command{Tag: "t", Verb: "TEST", Args: args},
		Session: models.ClientState{State: models.StateSelected, Username: "alice", Mailbox: "INBOX"},
		Env:     &handler.Env{Locks: lock.New()},
	}
}

func ok(req *handler.Request) (*handler.Result, error) {
	return handler.OK(), nil
}

func TestValidateMinArgs(t *testing.T) {
	h := ValidateMinArgs(2, "LOGIN requires username and password", ok)

	_, err := h(request(models.Atom("alice")))
	var se *handler.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.StatusBAD, se.Status)
	assert.Equal(t, "LOGIN requires username and password", se.Text)

	_, err = h(request(models.Atom("alice"), models.Atom("pw")))
	assert.NoError(t, err)
}

func TestValidateMaxArgs(t *testing.T) {
	h := ValidateMaxArgs(0, "NOOP takes no arguments", ok)
	_, err := h(request(models.Atom("x")))
	assert.Error(t, err)
	_, err = h(request())
	assert.NoError(t, err)
}

func TestRequireWritable(t *testing.T) {
	h := RequireWritable(ok)
	req := request()
	req.Session.ReadOnly = true

	_, err := h(req)
	var se *handler.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Mailbox is read-only", se.Text)

	req.Session.ReadOnly = false
	_, err = h(req)
	assert.NoError(t, err)
}

func TestWithSelectedLock_ReleasedOnError(t *testing.T) {
	req := request()
	failing := WithSelectedLock(lock.Exclusive, func(req *handler.Request) (*handler.Result, error) {
		assert.Equal(t, 1, req.Env.Locks.Holders(req.Key("INBOX")))
		return nil, errors.New("storage down")
	})

	_, err := failing(req)
	require.Error(t, err)
	assert.Zero(t, req.Env.Locks.Active())
}

func TestWithSelectedLock_ReleasedOnPanic(t *testing.T) {
	req := request()
	h := WithSelectedLock(lock.Exclusive, func(req *handler.Request) (*handler.Result, error) {
		panic("handler bug")
	})

	func() {
		defer func() { _ = recover() }()
		_, _ = h(req)
	}()
	assert.Zero(t, req.Env.Locks.Active())
}

func TestWithSelectedLock_ExcludesConcurrentWriter(t *testing.T) {
	req := request()
	entered := make(chan struct{})
	proceed := make(chan struct{})

	slow := WithSelectedLock(lock.Exclusive, func(req *handler.Request) (*handler.Result, error) {
		close(entered)
		<-proceed
		return handler.OK(), nil
	})
	go func() { _, _ = slow(req) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second := request()
	second.Env = req.Env
	second.Ctx = ctx
	_, err := WithSelectedLock(lock.Shared, ok)(second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(proceed)
	require.Eventually(t, func() bool { return req.Env.Locks.Active() == 0 }, time.Second, time.Millisecond)
}

func TestWithSelectedLock_NoSelection(t *testing.T) {
	req := request()
	req.Session.Mailbox = ""
	_, err := WithSelectedLock(lock.Shared, ok)(req)
	var se *handler.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.StatusNO, se.Status)
}
