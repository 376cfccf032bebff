package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/handler/handlertest"
	"kestrel/internal/server/lock"
	"kestrel/internal/storage"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(s string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, s)
	require.NoError(c.t, err)
}

func (c *testClient) line() string {
	c.t.Helper()
	l, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(l, "\r\n")
}

// until reads every line up to and including the completion for tag.
func (c *testClient) until(tag string) []string {
	c.t.Helper()
	var lines []string
	for {
		l := c.line()
		lines = append(lines, l)
		if strings.HasPrefix(l, tag+" ") {
			return lines
		}
	}
}

func (c *testClient) completion(tag string) string {
	c.t.Helper()
	lines := c.until(tag)
	return lines[len(lines)-1]
}

func (c *testClient) login() {
	c.t.Helper()
	c.send("L1 LOGIN " + handlertest.Username + " " + handlertest.Password + "\r\n")
	require.Equal(c.t, "L1 OK LOGIN completed", c.completion("L1"))
}

func newServer(t *testing.T, fx *handlertest.Fixture, opts Options) *IMAPServer {
	t.Helper()
	fx.Env.Capabilities = nil
	return NewIMAPServer(opts, fx.Env, nil)
}

// startSession runs srv over an in-memory pipe and reads the greeting.
func startSession(t *testing.T, srv *IMAPServer) (*testClient, <-chan struct{}) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.HandleConnection(context.Background(), serverSide)
		close(done)
	}()
	clientSide.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() {
		clientSide.Close()
		<-done
	})

	c := &testClient{t: t, conn: clientSide, r: bufio.NewReader(clientSide)}
	greeting := c.line()
	require.True(t, strings.HasPrefix(greeting, "* OK [CAPABILITY IMAP4rev1 "), greeting)
	return c, done
}

func TestSession_Greeting(t *testing.T) {
	fx := handlertest.New(t)
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	go newServer(t, fx, Options{}).HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(clientSide).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "* OK [CAPABILITY IMAP4rev1 LITERAL+ SASL-IR AUTH=PLAIN UIDPLUS NAMESPACE UNSELECT ID] "+DefaultGreeting+"\r\n", line)
}

func TestSession_Login(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("a0 LOGIN testuser wrong\r\n")
	assert.Equal(t, "a0 NO [AUTHENTICATIONFAILED] Authentication failed", c.completion("a0"))

	c.send("a1 LOGIN testuser password\r\n")
	assert.Equal(t, "a1 OK LOGIN completed", c.completion("a1"))

	c.send("a2 LOGIN testuser password\r\n")
	assert.Equal(t, "a2 BAD Command not allowed in this state", c.completion("a2"))
}

func TestSession_CommandIllegalBeforeLogin(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("a2 SELECT INBOX\r\n")
	assert.Equal(t, "a2 BAD Command not allowed in this state", c.completion("a2"))

	// still not authenticated: LOGIN is accepted
	c.login()
}

func TestSession_IllegalCommandNeverInvokesHandler(t *testing.T) {
	var calls int32
	registry := DefaultRegistry()
	registry.MustRegister("XPROBE", handler.HandlerFunc(func(*handler.Request) (*handler.Result, error) {
		atomic.AddInt32(&calls, 1)
		return handler.OK(), nil
	}), models.StateSelected)

	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{Registry: registry}))

	c.send("p1 XPROBE\r\n")
	assert.Equal(t, "p1 BAD Command not allowed in this state", c.completion("p1"))
	c.login()
	c.send("p2 XPROBE\r\n")
	assert.Equal(t, "p2 BAD Command not allowed in this state", c.completion("p2"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	c.send("p3 SELECT INBOX\r\n")
	c.until("p3")
	c.send("p4 XPROBE\r\n")
	assert.Equal(t, "p4 OK XPROBE completed", c.completion("p4"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSession_UnknownCommand(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("u1 FROBNICATE\r\n")
	assert.Equal(t, "u1 BAD Unknown command: FROBNICATE", c.completion("u1"))
}

func TestSession_PipelinedCommandsAnswerInOrder(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("a1 NOOP\r\na2 NOOP\r\n")
	assert.Equal(t, "a1 OK NOOP completed", c.line())
	assert.Equal(t, "a2 OK NOOP completed", c.line())
}

func TestSession_PipelinedMixedStates(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	// each command sees the state left by the one before it
	c.send("b1 SELECT INBOX\r\nb2 LOGIN testuser password\r\nb3 SELECT INBOX\r\nb4 CLOSE\r\n")
	assert.Equal(t, "b1 BAD Command not allowed in this state", c.line())
	assert.Equal(t, "b2 OK LOGIN completed", c.line())
	lines := c.until("b3")
	assert.Equal(t, "b3 OK [READ-WRITE] SELECT completed", lines[len(lines)-1])
	assert.Equal(t, "b4 OK CLOSE completed", c.line())
}

func TestSession_MalformedCommandKeepsConnection(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("a3 FETCH {bad}\r\n")
	assert.Equal(t, "a3 BAD invalid literal", c.line())

	c.send("a4 NOOP\r\n")
	assert.Equal(t, "a4 OK NOOP completed", c.line())
}

func TestSession_UntaggedParseError(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("(bad\r\n")
	assert.True(t, strings.HasPrefix(c.line(), "* BAD "))

	c.send("a1 NOOP\r\n")
	assert.Equal(t, "a1 OK NOOP completed", c.line())
}

func TestSession_SynchronizingLiteral(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("a1 LOGIN {8}\r\n")
	assert.Equal(t, "+ "+textContinue, c.line())
	c.send("testuser {8}\r\n")
	assert.Equal(t, "+ "+textContinue, c.line())
	c.send("password\r\n")
	assert.Equal(t, "a1 OK LOGIN completed", c.line())
}

func TestSession_NonSynchronizingLiteral(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))
	c.login()

	msg := "Subject: hi\r\n\r\nline one\r\nline two\r\n"
	c.send("a2 APPEND INBOX {" + strconv.Itoa(len(msg)) + "+}\r\n" + msg + "\r\n")
	assert.Regexp(t, `^a2 OK \[APPENDUID \d+ 1\] APPEND completed$`, c.line())

	c.send("a3 SELECT INBOX\r\na4 FETCH 1 RFC822.SIZE\r\n")
	c.until("a3")
	assert.Equal(t, "* 1 FETCH (RFC822.SIZE "+strconv.Itoa(len(msg))+")", c.line())
	assert.Equal(t, "a4 OK FETCH completed", c.line())
}

func TestSession_LiteralTooLarge(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{MaxLiteralSize: 16}))

	c.send("a1 LOGIN {100}\r\n")
	assert.Equal(t, "a1 BAD literal too large", c.line())

	c.send("a2 NOOP\r\n")
	assert.Equal(t, "a2 OK NOOP completed", c.line())
}

func TestSession_LineTooLongIsFatal(t *testing.T) {
	fx := handlertest.New(t)
	c, done := startSession(t, newServer(t, fx, Options{MaxLineLength: 64}))

	c.send("a1 NOOP " + strings.Repeat("x", 200) + "\r\n")
	assert.Equal(t, "* BYE line too long", c.line())

	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
	<-done
}

func TestSession_IdleTimeout(t *testing.T) {
	fx := handlertest.New(t)
	c, done := startSession(t, newServer(t, fx, Options{IdleTimeout: 50 * time.Millisecond}))

	assert.Equal(t, "* BYE "+textIdle, c.line())
	<-done
}

func TestSession_ClientThatNeverReadsIsDropped(t *testing.T) {
	fx := handlertest.New(t)
	srv := newServer(t, fx, Options{IdleTimeout: 100 * time.Millisecond})
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		srv.HandleConnection(context.Background(), serverSide)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session still running with a client that never reads")
	}
	_, err := clientSide.Write([]byte("a1 NOOP\r\n"))
	assert.Error(t, err)
}

func TestSession_AuthenticateContinuation(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))

	c.send("a1 AUTHENTICATE PLAIN\r\n")
	assert.Equal(t, "+ ", c.line())

	// the command after the SASL response is already buffered when the
	// exchange ends
	resp := base64.StdEncoding.EncodeToString([]byte("\x00testuser\x00password"))
	c.send(resp + "\r\na2 NOOP\r\n")
	assert.Equal(t, "a1 OK AUTHENTICATE completed", c.line())
	assert.Equal(t, "a2 OK NOOP completed", c.line())
}

func TestSession_Logout(t *testing.T) {
	fx := handlertest.New(t)
	c, done := startSession(t, newServer(t, fx, Options{}))

	c.send("z1 LOGOUT\r\nz2 NOOP\r\n")
	assert.Equal(t, "* BYE IMAP4rev1 Server logging out", c.line())
	assert.Equal(t, "z1 OK LOGOUT completed", c.line())
	<-done

	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}

// failingStore rejects every flag update.
type failingStore struct {
	storage.Backend
}

func (failingStore) StoreFlags(ctx context.Context, user, name string, sel storage.Selector, op storage.FlagOp, flags []string) ([]storage.Message, error) {
	return nil, errors.New("backend unavailable")
}

func TestSession_StorageFailureDuringStore(t *testing.T) {
	fx := handlertest.New(t)
	fx.Append(t, "INBOX", "Subject: one\r\n\r\nbody\r\n", storage.FlagSeen)
	fx.Env.Storage = failingStore{Backend: fx.Store}
	c, done := startSession(t, newServer(t, fx, Options{}))
	c.login()

	c.send("a1 SELECT INBOX\r\n")
	c.until("a1")
	key := lock.Key(handlertest.Username, "INBOX")
	assert.Equal(t, 1, fx.Env.Locks.Holders(key))

	c.send(`a2 STORE 1 +FLAGS (\Deleted)` + "\r\n")
	assert.Equal(t, "a2 NO STORE failed", c.line())
	c.send(`a2u UID STORE 1 +FLAGS (\Deleted)` + "\r\n")
	assert.Equal(t, "a2u NO UID STORE failed", c.line())

	msgs, err := fx.Store.FetchMessages(context.Background(), handlertest.Username, "INBOX",
		storage.Selector{Set: models.SeqSet{{Start: 1, Stop: 1}}}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].HasFlag(storage.FlagDeleted))

	// only the session's own pin remains, so a writer gets in right away
	assert.Equal(t, 1, fx.Env.Locks.Holders(key))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := fx.Env.Locks.Acquire(ctx, key, lock.Exclusive)
	require.NoError(t, err)
	release()

	c.send("a3 LOGOUT\r\n")
	c.until("a3")
	<-done
	assert.Equal(t, 0, fx.Env.Locks.Active())
}

func TestSession_SwitchingMailboxMovesHold(t *testing.T) {
	fx := handlertest.New(t)
	require.NoError(t, fx.Store.CreateMailbox(context.Background(), handlertest.Username, "Archive"))
	c, _ := startSession(t, newServer(t, fx, Options{}))
	c.login()

	inbox := lock.Key(handlertest.Username, "INBOX")
	archive := lock.Key(handlertest.Username, "Archive")

	c.send("s1 SELECT INBOX\r\n")
	c.until("s1")
	assert.Equal(t, 1, fx.Env.Locks.Holders(inbox))

	c.send("s2 EXAMINE Archive\r\n")
	c.until("s2")
	assert.Equal(t, 0, fx.Env.Locks.Holders(inbox))
	assert.Equal(t, 1, fx.Env.Locks.Holders(archive))

	c.send("s3 SELECT Missing\r\n")
	assert.Equal(t, "s3 NO [TRYCREATE] Mailbox does not exist", c.completion("s3"))
	// a failed SELECT leaves the previous selection in place
	assert.Equal(t, 1, fx.Env.Locks.Holders(archive))

	c.send("s4 UNSELECT\r\n")
	c.until("s4")
	assert.Equal(t, 0, fx.Env.Locks.Active())
}

func TestSession_NoopReportsNewMessages(t *testing.T) {
	fx := handlertest.New(t)
	c, _ := startSession(t, newServer(t, fx, Options{}))
	c.login()

	c.send("n1 SELECT INBOX\r\n")
	lines := c.until("n1")
	assert.Contains(t, lines, "* 0 EXISTS")

	fx.Append(t, "INBOX", "Subject: late\r\n\r\nx\r\n")
	c.send("n2 NOOP\r\n")
	assert.Equal(t, []string{"* 1 EXISTS", "* 1 RECENT", "n2 OK NOOP completed"}, c.until("n2"))

	// already reported
	c.send("n3 NOOP\r\n")
	assert.Equal(t, []string{"n3 OK NOOP completed"}, c.until("n3"))
}

func TestSession_SequenceNumbersFollowTheSessionView(t *testing.T) {
	fx := handlertest.New(t)
	fx.Append(t, "INBOX", "Subject: one\r\n\r\nx\r\n", storage.FlagDeleted)
	fx.Append(t, "INBOX", "Subject: two\r\n\r\nx\r\n")
	fx.Append(t, "INBOX", "Subject: three\r\n\r\nx\r\n")
	srv := newServer(t, fx, Options{})

	a, _ := startSession(t, srv)
	a.login()
	a.send("a1 SELECT INBOX\r\n")
	assert.Contains(t, a.until("a1"), "* 3 EXISTS")

	b, _ := startSession(t, srv)
	b.login()
	b.send("b1 SELECT INBOX\r\n")
	b.until("b1")
	b.send("b2 EXPUNGE\r\n")
	assert.Equal(t, []string{"* 1 EXPUNGE", "b2 OK EXPUNGE completed"}, b.until("b2"))

	// message 2 is still UID 2 for a, and STORE may not renumber it
	a.send(`a2 STORE 2 +FLAGS (\Flagged)` + "\r\n")
	assert.Equal(t, []string{`* 2 FETCH (FLAGS (\Flagged))`, "a2 OK STORE completed"}, a.until("a2"))

	msgs, err := fx.Store.FetchMessages(context.Background(), handlertest.Username, "INBOX",
		storage.Selector{Set: models.SeqSet{{Start: 1, Stop: 0}}, UID: true}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(2), msgs[0].UID)
	assert.True(t, msgs[0].HasFlag(storage.FlagFlagged))
	assert.Equal(t, uint32(3), msgs[1].UID)
	assert.False(t, msgs[1].HasFlag(storage.FlagFlagged))

	a.send("a3 NOOP\r\n")
	assert.Equal(t, []string{"* 1 EXPUNGE", "a3 OK NOOP completed"}, a.until("a3"))

	// after the report, message 2 is UID 3
	a.send(`a4 STORE 2 +FLAGS (\Seen)` + "\r\n")
	assert.Equal(t, []string{`* 2 FETCH (FLAGS (\Seen))`, "a4 OK STORE completed"}, a.until("a4"))

	// arrivals are announced after the command that noticed them
	fx.Append(t, "INBOX", "Subject: four\r\n\r\nx\r\n")
	a.send("a5 FETCH 1 UID\r\n")
	assert.Equal(t, []string{"* 1 FETCH (UID 2)", "* 3 EXISTS", "* 1 RECENT", "a5 OK FETCH completed"}, a.until("a5"))

	a.send("a6 UID FETCH 4 UID\r\n")
	assert.Equal(t, []string{"* 3 FETCH (UID 4)", "a6 OK UID FETCH completed"}, a.until("a6"))
}

func TestSession_ExpungeReportWaitsForAllowedCommand(t *testing.T) {
	fx := handlertest.New(t)
	fx.Append(t, "INBOX", "Subject: one\r\n\r\nx\r\n", storage.FlagDeleted)
	fx.Append(t, "INBOX", "Subject: two\r\n\r\nx\r\n")
	c, _ := startSession(t, newServer(t, fx, Options{}))
	c.login()
	c.send("s1 SELECT INBOX\r\n")
	c.until("s1")

	_, err := fx.Store.Expunge(context.Background(), handlertest.Username, "INBOX", nil)
	require.NoError(t, err)

	// FETCH and SEARCH answer over the old numbering without reporting
	c.send("s2 SEARCH ALL\r\n")
	assert.Equal(t, []string{"* SEARCH 2", "s2 OK SEARCH completed"}, c.until("s2"))
	c.send("s3 FETCH 1:* UID\r\n")
	assert.Equal(t, []string{"* 2 FETCH (UID 2)", "s3 OK FETCH completed"}, c.until("s3"))

	c.send("s4 UID SEARCH ALL\r\n")
	assert.Equal(t, []string{"* SEARCH 2", "* 1 EXPUNGE", "s4 OK UID SEARCH completed"}, c.until("s4"))
	c.send("s5 FETCH 1 UID\r\n")
	assert.Equal(t, []string{"* 1 FETCH (UID 2)", "s5 OK FETCH completed"}, c.until("s5"))
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func TestServe_QueuesWhenWorkersBusy(t *testing.T) {
	fx := handlertest.New(t)
	srv := newServer(t, fx, Options{Workers: 1, QueueSize: 1})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()

	a := dial(t, l.Addr().String())
	assert.True(t, strings.HasPrefix(a.line(), "* OK "))

	// the only worker is busy, so b waits without a greeting
	b := dial(t, l.Addr().String())
	b.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = b.r.ReadString('\n')
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	a.send("a1 LOGOUT\r\n")
	a.until("a1")

	b.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	assert.True(t, strings.HasPrefix(b.line(), "* OK "))

	cancel()
	assert.Equal(t, "* BYE "+textShutdown, b.line())
	require.NoError(t, <-served)
}

func TestServe_SessionFailureIsIsolated(t *testing.T) {
	fx := handlertest.New(t)
	srv := newServer(t, fx, Options{Workers: 2})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()

	a := dial(t, l.Addr().String())
	a.line()
	b := dial(t, l.Addr().String())
	b.line()

	// a vanishes mid-command
	a.send("a1 LOGIN {20}\r\n")
	a.line()
	a.conn.Close()

	b.send("b1 NOOP\r\n")
	assert.Equal(t, "b1 OK NOOP completed", b.line())

	// the freed worker takes new connections
	c := dial(t, l.Addr().String())
	assert.True(t, strings.HasPrefix(c.line(), "* OK "))

	cancel()
	require.NoError(t, <-served)
}

func TestCapabilities(t *testing.T) {
	r := handler.NewRegistry()
	assert.Equal(t, []string{"IMAP4rev1", "LITERAL+", "SASL-IR", "AUTH=PLAIN"}, Capabilities(r, false))

	caps := Capabilities(DefaultRegistry(), true)
	assert.Contains(t, caps, "AUTH=XOAUTH2")
	assert.Contains(t, caps, "AUTH=OAUTHBEARER")
	assert.Contains(t, caps, "UIDPLUS")
}

func TestDefaultRegistry_States(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		verb  string
		state models.State
		want  bool
	}{
		{"CAPABILITY", models.StateNotAuthenticated, true},
		{"LOGIN", models.StateNotAuthenticated, true},
		{"LOGIN", models.StateAuthenticated, false},
		{"SELECT", models.StateNotAuthenticated, false},
		{"SELECT", models.StateSelected, true},
		{"FETCH", models.StateAuthenticated, false},
		{"FETCH", models.StateSelected, true},
		{"NOOP", models.StateLogout, false},
	}
	for _, tt := range tests {
		reg, ok := r.Lookup(tt.verb)
		require.True(t, ok, tt.verb)
		assert.Equal(t, tt.want, reg.Allowed(tt.state), "%s in %s", tt.verb, tt.state)
	}
}
