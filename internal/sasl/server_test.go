package sasl

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/auth"
)

type client struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dial(t *testing.T, a auth.Authenticator) *client {
	t.Helper()
	srv := NewServer("", a, nil)
	server, conn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handle(ctx, server)
	}()
	t.Cleanup(func() {
		cancel()
		conn.Close()
		<-done
	})
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	c := &client{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
	var handshake []string
	for {
		l := c.line()
		handshake = append(handshake, strings.SplitN(l, "\t", 2)[0])
		if l == "DONE" {
			break
		}
	}
	assert.Equal(t, []string{"VERSION", "MECH", "MECH", "SPID", "CUID", "COOKIE", "DONE"}, handshake)
	c.send("VERSION\t1\t2")
	c.send("CPID\t4242")
	return c
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) line() string {
	c.t.Helper()
	require.True(c.t, c.scanner.Scan(), "connection closed: %v", c.scanner.Err())
	return c.scanner.Text()
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func users(t *testing.T) auth.Authenticator {
	t.Helper()
	u := auth.NewStaticUsers()
	require.NoError(t, u.Add("alice", "secret"))
	return u
}

func TestPlainWithInitialResponse(t *testing.T) {
	c := dial(t, users(t))

	c.send("AUTH\t1\tPLAIN\tservice=smtp\tresp=" + b64("\x00alice\x00secret"))
	assert.Equal(t, "OK\t1\tuser=alice", c.line())

	c.send("AUTH\t2\tPLAIN\tservice=smtp\tresp=" + b64("\x00alice\x00wrong"))
	assert.Equal(t, "FAIL\t2\tuser=alice\treason=Invalid credentials", c.line())
}

func TestPlainWithContinuation(t *testing.T) {
	c := dial(t, users(t))

	c.send("AUTH\t7\tPLAIN\tservice=smtp")
	assert.Equal(t, "CONT\t7\t", c.line())
	c.send("CONT\t7\t" + b64("alice\x00secret"))
	assert.Equal(t, "OK\t7\tuser=alice", c.line())
}

func TestLogin(t *testing.T) {
	c := dial(t, users(t))

	c.send("AUTH\t3\tLOGIN\tservice=smtp")
	assert.Equal(t, "CONT\t3\t"+b64("Username:"), c.line())
	c.send("CONT\t3\t" + b64("alice"))
	assert.Equal(t, "CONT\t3\t"+b64("Password:"), c.line())
	c.send("CONT\t3\t" + b64("secret"))
	assert.Equal(t, "OK\t3\tuser=alice", c.line())
}

func TestMalformedRequests(t *testing.T) {
	c := dial(t, users(t))

	c.send("AUTH\t1\tCRAM-MD5\tservice=smtp")
	assert.Equal(t, "FAIL\t1\treason=Unsupported mechanism", c.line())

	c.send("AUTH\t2\tPLAIN\tresp=!!!")
	assert.Equal(t, "FAIL\t2\treason=Invalid encoding", c.line())

	c.send("AUTH\t3\tPLAIN\tresp=" + b64("no separators"))
	assert.Equal(t, "FAIL\t3\treason=Invalid credentials format", c.line())

	c.send("CONT\t99\t" + b64("x"))
	assert.Equal(t, "FAIL\t99\treason=Unexpected continuation", c.line())
}

func TestUnavailableBackendIsTemporary(t *testing.T) {
	down := auth.AuthenticatorFunc(func(ctx context.Context, username, password string) (string, error) {
		return "", auth.ErrUnavailable
	})
	c := dial(t, down)

	c.send("AUTH\t1\tPLAIN\tresp=" + b64("\x00alice\x00secret"))
	assert.Equal(t, "FAIL\t1\tuser=alice\ttemp\treason=Authentication service unavailable", c.line())
}

func TestUnsupportedVersionCloses(t *testing.T) {
	c := dial(t, users(t))
	c.send("VERSION\t2\t0")
	assert.False(t, c.scanner.Scan())
}
