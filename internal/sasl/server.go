// Package sasl answers the Dovecot authentication protocol on a unix socket,
// so an MTA such as Postfix can check SMTP AUTH credentials against the same
// authenticators as IMAP.
package sasl

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"kestrel/internal/auth"
)

const (
	protocolMajor = 1
	protocolMinor = 2

	DefaultTimeout = 30 * time.Second
)

// Server serves one authentication conversation per connection.
type Server struct {
	socket  string
	auth    auth.Authenticator
	logger  log.Logger
	timeout time.Duration
	pid     int

	wg       sync.WaitGroup
	mu       sync.Mutex
	nextCUID int
}

func NewServer(socket string, a auth.Authenticator, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		socket:  socket,
		auth:    a,
		logger:  log.With(logger, "component", "sasl"),
		timeout: DefaultTimeout,
		pid:     os.Getpid(),
	}
}

// ListenAndServe listens on the unix socket until ctx is done. The socket
// is world writable so the MTA can reach it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.RemoveAll(s.socket); err != nil {
		return errors.Wrap(err, "remove stale socket")
	}
	l, err := net.Listen("unix", s.socket)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.socket)
	}
	defer os.Remove(s.socket)
	if err := os.Chmod(s.socket, 0666); err != nil {
		l.Close()
		return errors.Wrap(err, "set socket permissions")
	}
	level.Info(s.logger).Log("msg", "listening", "socket", s.socket)
	return s.Serve(ctx, l)
}

// Serve handles connections from l until ctx is done and every
// conversation has ended.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()

	var err error
	for {
		conn, aerr := l.Accept()
		if aerr != nil {
			if ctx.Err() == nil {
				err = errors.Wrap(aerr, "accept")
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
	s.wg.Wait()
	return err
}

// pending is an AUTH request waiting for a CONT line.
type pending struct {
	mech     string
	username string // LOGIN, after the first step
}

type conversation struct {
	srv     *Server
	conn    net.Conn
	w       *bufio.Writer
	logger  log.Logger
	pending map[string]*pending
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	s.mu.Lock()
	s.nextCUID++
	cuid := s.nextCUID
	s.mu.Unlock()

	c := &conversation{
		srv:     s,
		conn:    conn,
		w:       bufio.NewWriter(conn),
		logger:  log.With(s.logger, "cuid", cuid),
		pending: make(map[string]*pending),
	}
	c.send("VERSION", fmt.Sprint(protocolMajor), fmt.Sprint(protocolMinor))
	c.send("MECH", auth.MechPlain, "plaintext")
	c.send("MECH", "LOGIN", "plaintext")
	c.send("SPID", fmt.Sprint(s.pid))
	c.send("CUID", fmt.Sprint(cuid))
	c.send("COOKIE", strings.ReplaceAll(uuid.NewString(), "-", ""))
	c.send("DONE")
	if err := c.flush(); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.timeout))
		if !scanner.Scan() {
			break
		}
		if err := c.dispatch(ctx, strings.Split(scanner.Text(), "\t")); err != nil {
			level.Debug(c.logger).Log("msg", "conversation ended", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		level.Debug(c.logger).Log("msg", "read failed", "err", err)
	}
}

func (c *conversation) dispatch(ctx context.Context, fields []string) error {
	switch fields[0] {
	case "VERSION":
		if len(fields) < 2 || fields[1] != fmt.Sprint(protocolMajor) {
			return errors.Errorf("unsupported protocol version %v", fields[1:])
		}
		return nil
	case "CPID":
		return nil
	case "AUTH":
		if len(fields) < 3 {
			return errors.New("short AUTH request")
		}
		c.start(ctx, fields[1], fields[2], fields[3:])
	case "CONT":
		if len(fields) < 2 {
			return errors.New("short CONT request")
		}
		resp := ""
		if len(fields) > 2 {
			resp = fields[2]
		}
		c.resume(ctx, fields[1], resp)
	default:
		level.Debug(c.logger).Log("msg", "ignoring request", "cmd", fields[0])
		return nil
	}
	return c.flush()
}

func (c *conversation) start(ctx context.Context, id, mech string, params []string) {
	resp, hasResp := "", false
	for _, p := range params {
		if v, ok := strings.CutPrefix(p, "resp="); ok {
			resp, hasResp = v, true
		}
	}

	switch strings.ToUpper(mech) {
	case auth.MechPlain:
		if !hasResp {
			c.pending[id] = &pending{mech: auth.MechPlain}
			c.send("CONT", id, "")
			return
		}
		c.plain(ctx, id, resp)
	case "LOGIN":
		c.pending[id] = &pending{mech: "LOGIN"}
		if hasResp {
			c.resume(ctx, id, resp)
			return
		}
		c.send("CONT", id, base64.StdEncoding.EncodeToString([]byte("Username:")))
	default:
		c.send("FAIL", id, "reason=Unsupported mechanism")
	}
}

func (c *conversation) resume(ctx context.Context, id, resp string) {
	p, ok := c.pending[id]
	if !ok {
		c.send("FAIL", id, "reason=Unexpected continuation")
		return
	}
	if p.mech == auth.MechPlain {
		delete(c.pending, id)
		c.plain(ctx, id, resp)
		return
	}

	value, err := auth.DecodeBase64(resp)
	if err != nil {
		delete(c.pending, id)
		c.send("FAIL", id, "reason=Invalid encoding")
		return
	}
	if p.username == "" {
		p.username = string(value)
		c.send("CONT", id, base64.StdEncoding.EncodeToString([]byte("Password:")))
		return
	}
	delete(c.pending, id)
	c.verify(ctx, id, p.username, string(value))
}

func (c *conversation) plain(ctx context.Context, id, resp string) {
	msg, err := auth.DecodeBase64(resp)
	if err != nil {
		c.send("FAIL", id, "reason=Invalid encoding")
		return
	}
	creds, err := auth.DecodePlain(msg)
	if err != nil {
		c.send("FAIL", id, "reason=Invalid credentials format")
		return
	}
	c.verify(ctx, id, creds.Username, creds.Password)
}

func (c *conversation) verify(ctx context.Context, id, username, password string) {
	identity, err := c.srv.auth.Authenticate(ctx, username, password)
	switch {
	case err == nil:
		level.Info(c.logger).Log("msg", "authenticated", "user", identity)
		c.send("OK", id, "user="+identity)
	case errors.Is(err, auth.ErrInvalidCredentials):
		level.Info(c.logger).Log("msg", "authentication failed", "user", username)
		c.send("FAIL", id, "user="+username, "reason=Invalid credentials")
	default:
		level.Error(c.logger).Log("msg", "authentication unavailable", "user", username, "err", err)
		c.send("FAIL", id, "user="+username, "temp", "reason=Authentication service unavailable")
	}
}

func (c *conversation) send(fields ...string) {
	c.w.WriteString(strings.Join(fields, "\t"))
	c.w.WriteByte('\n')
}

func (c *conversation) flush() error {
	return errors.Wrap(c.w.Flush(), "flush")
}
