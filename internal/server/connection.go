package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"kestrel/internal/logging"
	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/parser"
)

const (
	readChunk = 4096

	textContinue = "Ready for literal data"
	textIdle     = "Autologout; idle for too long"
	textShutdown = "Server shutting down"
)

// errLogout ends the session loop after LOGOUT completed.
var errLogout = errors.New("logout")

// connection drives one session. It is owned by a single worker goroutine.
type connection struct {
	srv    *IMAPServer
	conn   net.Conn
	ctx    context.Context
	state  *models.ClientState
	parser *parser.Parser
	w      *bufio.Writer
	logger log.Logger
	buf    []byte

	// pins the selected mailbox's coordinator entry
	hold lock.Release

	// set once the final BYE is being written; its own deadline applies
	closing bool
}

// HandleConnection serves conn until the client logs out, the connection
// fails or ctx is done. It always closes conn.
func (s *IMAPServer) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	c := &connection{
		srv:    s,
		conn:   conn,
		ctx:    ctx,
		state:  models.NewClientState(id, remote),
		parser: parser.New(s.parserOptions()),
		w:      bufio.NewWriter(conn),
		logger: log.With(s.logger, "session", id, "remote", remote),
		buf:    make([]byte, readChunk),
	}
	defer c.releaseHold()
	defer func() {
		if r := recover(); r != nil {
			level.Error(c.logger).Log("msg", "session panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	// interrupt a blocked read when the server shuts down
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	level.Debug(c.logger).Log("msg", "session started")
	err := c.serve()
	switch {
	case err == nil, errors.Is(err, errLogout), errors.Is(err, io.EOF):
		level.Debug(c.logger).Log("msg", "session closed", "user", c.state.Username)
	default:
		level.Info(c.logger).Log("msg", "session ended", "user", c.state.Username, "err", err)
	}
}

func (c *connection) serve() error {
	if c.ctx.Err() != nil {
		c.bye(textShutdown)
		return nil
	}

	greeting := models.UntaggedStatus(models.StatusOK,
		"CAPABILITY "+strings.Join(c.srv.env.Capabilities, " "), c.srv.opts.Greeting)
	if err := c.write(greeting); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}

	for {
		if err := c.process(); err != nil {
			return err
		}
		if c.parser.NeedsContinuation() {
			if err := c.write(models.Continuation(textContinue)); err != nil {
				return err
			}
		}
		if err := c.flush(); err != nil {
			return err
		}
		if err := c.fill(); err != nil {
			return c.readFailed(err)
		}
	}
}

// process parses every complete command in the buffer and runs them in
// arrival order. AUTHENTICATE may read continuation lines from the buffer
// itself, so nothing past it is parsed until it has run.
func (c *connection) process() error {
	for {
		cmd, err := c.parser.Next()
		if err == parser.ErrIncomplete {
			return c.runPending()
		}
		if err != nil {
			var perr *parser.ParseError
			if !errors.As(err, &perr) {
				return err
			}
			if err := c.runPending(); err != nil {
				return err
			}
			if err := c.parseFailed(perr); err != nil {
				return err
			}
			continue
		}

		level.Debug(c.logger).Log("msg", "command", "tag", cmd.Tag, "verb", cmd.Verb)
		c.state.Enqueue(cmd)
		if cmd.Verb == "AUTHENTICATE" {
			if err := c.runPending(); err != nil {
				return err
			}
		}
	}
}

func (c *connection) runPending() error {
	for cmd := c.state.Dequeue(); cmd != nil; cmd = c.state.Dequeue() {
		if err := c.execute(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) execute(cmd *models.Command) error {
	out := c.srv.dispatcher.Dispatch(c.ctx, cmd, c.state.Snapshot(), c)

	if t := out.Transition; t != nil {
		if err := c.state.Apply(*t); err != nil {
			level.Error(c.logger).Log("msg", "transition rejected", "verb", cmd.Verb, "err", err)
		} else {
			c.rehold()
		}
	}
	responses := out.Responses
	if out.View != nil {
		c.state.UpdateView(*out.View)
	} else if out.Transition == nil && c.state.State == models.StateSelected {
		responses = c.sync(cmd, responses)
	}

	for _, r := range responses {
		if err := c.write(r); err != nil {
			return err
		}
	}
	if c.state.State == models.StateLogout {
		if err := c.flush(); err != nil {
			return err
		}
		return errLogout
	}
	return nil
}

// sync reports what other sessions changed in the selected mailbox ahead of
// the completion of cmd, and records it in the session's view.
func (c *connection) sync(cmd *models.Command, responses []models.Response) []models.Response {
	release, err := c.srv.env.Locks.Acquire(c.ctx, lock.Key(c.state.Username, c.state.Mailbox), lock.Shared)
	if err != nil {
		return responses
	}
	defer release()

	updates, view, err := handler.Sync(c.ctx, c.srv.env, c.state.Snapshot(), handler.ExpungeAllowed(cmd.Verb))
	if err != nil {
		level.Debug(c.logger).Log("msg", "mailbox sync failed", "mailbox", c.state.Mailbox, "err", err)
		return responses
	}
	c.state.UpdateView(view)
	if len(updates) == 0 {
		return responses
	}

	last := len(responses) - 1
	out := make([]models.Response, 0, len(responses)+len(updates))
	out = append(out, responses[:last]...)
	out = append(out, updates...)
	return append(out, responses[last])
}

// rehold moves the coordinator pin to the currently selected mailbox. The
// old pin is dropped first.
func (c *connection) rehold() {
	c.releaseHold()
	if c.state.State == models.StateSelected {
		c.hold = c.srv.env.Locks.Hold(lock.Key(c.state.Username, c.state.Mailbox))
	}
}

func (c *connection) releaseHold() {
	if c.hold != nil {
		c.hold()
		c.hold = nil
	}
}

func (c *connection) parseFailed(perr *parser.ParseError) error {
	level.Debug(c.logger).Log("msg", "parse error", "tag", perr.Tag, "err", perr.Msg)
	if perr.Fatal {
		c.bye(perr.Msg)
		return perr
	}
	if perr.Tag == "" {
		return c.write(models.UntaggedStatus(models.StatusBAD, "", perr.Msg))
	}
	return c.write(models.Tagged(perr.Tag, models.StatusBAD, "", perr.Msg))
}

func (c *connection) readFailed(err error) error {
	if c.ctx.Err() != nil {
		c.bye(textShutdown)
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.bye(textIdle)
		return errors.Wrap(err, "idle timeout")
	}
	return err
}

// bye sends a final untagged BYE. Failures are ignored since the session
// is ending anyway.
func (c *connection) bye(text string) {
	c.closing = true
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	c.write(models.UntaggedStatus(models.StatusBYE, "", text))
	c.flush()
}

// fill blocks for the next chunk of client data and feeds it to the parser.
func (c *connection) fill() error {
	c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.IdleTimeout))
	// the shutdown hook may have fired before the deadline was reset
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		c.parser.Feed(c.buf[:n])
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	return err
}

func (c *connection) write(r models.Response) error {
	line := r.String()
	level.Debug(c.logger).Log("msg", "response", "line", logging.Traffic(line))
	c.armWrite()
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		return errors.Wrap(err, "write response")
	}
	return nil
}

func (c *connection) flush() error {
	c.armWrite()
	return errors.Wrap(c.w.Flush(), "flush")
}

// armWrite bounds the next socket write by the idle timeout, so a client
// that stops reading cannot hold a worker.
func (c *connection) armWrite() {
	if c.closing {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.IdleTimeout))
}

// Challenge sends a continuation request and returns the client's next
// line. It implements handler.Challenger for AUTHENTICATE.
func (c *connection) Challenge(ctx context.Context, prompt string) (string, error) {
	if err := c.write(models.Continuation(prompt)); err != nil {
		return "", err
	}
	if err := c.flush(); err != nil {
		return "", err
	}
	for {
		line, err := c.parser.ReadLine()
		if err == nil {
			return line, nil
		}
		if err != parser.ErrIncomplete {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := c.fill(); err != nil {
			return "", err
		}
	}
}
