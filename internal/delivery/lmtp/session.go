package lmtp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"kestrel/internal/storage"
)

var (
	errQuit = errors.New("quit")

	errTooLarge = errors.New("message exceeds maximum size")
)

type recipient struct {
	address string
	user    string
}

type session struct {
	srv    *Server
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	logger log.Logger

	helo       string
	from       string
	haveFrom   bool
	recipients []recipient
}

func newSession(srv *Server, conn net.Conn, logger log.Logger) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		logger: logger,
	}
}

func (s *session) serve(ctx context.Context) error {
	if err := s.reply(220, "%s LMTP service ready", s.srv.cfg.Hostname); err != nil {
		return err
	}
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.Timeout))
		line, err := s.r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				s.reply(421, "4.3.2 Service shutting down")
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		level.Debug(s.logger).Log("msg", "command", "line", line)

		verb, args := line, ""
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb, args = line[:i], strings.TrimSpace(line[i+1:])
		}
		if err := s.handle(ctx, strings.ToUpper(verb), args); err != nil {
			if err == errQuit {
				return nil
			}
			return err
		}
	}
}

func (s *session) handle(ctx context.Context, verb, args string) error {
	switch verb {
	case "LHLO":
		return s.lhlo(args)
	case "MAIL":
		return s.mail(args)
	case "RCPT":
		return s.rcpt(args)
	case "DATA":
		return s.data(ctx)
	case "RSET":
		s.reset()
		return s.reply(250, "2.0.0 OK")
	case "NOOP":
		return s.reply(250, "2.0.0 OK")
	case "VRFY":
		return s.reply(252, "2.5.2 Cannot VRFY user, but will accept message")
	case "HELP":
		return s.reply(214, "2.0.0 Commands: LHLO MAIL RCPT DATA RSET NOOP VRFY QUIT")
	case "QUIT":
		s.reply(221, "2.0.0 Bye")
		return errQuit
	case "HELO", "EHLO":
		return s.reply(500, "5.5.1 This is an LMTP server, use LHLO")
	default:
		return s.reply(500, "5.5.2 Command not recognized")
	}
}

func (s *session) lhlo(args string) error {
	if args == "" {
		return s.reply(501, "5.5.4 LHLO requires a domain")
	}
	s.helo = args
	s.reset()
	return s.multiline(250,
		s.srv.cfg.Hostname,
		"PIPELINING",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", s.srv.cfg.MaxSize),
		"8BITMIME",
	)
}

func (s *session) mail(args string) error {
	switch {
	case s.helo == "":
		return s.reply(503, "5.5.1 Send LHLO first")
	case s.haveFrom:
		return s.reply(503, "5.5.1 Sender already specified")
	}
	from, params, err := pathArg(args, "FROM:")
	if err != nil {
		return s.reply(501, "5.5.4 %v", err)
	}
	if from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			return s.reply(553, "5.1.7 Invalid sender address")
		}
	}
	if size, ok := params["SIZE"]; ok {
		var n int64
		if _, err := fmt.Sscan(size, &n); err != nil || n > s.srv.cfg.MaxSize {
			return s.reply(552, "5.3.4 Message size exceeds limit")
		}
	}
	s.from = from
	s.haveFrom = true
	return s.reply(250, "2.1.0 Sender OK")
}

func (s *session) rcpt(args string) error {
	if !s.haveFrom {
		return s.reply(503, "5.5.1 Send MAIL FROM first")
	}
	if len(s.recipients) >= s.srv.cfg.MaxRecipients {
		return s.reply(452, "4.5.3 Too many recipients")
	}
	to, _, err := pathArg(args, "TO:")
	if err != nil || to == "" {
		return s.reply(501, "5.5.4 Invalid RCPT TO syntax")
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return s.reply(550, "5.1.3 Invalid recipient address")
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at <= 0 {
		return s.reply(550, "5.1.3 Invalid recipient address")
	}
	if !s.srv.domainAllowed(addr.Address[at+1:]) {
		return s.reply(550, "5.7.1 Relay not permitted")
	}
	s.recipients = append(s.recipients, recipient{address: addr.Address, user: addr.Address[:at]})
	return s.reply(250, "2.1.5 Recipient OK")
}

func (s *session) data(ctx context.Context) error {
	switch {
	case !s.haveFrom:
		return s.reply(503, "5.5.1 Send MAIL FROM first")
	case len(s.recipients) == 0:
		return s.reply(503, "5.5.1 Send RCPT TO first")
	}
	if err := s.reply(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	body, err := readData(s.r, s.srv.cfg.MaxSize)
	if err == errTooLarge {
		defer s.reset()
		return s.eachRecipient(552, "5.3.4 Message size exceeds limit")
	}
	if err != nil {
		return err
	}
	if _, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body))); err != nil {
		defer s.reset()
		return s.eachRecipient(554, "5.6.0 Malformed message header")
	}

	// one reply per accepted recipient, in RCPT order
	for _, rcpt := range s.recipients {
		err := s.srv.Deliver(ctx, rcpt.user, s.from, body)
		switch {
		case err == nil:
			s.srv.metrics.Deliveries.With("status", "delivered").Add(1)
			level.Info(s.logger).Log("msg", "delivered", "rcpt", rcpt.address, "size", len(body))
			err = s.reply(250, "2.0.0 <%s> Message accepted", rcpt.address)
		case errors.Is(err, storage.ErrNoSuchMailbox):
			s.srv.metrics.Deliveries.With("status", "rejected").Add(1)
			err = s.reply(550, "5.2.1 <%s> Mailbox unavailable", rcpt.address)
		default:
			s.srv.metrics.Deliveries.With("status", "deferred").Add(1)
			level.Error(s.logger).Log("msg", "delivery failed", "rcpt", rcpt.address, "err", err)
			err = s.reply(451, "4.3.0 <%s> Temporary delivery failure", rcpt.address)
		}
		if err != nil {
			return err
		}
	}
	s.reset()
	return nil
}

func (s *session) eachRecipient(code int, text string) error {
	for range s.recipients {
		if err := s.reply(code, "%s", text); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) reset() {
	s.from = ""
	s.haveFrom = false
	s.recipients = nil
}

func (s *Server) domainAllowed(domain string) bool {
	if len(s.cfg.AllowedDomains) == 0 {
		return true
	}
	for _, d := range s.cfg.AllowedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// pathArg splits "FROM:<addr> PARAM=value ..." into the address and its
// parameters.
func pathArg(args, prefix string) (string, map[string]string, error) {
	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", nil, errors.Errorf("expected %s", prefix)
	}
	rest := strings.TrimSpace(args[len(prefix):])
	if !strings.HasPrefix(rest, "<") {
		return "", nil, errors.New("address must be enclosed in <>")
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, errors.New("unterminated address")
	}
	params := make(map[string]string)
	for _, p := range strings.Fields(rest[end+1:]) {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}
	return rest[1:end], params, nil
}

// readData reads a dot-terminated message, undoing dot-stuffing and
// normalizing line endings to CRLF. An oversized message is still read to
// its end so the session stays in sync.
func readData(r *bufio.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	tooLarge := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrap(err, "read message data")
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")
		if tooLarge {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
		if int64(buf.Len()) > max {
			tooLarge = true
			buf.Reset()
		}
	}
	if tooLarge {
		return nil, errTooLarge
	}
	return buf.Bytes(), nil
}

func (s *session) reply(code int, format string, args ...interface{}) error {
	line := fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...))
	level.Debug(s.logger).Log("msg", "reply", "line", line)
	if _, err := s.w.WriteString(line + "\r\n"); err != nil {
		return errors.Wrap(err, "write reply")
	}
	return errors.Wrap(s.w.Flush(), "flush")
}

func (s *session) multiline(code int, lines ...string) error {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(s.w, "%d%s%s\r\n", code, sep, l); err != nil {
			return errors.Wrap(err, "write reply")
		}
	}
	return errors.Wrap(s.w.Flush(), "flush")
}
