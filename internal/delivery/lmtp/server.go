// Package lmtp accepts mail from an MTA over LMTP (RFC 2033) and appends it
// to the recipients' mailboxes.
package lmtp

import (
	"bytes"
	"context"
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

	"kestrel/internal/conf"
	"kestrel/internal/metrics"
	"kestrel/internal/server/lock"
	"kestrel/internal/storage"
)

// Server delivers into a storage backend, taking exclusive coordinator
// access to each target mailbox the same way IMAP mutations do.
type Server struct {
	cfg     conf.DeliveryConfig
	backend storage.Backend
	locks   *lock.Coordinator
	metrics *metrics.Metrics
	logger  log.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// NewServer fills unset limits from conf.DefaultConfig.
func NewServer(cfg conf.DeliveryConfig, backend storage.Backend, locks *lock.Coordinator, m *metrics.Metrics, logger log.Logger) *Server {
	def := conf.DefaultConfig().Delivery
	if cfg.Hostname == "" {
		cfg.Hostname = def.Hostname
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = def.MaxRecipients
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = def.Mailbox
	}
	if m == nil {
		m = metrics.NewDiscard()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		locks:   locks,
		metrics: m,
		logger:  log.With(logger, "component", "lmtp"),
		now:     time.Now,
	}
}

// network picks a unix socket for addresses that look like paths.
func network(addr string) string {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, ".") {
		return "unix"
	}
	return "tcp"
}

// ListenAndServe listens on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	nw := network(s.cfg.Addr)
	if nw == "unix" {
		os.Remove(s.cfg.Addr)
	}
	l, err := net.Listen(nw, s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	if nw == "unix" {
		defer os.Remove(s.cfg.Addr)
		if err := os.Chmod(s.cfg.Addr, 0666); err != nil {
			level.Warn(s.logger).Log("msg", "set socket permissions", "err", err)
		}
	}
	level.Info(s.logger).Log("msg", "listening", "network", nw, "addr", s.cfg.Addr)
	return s.Serve(ctx, l)
}

// Serve handles connections from l, one goroutine each, and returns once
// ctx is done and every session has finished.
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
	level.Info(s.logger).Log("msg", "server stopped")
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	sess := newSession(s, conn, log.With(s.logger, "session", uuid.NewString(), "remote", conn.RemoteAddr().String()))
	if err := sess.serve(ctx); err != nil {
		level.Debug(sess.logger).Log("msg", "session ended", "err", err)
	}
}

// Deliver appends body to the configured mailbox of user, prefixed with a
// Return-Path and a Received trace header.
func (s *Server) Deliver(ctx context.Context, user, from string, body []byte) error {
	mailbox := s.cfg.Mailbox
	release, err := s.locks.Acquire(ctx, lock.Key(user, mailbox), lock.Exclusive)
	if err != nil {
		return err
	}
	defer release()

	now := s.now()
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "Return-Path: <%s>\r\n", from)
	fmt.Fprintf(&msg, "Received: by %s with LMTP id %s; %s\r\n",
		s.cfg.Hostname, uuid.NewString(), now.Format(time.RFC1123Z))
	msg.Write(body)

	if _, err := s.backend.AppendMessage(ctx, user, mailbox, nil, now, msg.Bytes()); err != nil {
		return errors.Wrapf(err, "deliver to %s", user)
	}
	return nil
}
