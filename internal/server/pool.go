package server

import (
	"context"
	"net"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *IMAPServer) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}
	level.Info(s.logger).Log("msg", "listening", "addr", l.Addr().String(),
		"workers", s.opts.Workers, "queue", s.opts.QueueSize)
	return s.Serve(ctx, l)
}

// Serve accepts connections on l and runs each to completion on one of a
// fixed number of workers. When every worker is busy, accepted connections
// wait in a bounded queue; once it is full the acceptor stops accepting
// until a worker frees up. Serve closes l and returns after ctx is done and
// every session has ended.
func (s *IMAPServer) Serve(ctx context.Context, l net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan net.Conn, s.opts.QueueSize)

	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for conn := range queue {
				s.metrics.Queued.Add(-1)
				s.metrics.ActiveSessions.Add(1)
				s.HandleConnection(gctx, conn)
				s.metrics.ActiveSessions.Add(-1)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(queue)
		stop := context.AfterFunc(gctx, func() {
			l.Close()
		})
		defer stop()
		return s.accept(gctx, l, queue)
	})

	err := g.Wait()
	level.Info(s.logger).Log("msg", "server stopped")
	return err
}

func (s *IMAPServer) accept(ctx context.Context, l net.Listener, queue chan<- net.Conn) error {
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				level.Warn(s.logger).Log("msg", "accept failed, retrying", "err", err, "delay", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return errors.Wrap(err, "accept")
		}
		backoff = 0

		s.metrics.Connections.Add(1)
		s.metrics.Queued.Add(1)
		select {
		case queue <- conn:
		case <-ctx.Done():
			s.metrics.Queued.Add(-1)
			conn.Close()
			return nil
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
