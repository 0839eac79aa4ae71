// Package server is the top-level orchestrator: it owns construction
// of the listener, registry, worker pool, dispatcher and readiness
// loop as explicit, dependency-injected values (no process-wide
// globals) and runs the listener thread and readiness loop thread for
// the lifetime of the process or until the caller cancels its context.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"syscall"

	"github.com/edgesock/edgesock/internal/dispatch"
	"github.com/edgesock/edgesock/internal/frame"
	"github.com/edgesock/edgesock/internal/listener"
	"github.com/edgesock/edgesock/internal/loop"
	"github.com/edgesock/edgesock/internal/registry"
	"github.com/edgesock/edgesock/internal/stats"
	"github.com/edgesock/edgesock/internal/stream"
	"github.com/edgesock/edgesock/internal/workerpool"
	"github.com/sirupsen/logrus"
)

// Config collects every value the core consumes from its external
// collaborators: address, worker count, optional TLS, and the
// pluggable pieces (codec, handler, logger) treated as swappable
// ambient stack rather than core policy.
type Config struct {
	ListenAddr     string
	ListenPort     int
	Backlog        int
	Workers        int
	WorkerQueue    int
	ReadinessBatch int
	TLSConfig      *tls.Config
	Codec          frame.Codec
	Handler        workerpool.Handler
	Logger         *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WorkerQueue <= 0 {
		c.WorkerQueue = 64
	}
	if c.ReadinessBatch <= 0 {
		c.ReadinessBatch = 100
	}
	if c.Codec == nil {
		c.Codec = frame.LengthPrefixed{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Server is a fully wired instance: listener + registry + worker pool
// + dispatcher + readiness loop.
type Server struct {
	cfg      Config
	listener *listener.Listener
	pool     *workerpool.Pool
	reg      *registry.Registry[*stream.Stream]
	loop     *loop.Loop
	counters *stats.Counters
	log      *logrus.Logger
}

// New constructs a Server, including binding the listen socket and
// creating the epoll instance. Returns an error for any setup failure,
// the only category treated as fatal at process level.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()

	counters := stats.NewCounters()

	lis, err := listener.New(cfg.ListenAddr, cfg.ListenPort, cfg.Backlog, cfg.TLSConfig, cfg.Codec, counters)
	if err != nil {
		return nil, err
	}

	pool := workerpool.New(cfg.Workers, cfg.WorkerQueue, cfg.Handler, counters, cfg.Logger)
	d := dispatch.New(pool, counters)
	reg := registry.New[*stream.Stream]()

	lp, err := loop.New(reg, d, counters, cfg.ReadinessBatch, cfg.Logger)
	if err != nil {
		lis.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		listener: lis,
		pool:     pool,
		reg:      reg,
		loop:     lp,
		counters: counters,
		log:      cfg.Logger,
	}, nil
}

// Counters exposes the process-wide stats counters, e.g. for an
// operator-facing metrics endpoint outside the core.
func (s *Server) Counters() *stats.Counters { return s.counters }

// Port returns the bound listen port (useful after binding port 0).
func (s *Server) Port() (int, error) { return s.listener.Port() }

// Run starts the listener's accept loop and the readiness loop, and
// returns once ctx is cancelled or either loop exits on its own. TLS
// connections are driven off the epoll set entirely (see
// internal/stream's TLS pump); plain connections are registered with
// the readiness loop as usual.
//
// Graceful shutdown is explicitly out of scope at the core level
// (spec.md §5); cancelling ctx only wakes the readiness loop and
// closes the listen socket. The accept goroutine, if blocked inside a
// blocking accept(2) call at the moment of cancellation, is not
// force-unblocked — Run does not wait for it before returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptErrCh := make(chan error, 1)
	go s.acceptLoop(ctx, acceptErrCh)

	loopErrCh := make(chan error, 1)
	go func() { loopErrCh <- s.loop.Run(ctx) }()

	select {
	case <-ctx.Done():
		s.loop.Stop()
		s.listener.Close()
		<-loopErrCh
		return nil
	case err := <-loopErrCh:
		s.listener.Close()
		return err
	case err := <-acceptErrCh:
		cancel()
		s.loop.Stop()
		<-loopErrCh
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, errCh chan<- error) {
	for {
		st, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				errCh <- nil
				return
			default:
			}
			// Accept returns the bare errno only when accept(2) itself
			// failed; a wrapped error means one accepted connection
			// failed setup and Accept has already closed its fd.
			if _, bare := err.(syscall.Errno); !bare {
				s.log.WithError(err).Error("server: connection setup failed, connection dropped")
				continue
			}
			errCh <- fmt.Errorf("server: accept: %w", err)
			return
		}

		if st.Kind() == stream.KindTLS {
			s.reg.Insert(st.FD(), st)
			go s.driveTLS(st)
			continue
		}

		if err := s.loop.Register(st); err != nil {
			s.log.WithError(err).Error("server: readiness registration failed, closing connection")
			st.Close()
			s.counters.FDClosed()
			continue
		}
	}
}

// driveTLS runs the per-connection loop for a TLS stream: since
// crypto/tls can't participate in the epoll set (see
// internal/stream/tls.go), each TLS connection gets its own goroutine
// that waits on the stream's notify channel instead of a shared
// readiness event. The stream is still inserted into the registry by
// acceptLoop before this goroutine starts, and removed here on close,
// so the registry's entry count reflects every live connection
// (plain or TLS) the same way fds-opened/fds-closed do.
func (s *Server) driveTLS(st *stream.Stream) {
	d := dispatch.New(s.pool, s.counters)
	fd := st.FD()
	s.counters.ConnReceived()

	notify := st.Notify()
	for range notify {
		if err := st.Recv(); err != nil {
			s.reg.Remove(fd)
			st.Close()
			s.counters.FDClosed()
			s.counters.ConnLost()
			d.Closed(fd)
			return
		}
		frames := st.Drain()
		d.Frames(fd, st, frames)
	}
}

// Close tears down the listener and readiness loop without draining
// in-flight connections; no graceful shutdown is specified at the
// core level (spec.md §5 non-goal).
func (s *Server) Close() error {
	if err := s.listener.Close(); err != nil {
		return err
	}
	return s.loop.Close()
}
