// Package loop is the single-threaded edge-triggered readiness loop:
// the component the rest of the server exists to feed work to. It
// never blocks on user code — every readiness event either completes
// a drain-and-dispatch in-line or closes the connection and hands off
// to a worker.
package loop

import (
	"context"

	"github.com/edgesock/edgesock/internal/dispatch"
	"github.com/edgesock/edgesock/internal/epoll"
	"github.com/edgesock/edgesock/internal/registry"
	"github.com/edgesock/edgesock/internal/stats"
	"github.com/edgesock/edgesock/internal/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// defaultBatchSize is the readiness event buffer capacity (spec
// default of 100).
const defaultBatchSize = 100

// Loop owns the epoll instance, the connection registry, and the
// wake eventfd used for cooperative cancellation.
type Loop struct {
	poller    *epoll.Poller
	waker     *epoll.Waker
	registry  *registry.Registry[*stream.Stream]
	dispatch  *dispatch.Dispatcher
	counters  *stats.Counters
	batchSize int
	log       *logrus.Logger
}

// New builds a Loop over its own epoll instance and wake descriptor.
func New(reg *registry.Registry[*stream.Stream], d *dispatch.Dispatcher, counters *stats.Counters, batchSize int, log *logrus.Logger) (*Loop, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	poller, err := epoll.New()
	if err != nil {
		return nil, err
	}
	waker, err := epoll.NewWaker()
	if err != nil {
		poller.Close()
		return nil, err
	}
	if err := poller.Add(waker.FD(), epoll.Readable); err != nil {
		poller.Close()
		waker.Close()
		return nil, err
	}
	return &Loop{
		poller:    poller,
		waker:     waker,
		registry:  reg,
		dispatch:  d,
		counters:  counters,
		batchSize: batchSize,
		log:       log,
	}, nil
}

// Poller exposes the underlying epoll instance. The accept path does
// not use it; it registers plain streams through Register.
func (l *Loop) Poller() *epoll.Poller { return l.poller }

// Register adds s to both the registry and the readiness set, in
// that order, so that the first readiness event can never fire for a
// descriptor the registry doesn't yet know about.
func (l *Loop) Register(s *stream.Stream) error {
	l.registry.Insert(s.FD(), s)
	if err := l.poller.Add(s.FD(), epoll.Readable|epoll.EdgeTriggered|epoll.ReadHangUp); err != nil {
		l.registry.Remove(s.FD())
		return err
	}
	l.counters.ConnReceived()
	return nil
}

// Stop wakes a blocked Wait call so Run can observe ctx being done.
func (l *Loop) Stop() error {
	return l.waker.Wake()
}

// Close tears down the epoll instance and wake descriptor. Does not
// close any registered streams; callers are expected to drain the
// registry separately if a clean shutdown sequence matters to them.
func (l *Loop) Close() error {
	if err := l.waker.Close(); err != nil {
		return err
	}
	return l.poller.Close()
}

// Run blocks, servicing readiness events, until ctx is cancelled. This
// is an additive cooperative-cancellation extension (spec.md §5 notes
// the core itself has no shutdown path); the steady-state call to
// Wait still uses -1 (indefinite) exactly as specified, cancellation
// rides in as ordinary readiness on the wake eventfd.
func (l *Loop) Run(ctx context.Context) error {
	buf := make([]unix.EpollEvent, l.batchSize)
	for {
		events, err := l.poller.Wait(buf, -1)
		if err != nil {
			return err
		}
		for _, e := range events {
			if int(e.FD) == l.waker.FD() {
				l.waker.Drain()
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				continue
			}
			l.handleEvent(e)
		}
	}
}

func (l *Loop) handleEvent(e epoll.Event) {
	fd := int(e.FD)

	s, ok := l.registry.Take(fd)
	if !ok {
		// Ghost fd: defensive cleanup, never propagated.
		if err := l.poller.Remove(fd); err != nil {
			l.log.WithError(err).Warn("loop: remove ghost fd from readiness set")
		}
		unix.Close(fd)
		return
	}

	if e.Events&(epoll.Readable) != 0 {
		if err := s.Recv(); err != nil {
			l.closeAndNotify(fd, s)
			return
		}
		frames := s.Drain()
		l.dispatch.Frames(fd, s, frames)
		l.registry.PutBack(fd, s)
		return
	}

	// Only hang-up/error bits set.
	l.closeAndNotify(fd, s)
}

func (l *Loop) closeAndNotify(fd int, s *stream.Stream) {
	if err := l.poller.Remove(fd); err != nil {
		l.log.WithError(err).Warn("loop: remove fd from readiness set on close")
	}
	if err := s.Close(); err != nil {
		l.log.WithError(err).Debug("loop: error closing stream")
	}
	l.counters.FDClosed()
	l.counters.ConnLost()
	l.dispatch.Closed(fd)
}
