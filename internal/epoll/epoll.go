// Package epoll is a thin wrapper around the Linux epoll(7) syscalls.
// It exists so the readiness loop never touches golang.org/x/sys/unix
// directly; everything here is mechanical plumbing, the policy lives
// one layer up in internal/loop.
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event mirrors the subset of unix.EpollEvent the loop cares about:
// which fd became ready and which bitmask fired.
type Event struct {
	FD     int32
	Events uint32
}

// Readable/Writable/EdgeTriggered/HangUp/Err are the epoll event bits
// the rest of the package operates on, re-exported so callers never
// need to import golang.org/x/sys/unix themselves.
const (
	Readable      = unix.EPOLLIN
	Writable      = unix.EPOLLOUT
	EdgeTriggered = unix.EPOLLET
	HangUp        = unix.EPOLLHUP
	ReadHangUp    = unix.EPOLLRDHUP
	Err           = unix.EPOLLERR
)

// Poller is a light handle around an epoll_create1'd descriptor.
type Poller struct {
	fd int
}

// New creates a new epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create: %w", err)
	}
	return &Poller{fd: fd}, nil
}

// FD returns the underlying epoll descriptor, mainly for logging.
func (p *Poller) FD() int { return p.fd }

// Add registers fd for the given event mask.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll: add fd %d: %w", fd, err)
	}
	return nil
}

// Modify changes the event mask registered for fd.
func (p *Poller) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll: modify fd %d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. Per epoll_ctl(2), kernels since 2.6.9 accept
// a nil event pointer for EPOLL_CTL_DEL; unix.EpollCtl always passes a
// non-nil event struct, which is accepted unconditionally.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}); err != nil {
		return fmt.Errorf("epoll: remove fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready, a signal
// interrupts the call, or timeoutMillis elapses (-1 waits
// indefinitely). Interrupted waits (EINTR) are retried transparently;
// epoll_wait being interrupted is never itself treated as a fatal
// error.
func (p *Poller) Wait(buf []unix.EpollEvent, timeoutMillis int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.fd, buf, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("epoll: wait: %w", err)
		}
		out := make([]Event, n)
		for i := 0; i < n; i++ {
			out[i] = Event{FD: buf[i].Fd, Events: buf[i].Events}
		}
		return out, nil
	}
}

// Close closes the epoll descriptor itself.
func (p *Poller) Close() error {
	if err := unix.Close(p.fd); err != nil {
		return fmt.Errorf("epoll: close: %w", err)
	}
	return nil
}
