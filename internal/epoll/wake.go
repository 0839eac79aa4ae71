package epoll

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is an eventfd(2)-backed self-pipe: registering it in a
// Poller's set lets a call to Wait(-1) be interrupted on demand
// without changing the timeout argument the loop otherwise always
// passes. The readiness loop's contract (block indefinitely until
// something is ready) is preserved; cancellation rides in as just
// another readiness event.
type Waker struct {
	fd int
}

// NewWaker creates a new non-semaphore eventfd, suitable for
// registering with EPOLLIN.
func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create eventfd: %w", err)
	}
	return &Waker{fd: fd}, nil
}

// FD returns the eventfd descriptor for registration with a Poller.
func (w *Waker) FD() int { return w.fd }

// Wake increments the eventfd counter, which makes it immediately
// readable and so wakes any Wait(-1) it's registered with. Safe to
// call more than once; repeated wakes before the reader drains just
// coalesce into one readiness notification.
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("epoll: wake: %w", err)
	}
	return nil
}

// Drain resets the eventfd counter to zero after a wakeup has been
// observed, so the fd doesn't stay perpetually readable.
func (w *Waker) Drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("epoll: drain wake: %w", err)
	}
	return nil
}

// Close closes the eventfd.
func (w *Waker) Close() error {
	if err := unix.Close(w.fd); err != nil {
		return fmt.Errorf("epoll: close eventfd: %w", err)
	}
	return nil
}
