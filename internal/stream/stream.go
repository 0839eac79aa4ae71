// Package stream implements the polymorphic connection handle the
// rest of the core operates on: recv/drain/send/as_fd over either a
// plain nonblocking socket or a TLS-wrapped one, behind one narrow
// interface. Handles are cheap to clone and share the same underlying
// transport and receive buffer, so a worker task can hold one while
// the registry keeps another pointing at the same connection.
package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edgesock/edgesock/internal/frame"
)

// Kind distinguishes the two transport variants a Stream can wrap.
type Kind int

const (
	KindPlain Kind = iota
	KindTLS
)

// ErrClosed is returned by Recv when the peer has closed the
// connection. Recv or Send on a handle whose transport has already
// been closed with Close returns a wrapped I/O error instead;
// callbacks holding a cloned handle must tolerate either.
var ErrClosed = errors.New("stream: closed")

// transport is the capability set a concrete wire type (plain fd or
// TLS connection) must provide. fillRx is expected to never block for
// long: the plain implementation loops a nonblocking read to
// would-block; the TLS implementation only drains a buffer already
// filled by a background goroutine.
type transport interface {
	fillRx(dst *[]byte) error
	send(b []byte) (int, error)
	fd() int
	close() error
}

// shared is the state two Stream clones point at in common: the
// transport, its receive buffer, the frame codec draining it, and the
// mutex serializing concurrent sends (and the occasional recv, though
// in practice only the readiness loop ever calls recv).
type shared struct {
	mu        sync.Mutex
	transport transport
	rx        []byte
	codec     frame.Codec
	closeOnce sync.Once
	closeErr  error
}

// Stream is a handle onto a shared transport. The zero value is not
// usable; construct with NewPlain or NewTLS.
type Stream struct {
	kind Kind
	s    *shared
}

// newStream wraps an already-constructed transport and codec.
func newStream(kind Kind, t transport, codec frame.Codec) *Stream {
	return &Stream{
		kind: kind,
		s: &shared{
			transport: t,
			codec:     codec,
		},
	}
}

// Kind reports whether this Stream wraps a plain or TLS transport.
func (s *Stream) Kind() Kind { return s.kind }

// FD exposes the underlying descriptor, used as the registry key and
// for readiness (de)registration.
func (s *Stream) FD() int { return s.s.transport.fd() }

// Clone returns a new handle sharing this Stream's transport, buffer
// and codec. Both handles observe the same bytes; only one should
// ever be registered with the readiness loop; callbacks are expected
// to hold clones purely to call Send.
func (s *Stream) Clone() *Stream {
	return &Stream{kind: s.kind, s: s.s}
}

// Recv reads from the transport until it reports would-block,
// appending everything read to the internal receive buffer. Returns
// nil on success (including the case where zero bytes were available
// right away), ErrClosed if the peer closed the connection, or a
// wrapped fatal error otherwise (including after Close).
func (s *Stream) Recv() error {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	return s.s.transport.fillRx(&s.s.rx)
}

// Drain extracts zero or more complete frames assembled so far,
// leaving any partial remainder buffered for the next Recv. Safe to
// call repeatedly with no intervening Recv; it then simply returns no
// frames.
func (s *Stream) Drain() [][]byte {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	frames, consumed := s.s.codec.Drain(s.s.rx)
	if consumed > 0 {
		remaining := len(s.s.rx) - consumed
		copy(s.s.rx, s.s.rx[consumed:])
		s.s.rx = s.s.rx[:remaining]
	}
	return frames
}

// Send writes b to the transport. Concurrent Send calls across clones
// are serialized by the shared transport mutex.
func (s *Stream) Send(b []byte) error {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	_, err := s.s.transport.send(b)
	if err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

// Close tears down the underlying transport exactly once, regardless
// of how many clones exist or how many times Close is called on any
// of them.
func (s *Stream) Close() error {
	s.s.closeOnce.Do(func() {
		s.s.closeErr = s.s.transport.close()
	})
	return s.s.closeErr
}

// notifier is implemented by transports that signal data availability
// out of band instead of being driven by the readiness loop (today,
// only the TLS pump). Plain sockets are driven by epoll directly and
// have no need of it.
type notifier interface {
	notifyCh() <-chan struct{}
}

// Notify returns a channel that receives a value whenever the
// transport may have new data or a terminal error buffered, or nil if
// this Stream's transport is driven by the readiness loop instead
// (the plain case). A TLS connection driver should select on this
// channel and call Recv/Drain each time it fires.
func (s *Stream) Notify() <-chan struct{} {
	if n, ok := s.s.transport.(notifier); ok {
		return n.notifyCh()
	}
	return nil
}
