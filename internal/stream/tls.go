package stream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/edgesock/edgesock/internal/frame"
)

// tlsTransport adapts a crypto/tls.Conn to the transport interface.
// crypto/tls has no would-block/retry read mode: Conn.Read blocks,
// and once it returns a non-nil error the connection is considered
// dead. That is incompatible with the edge-triggered loop's "try
// once, resume on next readiness" discipline, so a TLS Stream is
// never registered with the epoll set at all. Instead a dedicated
// goroutine blocks in Conn.Read continuously and pumps whatever it
// gets into a buffer; fillRx only ever drains that buffer, which
// never blocks for long and so is safe to call from wherever the
// caller likes (including, if ever needed, from inside the readiness
// loop's own goroutine).
type tlsTransport struct {
	descriptor int // original accepted fd, kept open purely as the registry key
	file       *os.File
	conn       *tls.Conn

	mu      sync.Mutex
	buf     []byte
	readErr error

	notify chan struct{}
	done   chan struct{}
}

// NewTLS wraps fd (already configured nonblocking/TCP_NODELAY/
// SO_KEEPALIVE per the listener's usual accept sequence) in a TLS
// server connection using cfg, performs a blocking handshake, and
// starts the background read pump. f must be kept alive for the
// lifetime of the Stream: net.FileConn dups fd internally, and
// closing f early would let the kernel hand the original fd integer
// back out to an unrelated accept before this Stream is done with it.
func NewTLS(fd int, f *os.File, cfg *tls.Config, codec frame.Codec) (*Stream, error) {
	netConn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("stream: file conn for tls fd %d: %w", fd, err)
	}
	tlsConn := tls.Server(netConn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("stream: tls handshake fd %d: %w", fd, err)
	}

	t := &tlsTransport{
		descriptor: fd,
		file:       f,
		conn:       tlsConn,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go t.pump()
	return newStream(KindTLS, t, codec), nil
}

// pump blocks reading the TLS record stream and appends whatever
// comes out to the shared buffer, signalling notify each time new
// bytes (or a terminal error) become available.
func (t *tlsTransport) pump() {
	chunk := make([]byte, readChunk)
	for {
		n, err := t.conn.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, chunk[:n]...)
			t.mu.Unlock()
			t.wake()
		}
		if err != nil {
			t.mu.Lock()
			if t.readErr == nil {
				t.readErr = classifyTLSErr(err)
			}
			t.mu.Unlock()
			t.wake()
			close(t.done)
			return
		}
	}
}

func classifyTLSErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("stream: tls read: %w", err)
}

func (t *tlsTransport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// fd implements transport.
func (t *tlsTransport) fd() int { return t.descriptor }

// notifyCh implements the notifier interface so the per-connection
// TLS driver can block waiting for the pump rather than poll fillRx.
func (t *tlsTransport) notifyCh() <-chan struct{} { return t.notify }

// fillRx drains whatever the pump has accumulated since the last
// call. It never itself performs blocking I/O.
func (t *tlsTransport) fillRx(dst *[]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) > 0 {
		*dst = append(*dst, t.buf...)
		t.buf = t.buf[:0]
	}
	return t.readErr
}

func (t *tlsTransport) send(b []byte) (int, error) {
	n, err := t.conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("stream: tls write fd %d: %w", t.descriptor, err)
	}
	return n, nil
}

func (t *tlsTransport) close() error {
	err := t.conn.Close()
	if ferr := t.file.Close(); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return fmt.Errorf("stream: close tls fd %d: %w", t.descriptor, err)
	}
	return nil
}
