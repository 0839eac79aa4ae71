// Package listener owns the one blocking thread in the server: bind,
// listen, accept, configure each accepted socket, and (if TLS is
// enabled) complete the handshake, all before the connection is ever
// handed to the registry or the readiness loop.
package listener

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/edgesock/edgesock/internal/frame"
	"github.com/edgesock/edgesock/internal/stats"
	"github.com/edgesock/edgesock/internal/stream"
	"golang.org/x/sys/unix"
)

// Listener wraps a bound, listening TCP socket.
type Listener struct {
	fd       int
	tlsCfg   *tls.Config
	codec    frame.Codec
	counters *stats.Counters
}

// New creates, binds (with SO_REUSEADDR) and listens on addr:port.
// tlsCfg may be nil for a plain-TCP listener.
func New(addr string, port int, backlog int, tlsCfg *tls.Config, codec frame.Codec, counters *stats.Counters) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddr(addr, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen: %w", err)
	}

	// The listen socket itself stays blocking: per spec, accept runs
	// on its own dedicated thread and is expected to block there,
	// unlike every accepted connection which is immediately switched
	// to nonblocking for the readiness loop.
	return &Listener{fd: fd, tlsCfg: tlsCfg, codec: codec, counters: counters}, nil
}

// Port returns the socket's bound local port, useful when New was
// called with port 0 to pick an ephemeral one.
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0, fmt.Errorf("listener: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("listener: unexpected sockaddr type %T", sa)
	}
	return in4.Port, nil
}

func sockaddr(addr string, port int) (unix.Sockaddr, error) {
	var ip [4]byte
	if addr == "" || addr == "0.0.0.0" {
		return &unix.SockaddrInet4{Port: port, Addr: ip}, nil
	}
	parsed := parseIPv4(addr)
	if parsed == nil {
		return nil, fmt.Errorf("listener: unparseable IPv4 address %q", addr)
	}
	copy(ip[:], parsed)
	return &unix.SockaddrInet4{Port: port, Addr: ip}, nil
}

// parseIPv4 is a minimal dotted-quad parser; the core only ever binds
// to a local IPv4 address and avoids pulling in net.ParseIP's IPv6
// machinery for a single call site.
func parseIPv4(s string) []byte {
	var out [4]byte
	idx, n := 0, 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if idx > 3 || n > 255 {
				return nil
			}
			out[idx] = byte(n)
			idx++
			n = 0
			continue
		}
		c := s[i]
		if c < '0' || c > '9' {
			return nil
		}
		n = n*10 + int(c-'0')
	}
	if idx != 4 {
		return nil
	}
	return out[:]
}

// FD exposes the listening descriptor, for registering with the
// readiness handle.
func (l *Listener) FD() int { return l.fd }

// Accept blocks until a connection arrives, configures it
// (nonblocking, TCP_NODELAY, SO_KEEPALIVE), optionally completes a
// blocking TLS handshake, and returns a ready-to-register Stream.
// If accept(2) itself fails, its bare errno is returned. If setup of
// the accepted connection fails, its fd is closed and a wrapped error
// is returned.
func (l *Listener) Accept() (*stream.Stream, error) {
	connFD, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, err
	}
	l.counters.FDOpened()

	if err := configure(connFD); err != nil {
		unix.Close(connFD)
		l.counters.FDClosed()
		return nil, fmt.Errorf("listener: configure accepted socket: %w", err)
	}

	if l.tlsCfg == nil {
		return stream.NewPlain(connFD, l.codec), nil
	}

	f := os.NewFile(uintptr(connFD), "edgesock-tls-conn")
	s, err := stream.NewTLS(connFD, f, l.tlsCfg, l.codec)
	if err != nil {
		f.Close()
		l.counters.FDClosed()
		return nil, fmt.Errorf("listener: tls handshake: %w", err)
	}
	return s, nil
}

// configure applies the accepted-socket sequence: nonblocking,
// TCP_NODELAY, SO_KEEPALIVE. Any failure here means the fd is
// abandoned by the caller.
func configure(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("set SO_KEEPALIVE: %w", err)
	}
	return nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	if err := unix.Close(l.fd); err != nil {
		return fmt.Errorf("listener: close: %w", err)
	}
	return nil
}
