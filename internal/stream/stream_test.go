package stream

import (
	"testing"
	"time"

	"github.com/edgesock/edgesock/internal/frame"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPlainStreamRecvDrainRoundTrip(t *testing.T) {
	a, b := socketPair(t)

	s := NewPlain(a, frame.LengthPrefixed{})

	var wire []byte
	wire = frame.AppendFrame(wire, []byte("hello"))
	wire = frame.AppendFrame(wire, []byte("world"))
	_, err := unix.Write(b, wire)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Recv())

	frames := s.Drain()
	require.Len(t, frames, 2)
	require.Equal(t, "hello", string(frames[0]))
	require.Equal(t, "world", string(frames[1]))

	require.Empty(t, s.Drain(), "drain must be idempotent without a new recv")
}

func TestPlainStreamPartialFrameThenRecv(t *testing.T) {
	a, b := socketPair(t)
	s := NewPlain(a, frame.LengthPrefixed{})

	full := frame.AppendFrame(nil, []byte("partial-please"))
	_, err := unix.Write(b, full[:3])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Recv())
	require.Empty(t, s.Drain())

	_, err = unix.Write(b, full[3:])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Recv())
	frames := s.Drain()
	require.Len(t, frames, 1)
	require.Equal(t, "partial-please", string(frames[0]))
}

func TestPlainStreamPeerCloseYieldsErrClosed(t *testing.T) {
	a, b := socketPair(t)
	s := NewPlain(a, frame.LengthPrefixed{})

	require.NoError(t, unix.Close(b))
	time.Sleep(10 * time.Millisecond)

	err := s.Recv()
	require.ErrorIs(t, err, ErrClosed)
}

func TestPlainStreamSendWritesBytes(t *testing.T) {
	a, b := socketPair(t)
	require.NoError(t, unix.SetNonblock(b, true))
	s := NewPlain(a, frame.LengthPrefixed{})

	require.NoError(t, s.Send([]byte("pong")))

	time.Sleep(10 * time.Millisecond)
	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestCloneSharesTransportAndCloseIsIdempotent(t *testing.T) {
	a, _ := socketPair(t)
	s := NewPlain(a, frame.LengthPrefixed{})
	clone := s.Clone()

	require.Equal(t, s.FD(), clone.FD())
	require.NoError(t, s.Close())
	require.NoError(t, clone.Close(), "closing an already-closed shared transport must not error")
}

func TestPlainStreamNotifyIsNil(t *testing.T) {
	a, _ := socketPair(t)
	s := NewPlain(a, frame.LengthPrefixed{})
	require.Nil(t, s.Notify(), "plain streams are driven by the readiness loop, not a notify channel")
}
