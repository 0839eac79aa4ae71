package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgesock/edgesock/internal/dispatch"
	"github.com/edgesock/edgesock/internal/frame"
	"github.com/edgesock/edgesock/internal/registry"
	"github.com/edgesock/edgesock/internal/stats"
	"github.com/edgesock/edgesock/internal/stream"
	"github.com/edgesock/edgesock/internal/workerpool"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type capture struct {
	mu       sync.Mutex
	payloads [][]byte
	closedFD []int
}

func (c *capture) OnDataReceived(s *stream.Stream, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
}

func (c *capture) OnStreamClosed(fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedFD = append(c.closedFD, fd)
}

func newTestLoop(t *testing.T, h workerpool.Handler) (*Loop, *stats.Counters) {
	t.Helper()
	counters := stats.NewCounters()
	pool := workerpool.New(2, 16, h, counters, nil)
	d := dispatch.New(pool, counters)
	reg := registry.New[*stream.Stream]()
	l, err := New(reg, d, counters, 32, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, counters
}

func TestLoopDrainsBurstAndDispatches(t *testing.T) {
	c := &capture{}
	l, _ := newTestLoop(t, c)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[1])

	s := stream.NewPlain(fds[0], frame.LengthPrefixed{})
	require.NoError(t, l.Register(s))

	var wire []byte
	for i := 0; i < 100; i++ {
		wire = frame.AppendFrame(wire, []byte{byte(i)})
	}
	_, err = unix.Write(fds[1], wire)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.payloads) == 100
	}, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), c.payloads[i][0])
	}
	c.mu.Unlock()

	cancel()
	require.NoError(t, l.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestLoopClosesOnPeerHangup(t *testing.T) {
	c := &capture{}
	l, counters := newTestLoop(t, c)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	s := stream.NewPlain(fds[0], frame.LengthPrefixed{})
	require.NoError(t, l.Register(s))
	counters.FDOpened()

	require.NoError(t, unix.Close(fds[1]))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.closedFD) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := counters.Snapshot(time.Minute)
	require.EqualValues(t, 1, snap.FDsOpened)
	require.EqualValues(t, 1, snap.FDsClosed)
}
