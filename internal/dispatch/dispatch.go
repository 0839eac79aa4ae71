// Package dispatch holds the one piece of policy shared by the epoll
// readiness loop and the TLS per-connection driver: turning drained
// frames into worker tasks, recognizing the stats-request frame along
// the way so it never reaches the user callback.
package dispatch

import (
	"time"

	"github.com/edgesock/edgesock/internal/stats"
	"github.com/edgesock/edgesock/internal/stream"
	"github.com/edgesock/edgesock/internal/workerpool"
)

// Dispatcher turns drained frames and close events into workerpool
// tasks, in per-descriptor order. It also feeds the windowed-message
// counter: this is the one place both the readiness loop and the TLS
// per-connection driver pass every non-control frame through.
type Dispatcher struct {
	pool     *workerpool.Pool
	counters *stats.Counters
}

// New returns a Dispatcher submitting onto pool and recording arrivals
// against counters.
func New(pool *workerpool.Pool, counters *stats.Counters) *Dispatcher {
	return &Dispatcher{pool: pool, counters: counters}
}

// Frames submits one task per frame drained from s, in order. A frame
// matching the stats-request shape becomes an emit-stats task against
// s itself rather than a deliver-message task, so such a frame never
// reaches OnDataReceived; every other frame is recorded against the
// windowed message counter before being submitted.
func (d *Dispatcher) Frames(fd int, s *stream.Stream, frames [][]byte) {
	for _, f := range frames {
		if window, ok := stats.ParseWindowRequest(f); ok {
			d.pool.SubmitFor(fd, workerpool.Task{
				Kind:   workerpool.KindEmitStats,
				Stream: s,
				FD:     fd,
				Window: window,
			})
			continue
		}
		d.counters.RecordMessage(time.Now())
		d.pool.SubmitFor(fd, workerpool.Task{
			Kind:    workerpool.KindDeliverMessage,
			Stream:  s,
			Payload: f,
		})
	}
}

// Closed submits a notify-closed task for fd. Callers must submit
// this strictly after every Frames call already issued for the same
// fd in the same readiness iteration, so it lands behind them in that
// worker's FIFO queue.
func (d *Dispatcher) Closed(fd int) {
	d.pool.SubmitFor(fd, workerpool.Task{
		Kind: workerpool.KindNotifyClosed,
		FD:   fd,
	})
}
