// Package workerpool is the fixed-size pool of worker goroutines that
// run user callbacks off the readiness loop. Each worker owns a
// buffered channel. Submit round-robins tasks across them; the
// dispatcher uses SubmitFor instead, which picks the worker by fd, so
// all tasks for one descriptor land on the same worker and stay FIFO.
package workerpool

import (
	"time"

	"github.com/edgesock/edgesock/internal/stats"
	"github.com/edgesock/edgesock/internal/stream"
	"github.com/sirupsen/logrus"
)

// TaskKind discriminates the three units of work a worker may be
// asked to run.
type TaskKind int

const (
	KindDeliverMessage TaskKind = iota
	KindNotifyClosed
	KindEmitStats
)

// Task is the value handed from the readiness loop to a worker.
// Exactly the fields relevant to its Kind are populated.
type Task struct {
	Kind    TaskKind
	Stream  *stream.Stream
	Payload []byte
	FD      int
	Window  time.Duration
}

// Handler is the user application's callback contract.
type Handler interface {
	// OnDataReceived is invoked for every non-control frame, on
	// whichever worker owns the originating connection's queue. The
	// callback may clone, hold, and send on s.
	OnDataReceived(s *stream.Stream, payload []byte)
	// OnStreamClosed is invoked once the core has closed fd. The
	// callback must not attempt to send on fd afterward.
	OnStreamClosed(fd int)
}

// Pool is a fixed set of workers, each consuming its own FIFO queue.
type Pool struct {
	queues   []chan Task
	counters *stats.Counters
	handler  Handler
	log      *logrus.Logger
	next     int
}

// New starts n workers, each with a queue of the given depth, running
// callbacks against handler and answering emit-stats tasks from
// counters.
func New(n int, queueDepth int, handler Handler, counters *stats.Counters, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pool{
		queues:   make([]chan Task, n),
		counters: counters,
		handler:  handler,
		log:      log,
	}
	for i := range p.queues {
		q := make(chan Task, queueDepth)
		p.queues[i] = q
		go p.run(i, q)
	}
	return p
}

// Submit enqueues task onto a worker, round-robin across all workers.
// Submission never blocks the caller beyond the channel's buffer
// depth; enqueue is unconditional and no bounded-queue drop/block
// policy is imposed here.
func (p *Pool) Submit(task Task) {
	idx := p.next % len(p.queues)
	p.next++
	p.queues[idx] <- task
}

// SubmitFor enqueues task onto the worker that owns fd, so that all
// tasks for one descriptor are strictly FIFO with respect to each
// other. Callers that care about per-connection ordering (the
// readiness loop does) should use this instead of Submit.
func (p *Pool) SubmitFor(fd int, task Task) {
	idx := fd % len(p.queues)
	if idx < 0 {
		idx += len(p.queues)
	}
	p.queues[idx] <- task
}

func (p *Pool) run(id int, tasks <-chan Task) {
	for task := range tasks {
		p.execute(id, task)
	}
}

// execute runs one task, recovering from a panicking user callback so
// that one bad message never takes a worker goroutine down
// permanently. A panic here is logged and the worker moves on to its
// next task.
func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"worker": id,
				"kind":   task.Kind,
				"panic":  r,
			}).Error("worker: callback panicked, recovered")
		}
	}()

	switch task.Kind {
	case KindDeliverMessage:
		p.handler.OnDataReceived(task.Stream, task.Payload)
	case KindNotifyClosed:
		p.handler.OnStreamClosed(task.FD)
	case KindEmitStats:
		p.emitStats(task)
	}
}

func (p *Pool) emitStats(task Task) {
	snap := p.counters.Snapshot(task.Window)
	buf, err := snap.MarshalBinary()
	if err != nil {
		p.log.WithError(err).Warn("worker: failed to marshal stats snapshot")
		return
	}
	if err := task.Stream.Send(buf); err != nil {
		p.log.WithError(err).Debug("worker: failed to send stats response")
	}
}

// Close closes every worker's channel; each worker exits after
// running the tasks already queued. Close returns without waiting for
// them, and Submit or SubmitFor after Close panics.
func (p *Pool) Close() {
	for _, q := range p.queues {
		close(q)
	}
}
