// Package stats holds the process-wide counters the core maintains
// and the stats-request wire command that reads them back over a
// Stream. The counters' internal representation is deliberately not
// part of the core contract (spec says as much); what matters is that
// increments never block the readiness loop and reads never race with
// them.
package stats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// maxRetention bounds how long message arrival timestamps are kept
// around for windowed queries, so a long-lived server doesn't grow
// the retained slice without bound.
const maxRetention = 5 * time.Minute

// Counters is the process-wide set of atomic counters plus the
// windowed message-rate tracker. Safe for concurrent use.
type Counters struct {
	fdsOpened     atomic.Int64
	fdsClosed     atomic.Int64
	connsReceived atomic.Int64
	connsLost     atomic.Int64

	mu           sync.Mutex
	messageTimes []time.Time
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{}
}

// FDOpened records a successfully accepted descriptor.
func (c *Counters) FDOpened() { c.fdsOpened.Add(1) }

// FDClosed records a descriptor close. Every close path in the core
// calls this exactly once per fd.
func (c *Counters) FDClosed() { c.fdsClosed.Add(1) }

// ConnReceived records a stream joining the registry.
func (c *Counters) ConnReceived() { c.connsReceived.Add(1) }

// ConnLost records a stream leaving the registry.
func (c *Counters) ConnLost() { c.connsLost.Add(1) }

// FDsOpened returns the running total of accepted descriptors.
func (c *Counters) FDsOpened() int64 { return c.fdsOpened.Load() }

// FDsClosed returns the running total of closed descriptors.
func (c *Counters) FDsClosed() int64 { return c.fdsClosed.Load() }

// RecordMessage notes that a non-control frame was delivered at t, for
// the windowed "messages in the last N seconds" metric.
func (c *Counters) RecordMessage(t time.Time) {
	c.mu.Lock()
	c.messageTimes = append(c.messageTimes, t)
	c.trimLocked(t)
	c.mu.Unlock()
}

func (c *Counters) trimLocked(now time.Time) {
	cutoff := now.Add(-maxRetention)
	i := 0
	for i < len(c.messageTimes) && c.messageTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.messageTimes = append([]time.Time(nil), c.messageTimes[i:]...)
	}
}

// Snapshot computes a point-in-time view of the counters plus the
// message count observed within the trailing window.
func (c *Counters) Snapshot(window time.Duration) Snapshot {
	now := time.Now()
	c.mu.Lock()
	c.trimLocked(now)
	cutoff := now.Add(-window)
	n := 0
	for _, t := range c.messageTimes {
		if !t.Before(cutoff) {
			n++
		}
	}
	c.mu.Unlock()

	return Snapshot{
		FDsOpened:           uint64(c.fdsOpened.Load()),
		FDsClosed:           uint64(c.fdsClosed.Load()),
		ConnectionsReceived: uint64(c.connsReceived.Load()),
		ConnectionsLost:     uint64(c.connsLost.Load()),
		MessagesInWindow:    uint64(n),
		WindowSeconds:       float32(window.Seconds()),
	}
}

// Snapshot is the fixed-layout counters view serialized back to a
// client in response to a stats-request frame.
type Snapshot struct {
	FDsOpened           uint64
	FDsClosed           uint64
	ConnectionsReceived uint64
	ConnectionsLost     uint64
	MessagesInWindow    uint64
	WindowSeconds       float32
}

// MarshalBinary encodes the snapshot as a fixed-width big-endian
// buffer. The layout is an implementation detail of this server, not
// a contract the core imposes on callers.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, s); err != nil {
		return nil, fmt.Errorf("stats: marshal snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// statsRequestLen, statsRequestByte0 and statsRequestByte1 describe
// the in-band stats-request frame shape: 6 bytes, [0x04, 0x04, f0..f3]
// where f0..f3 is a little-endian float32 window in seconds, chosen
// over host-endian so the request decodes the same way regardless of
// which architecture the client or server run on.
const (
	statsRequestLen   = 6
	statsRequestByte0 = 0x04
	statsRequestByte1 = 0x04
)

// ParseWindowRequest reports whether payload is a stats-request frame
// and, if so, the requested time window.
func ParseWindowRequest(payload []byte) (time.Duration, bool) {
	if len(payload) != statsRequestLen || payload[0] != statsRequestByte0 || payload[1] != statsRequestByte1 {
		return 0, false
	}
	bits := binary.LittleEndian.Uint32(payload[2:6])
	seconds := math.Float32frombits(bits)
	return time.Duration(float64(seconds) * float64(time.Second)), true
}
