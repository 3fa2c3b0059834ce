// Package counter tracks live connection counts and assigns each
// connection a short correlation id for log lines, the way a busy proxy
// tags requests for traceability without relying on the OS-level fd number.
package counter

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Counter is a set of atomic connection counters, one per Kind.
type Counter struct {
	tcp   atomic.Int64
	udp   atomic.Int64
	total atomic.Int64
}

// Kind distinguishes which counter a connection increments.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// Begin increments the counters for kind and returns a Handle; the caller
// must call Handle.End when the connection closes.
func (c *Counter) Begin(kind Kind) *Handle {
	c.total.Add(1)
	switch kind {
	case KindTCP:
		c.tcp.Add(1)
	case KindUDP:
		c.udp.Add(1)
	}
	return &Handle{counter: c, kind: kind, id: uuid.New().String()[:8]}
}

// Snapshot reports the current counter values.
type Snapshot struct {
	TCP, UDP, Total int64
}

// Snapshot returns the current counts.
func (c *Counter) Snapshot() Snapshot {
	return Snapshot{TCP: c.tcp.Load(), UDP: c.udp.Load(), Total: c.total.Load()}
}

// Handle represents one live connection's slot in the counters; its ID is
// meant to be attached to every log line produced while serving that
// connection.
type Handle struct {
	counter *Counter
	kind    Kind
	id      string
	ended   bool
}

// ID returns the short correlation id for this connection.
func (h *Handle) ID() string { return h.id }

// End decrements the counters this Handle incremented. Safe to call more
// than once; only the first call has effect.
func (h *Handle) End() {
	if h.ended {
		return
	}
	h.ended = true
	h.counter.total.Add(-1)
	switch h.kind {
	case KindTCP:
		h.counter.tcp.Add(-1)
	case KindUDP:
		h.counter.udp.Add(-1)
	}
}
