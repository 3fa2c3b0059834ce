package relay

import (
	"sync"
	"time"
)

// TimeoutMonitor watches for a gap of IdleTimeout between Touch calls. A
// zero timeout disables the monitor (Done never fires).
type TimeoutMonitor struct {
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

func newTimeoutMonitor(timeout time.Duration) *TimeoutMonitor {
	m := &TimeoutMonitor{timeout: timeout, done: make(chan struct{})}
	if timeout <= 0 {
		return m
	}
	m.timer = time.AfterFunc(timeout, m.fire)
	return m
}

func (m *TimeoutMonitor) fire() {
	m.once.Do(func() { close(m.done) })
}

// Touch resets the idle window. Safe to call from either relay direction
// concurrently.
func (m *TimeoutMonitor) Touch() {
	if m.timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}

// Done returns a channel closed once the idle timeout elapses without a
// Touch. It never fires if the monitor was created with a zero timeout.
func (m *TimeoutMonitor) Done() <-chan struct{} {
	return m.done
}

// Stop releases the underlying timer. Safe to call multiple times.
func (m *TimeoutMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}
