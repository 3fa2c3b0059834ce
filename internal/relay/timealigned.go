package relay

import (
	"io"
	"time"
)

// maxPaceDelay is the clamp spec.md §9's resolved Open Question calls for:
// the per-read pacing delay never exceeds 500ms regardless of the measured
// RTT estimate.
const maxPaceDelay = 500 * time.Millisecond

// Estimator supplies the current round-trip estimate used to pace reads.
// internal/latency.Estimator satisfies this.
type Estimator interface {
	Estimate() time.Duration
}

// TimeAlignedStream wraps a reader and inserts a short delay before each
// Read, sized to the current latency estimate (clamped to [0, 500ms]). It
// exists to blunt inter-packet timing fingerprints during the outer TLS
// handshake; once the handshake completes the caller disables pacing via
// Disable, after which Read behaves
// like a plain passthrough.
type TimeAlignedStream struct {
	io.Reader
	estimator Estimator
	disabled  bool
	sleep     func(time.Duration)
}

// NewTimeAlignedStream wraps r, pacing reads using est's estimate.
func NewTimeAlignedStream(r io.Reader, est Estimator) *TimeAlignedStream {
	return &TimeAlignedStream{Reader: r, estimator: est, sleep: time.Sleep}
}

// Disable turns off pacing; subsequent Read calls pass through immediately.
// Meant to be called once the inner handshake this stream was pacing for
// has completed.
func (t *TimeAlignedStream) Disable() { t.disabled = true }

func (t *TimeAlignedStream) Read(p []byte) (int, error) {
	if !t.disabled && t.estimator != nil {
		d := t.estimator.Estimate()
		if d > maxPaceDelay {
			d = maxPaceDelay
		}
		if d > 0 {
			t.sleep(d)
		}
	}
	return t.Reader.Read(p)
}
