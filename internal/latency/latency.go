// Package latency implements the periodic RTT probe relay.TimeAlignedStream
// paces reads against. It is a Go rendering of the Rust original's
// latency_utils probe: dial a fixed list of well-known hosts, average the
// connect latency, and blend it into a running estimate.
package latency

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// sampleHosts mirrors the original's SAMPLE_WEBSITES list: a spread of
// popular, generally-reachable TLS endpoints used only to measure network
// RTT, never connected to for any other purpose.
var sampleHosts = []string{
	"www.google.com:443",
	"www.youtube.com:443",
	"www.stackoverflow.com:443",
	"www.github.com:443",
	"www.facebook.com:443",
	"www.twitter.com:443",
	"www.instagram.com:443",
	"www.wikipedia.org:443",
	"www.amazon.com:443",
	"www.live.com:443",
	"www.reddit.com:443",
	"www.zoom.us:443",
	"www.weather.com:443",
}

const (
	defaultEstimate = 100 * time.Millisecond
	probeInterval   = 5 * time.Minute
	dialTimeout     = 5 * time.Second
)

// Estimator holds a continuously-refreshed RTT estimate, updated by a
// background probe loop. Create one with NewEstimator, which seeds the
// default estimate; call Run to start refreshing it.
type Estimator struct {
	estimateMs atomic.Int64
	dialer     net.Dialer
	log        *zap.Logger
}

// NewEstimator returns an Estimator seeded with defaultEstimate.
func NewEstimator(log *zap.Logger) *Estimator {
	e := &Estimator{dialer: net.Dialer{Timeout: dialTimeout}, log: log}
	e.estimateMs.Store(int64(defaultEstimate / time.Millisecond))
	return e
}

// Estimate returns the current RTT estimate. Satisfies relay.Estimator.
func (e *Estimator) Estimate() time.Duration {
	return time.Duration(e.estimateMs.Load()) * time.Millisecond
}

// Run probes sampleHosts every probeInterval, blending the new average
// connect latency 50/50 with the previous estimate, until ctx is canceled.
// Meant to be launched with `go e.Run(ctx)` once at process startup.
func (e *Estimator) Run(ctx context.Context) {
	e.log.Info("starting latency estimator")
	for {
		e.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(probeInterval):
		}
	}
}

func (e *Estimator) probeOnce(ctx context.Context) {
	var total time.Duration
	var accessed int
	for _, host := range sampleHosts {
		start := time.Now()
		conn, err := e.dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			e.log.Debug("latency probe dial failed", zap.String("host", host), zap.Error(err))
			continue
		}
		total += time.Since(start)
		accessed++
		conn.Close()
	}

	var sample time.Duration
	if accessed == 0 {
		sample = defaultEstimate
	} else {
		sample = total / time.Duration(accessed)
	}
	e.log.Debug("new latency sample", zap.Duration("sample", sample), zap.Int("accessed", accessed))

	curr := time.Duration(e.estimateMs.Load()) * time.Millisecond
	blended := (sample + curr) / 2
	e.estimateMs.Store(int64(blended / time.Millisecond))
}
