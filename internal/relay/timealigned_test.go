package relay

import (
	"bytes"
	"io"
	"testing"
	"time"
)

type fixedEstimator time.Duration

func (f fixedEstimator) Estimate() time.Duration { return time.Duration(f) }

func TestTimeAlignedStreamClampsDelay(t *testing.T) {
	var slept time.Duration
	s := NewTimeAlignedStream(bytes.NewBufferString("x"), fixedEstimator(time.Second))
	s.sleep = func(d time.Duration) { slept = d }

	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != nil && err != io.EOF {
		t.Fatalf("Read: %v", err)
	}
	if slept != maxPaceDelay {
		t.Fatalf("sleep delay = %v, want clamp %v", slept, maxPaceDelay)
	}
}

func TestTimeAlignedStreamDisable(t *testing.T) {
	called := false
	s := NewTimeAlignedStream(bytes.NewBufferString("xy"), fixedEstimator(50*time.Millisecond))
	s.sleep = func(time.Duration) { called = true }
	s.Disable()

	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if called {
		t.Fatalf("sleep was called after Disable")
	}
}

func TestTimeAlignedStreamNilEstimator(t *testing.T) {
	s := &TimeAlignedStream{Reader: bytes.NewBufferString("z"), sleep: func(time.Duration) {
		t.Fatalf("sleep should not be called with a nil estimator")
	}}
	buf := make([]byte, 1)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
}
