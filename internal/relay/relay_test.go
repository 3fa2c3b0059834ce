package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestWithPrefixReplaysBeforeUnderlying(t *testing.T) {
	underlying := bytes.NewBufferString("world")
	wrapped := WithPrefix(struct {
		io.Reader
		io.Writer
	}{underlying, io.Discard}, []byte("hello "))

	got, err := io.ReadAll(wrapped)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("ReadAll() = %q, want %q", got, "hello world")
	}
}

func TestWithPrefixEmptyIsNoop(t *testing.T) {
	rw := struct {
		io.Reader
		io.Writer
	}{bytes.NewBufferString("x"), io.Discard}
	wrapped := WithPrefix(rw, nil)
	if wrapped != HalfDuplex(rw) {
		t.Fatalf("WithPrefix(nil) should return the original value unchanged")
	}
}

func TestTimeoutMonitorFiresWithoutTouch(t *testing.T) {
	m := newTimeoutMonitor(20 * time.Millisecond)
	defer m.Stop()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatalf("TimeoutMonitor did not fire within budget")
	}
}

func TestTimeoutMonitorTouchDelaysFire(t *testing.T) {
	m := newTimeoutMonitor(80 * time.Millisecond)
	defer m.Stop()
	deadline := time.After(40 * time.Millisecond)
	for i := 0; i < 3; i++ {
		select {
		case <-deadline:
			m.Touch()
			deadline = time.After(40 * time.Millisecond)
		case <-m.Done():
			t.Fatalf("TimeoutMonitor fired despite repeated Touch calls")
		}
	}
}

func TestTimeoutMonitorZeroNeverFires(t *testing.T) {
	m := newTimeoutMonitor(0)
	defer m.Stop()
	select {
	case <-m.Done():
		t.Fatalf("zero-timeout monitor fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunEndsOnEOF(t *testing.T) {
	aIn, aOut := net.Pipe()
	bIn, bOut := net.Pipe()

	go func() {
		io.Copy(io.Discard, bIn)
	}()

	done := make(chan struct{})
	var reason Reason
	go func() {
		reason, _ = Run(context.Background(), aOut, bOut, Options{})
		close(done)
	}()

	aIn.Write([]byte("ping"))
	aIn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after inbound EOF")
	}
	if reason != ReasonUpload && reason != ReasonDownload {
		t.Fatalf("Run reason = %v, want Upload or Download", reason)
	}
}

func TestRunIdleTimeout(t *testing.T) {
	aIn, aOut := net.Pipe()
	bIn, bOut := net.Pipe()
	defer aIn.Close()
	defer bIn.Close()

	reason, _ := Run(context.Background(), aOut, bOut, Options{IdleTimeout: 30 * time.Millisecond})
	if reason != ReasonTimeout {
		t.Fatalf("Run reason = %v, want ReasonTimeout", reason)
	}
}

func TestRunShutdownSignal(t *testing.T) {
	aIn, aOut := net.Pipe()
	bIn, bOut := net.Pipe()
	defer aIn.Close()
	defer bIn.Close()

	shutdown := make(chan struct{})
	close(shutdown)

	reason, _ := Run(context.Background(), aOut, bOut, Options{Shutdown: shutdown})
	if reason != ReasonShutdown {
		t.Fatalf("Run reason = %v, want ReasonShutdown", reason)
	}
}

func TestDebugConnCountsBytes(t *testing.T) {
	aIn, aOut := net.Pipe()
	defer aIn.Close()
	defer aOut.Close()

	var sunk []string
	debug := &DebugConn{Conn: aOut, Sink: func(dir string, n int) { sunk = append(sunk, dir) }}

	go aIn.Write([]byte("hi"))
	buf := make([]byte, 2)
	if _, err := debug.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	go io.ReadAll(aIn)
	if _, err := debug.Write([]byte("yo")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	read, written := debug.Totals()
	if read != 2 || written != 2 {
		t.Fatalf("Totals() = (%d, %d), want (2, 2)", read, written)
	}
	if len(sunk) != 2 {
		t.Fatalf("Sink called %d times, want 2", len(sunk))
	}
}
