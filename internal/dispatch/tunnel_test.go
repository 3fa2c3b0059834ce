package dispatch

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/trojanlite/trojanlite/internal/certstore"
)

type fixedTunnelEstimate time.Duration

func (f fixedTunnelEstimate) Estimate() time.Duration { return time.Duration(f) }

func tlsEchoServer(t *testing.T, serverTLS *tls.Config) net.Addr {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr()
}

func TestTLSTunnelOpenWithoutEstimator(t *testing.T) {
	cert, err := certstore.LoadOrGenerate(t.TempDir(), []string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	addr := tlsEchoServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})

	tunnel := &TLSTunnel{Addr: addr.String(), TLSConfig: &tls.Config{InsecureSkipVerify: true}}
	stream, err := tunnel.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := readFullStream(stream, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q, want %q", buf, "ping")
	}
}

func TestTLSTunnelOpenWithEstimatorPacesThenDisables(t *testing.T) {
	cert, err := certstore.LoadOrGenerate(t.TempDir(), []string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	addr := tlsEchoServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})

	tunnel := &TLSTunnel{
		Addr:      addr.String(),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Estimator: fixedTunnelEstimate(5 * time.Millisecond),
	}
	start := time.Now()
	stream, err := tunnel.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()
	if time.Since(start) <= 0 {
		t.Fatalf("handshake took no measurable time")
	}

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := readFullStream(stream, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q, want %q", buf, "ping")
	}
}

func readFullStream(s Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
