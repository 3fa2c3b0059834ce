package inbound

import (
	"io"
	"net"
	"testing"
)

func TestBufferedStreamDrainsPrefixThenDelegates(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("-tail"))
	}()

	bs := NewBufferedStream(server, []byte("prefix"), 0)
	got := make([]byte, 0, 11)
	buf := make([]byte, 4)
	for len(got) < 11 {
		n, err := bs.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "prefix-tail" {
		t.Fatalf("Read sequence = %q, want %q", got, "prefix-tail")
	}
}

func TestBufferedStreamOffsetSkipsConsumedPrefix(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go io.Copy(io.Discard, client)

	bs := NewBufferedStream(server, []byte("prefix"), 3)
	buf := make([]byte, 10)
	n, err := bs.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "fix" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "fix")
	}
}
