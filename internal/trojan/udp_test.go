package trojan

import (
	"bytes"
	"io"
	"testing"

	"github.com/trojanlite/trojanlite/internal/address"
)

// loopback adapts a bytes.Buffer into an io.ReadWriter for UDPFramer.
type loopback struct {
	*bytes.Buffer
}

func TestUDPFramerRoundTripSingleDatagram(t *testing.T) {
	buf := &loopback{new(bytes.Buffer)}
	framer := NewUDPFramer(buf)

	dest := address.NewIPv4([4]byte{8, 8, 8, 8}, 53)
	payload := []byte("hello world")
	if _, err := framer.WriteDatagram(dest, payload); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}

	out := make([]byte, 64)
	gotAddr, n, err := framer.ReadDatagram(out)
	if err != nil {
		t.Fatalf("ReadDatagram: %v", err)
	}
	if !bytes.Equal(out[:n], payload) {
		t.Fatalf("ReadDatagram payload = %q, want %q", out[:n], payload)
	}
	if gotAddr.Port != 53 || gotAddr.Kind != address.KindIPv4 {
		t.Fatalf("ReadDatagram addr = %+v, want IPv4 port 53", gotAddr)
	}
}

func TestUDPFramerRoundTripMultipleDatagrams(t *testing.T) {
	buf := &loopback{new(bytes.Buffer)}
	framer := NewUDPFramer(buf)

	dests := []address.Address{
		address.NewIPv4([4]byte{1, 1, 1, 1}, 80),
		address.NewIPv4([4]byte{2, 2, 2, 2}, 443),
	}
	payloads := [][]byte{[]byte("first"), []byte("second datagram")}

	for i := range dests {
		if _, err := framer.WriteDatagram(dests[i], payloads[i]); err != nil {
			t.Fatalf("WriteDatagram[%d]: %v", i, err)
		}
	}

	out := make([]byte, 64)
	for i := range dests {
		gotAddr, n, err := framer.ReadDatagram(out)
		if err != nil {
			t.Fatalf("ReadDatagram[%d]: %v", i, err)
		}
		if !bytes.Equal(out[:n], payloads[i]) {
			t.Fatalf("ReadDatagram[%d] payload = %q, want %q", i, out[:n], payloads[i])
		}
		if gotAddr.Port != dests[i].Port {
			t.Fatalf("ReadDatagram[%d] port = %d, want %d", i, gotAddr.Port, dests[i].Port)
		}
	}
}

func TestUDPFramerPayloadLargerThanOutBuffer(t *testing.T) {
	buf := &loopback{new(bytes.Buffer)}
	framer := NewUDPFramer(buf)

	dest := address.NewIPv4([4]byte{1, 2, 3, 4}, 1)
	payload := bytes.Repeat([]byte("x"), 20)
	if _, err := framer.WriteDatagram(dest, payload); err != nil {
		t.Fatalf("WriteDatagram: %v", err)
	}

	small := make([]byte, 8)
	var got []byte
	for len(got) < len(payload) {
		_, n, err := framer.ReadDatagram(small)
		if err != nil {
			t.Fatalf("ReadDatagram: %v", err)
		}
		if n == 0 {
			t.Fatalf("ReadDatagram returned 0 bytes before full payload was consumed")
		}
		got = append(got, small[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload = %q, want %q", got, payload)
	}
}

func TestUDPFramerCleanEOFBeforeFrame(t *testing.T) {
	buf := &loopback{new(bytes.Buffer)}
	framer := NewUDPFramer(buf)

	addr, n, err := framer.ReadDatagram(make([]byte, 16))
	if err != nil {
		t.Fatalf("ReadDatagram on empty stream: %v", err)
	}
	if n != 0 || addr.Kind != address.KindUnspecified {
		t.Fatalf("ReadDatagram on empty stream = (%+v, %d), want (Unspecified, 0)", addr, n)
	}
}

func TestUDPFramerBadCRLFAfterLength(t *testing.T) {
	dest := address.NewIPv4([4]byte{1, 2, 3, 4}, 1)
	wire, err := dest.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire = append(wire, 0x00, 0x03, 'X', 'X', 'a', 'b', 'c')
	framer := NewUDPFramer(&loopback{bytes.NewBuffer(wire)})

	if _, _, err := framer.ReadDatagram(make([]byte, 16)); err == nil {
		t.Fatalf("ReadDatagram with bad CRLF succeeded, want error")
	} else if err == io.EOF {
		t.Fatalf("ReadDatagram with bad CRLF returned EOF, want a parse error")
	}
}
