// Package inbound implements the incremental HTTP-CONNECT/GET and SOCKS5
// parsers that turn a freshly accepted local connection into a
// ConnectionRequest ready for dispatch.
package inbound

import (
	"io"
	"net"

	"github.com/trojanlite/trojanlite/internal/address"
)

// Kind tags the variant carried by a ConnectionRequest.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindEcho
)

// ConnectionRequest is the result of a successful inbound parse: the kind of
// traffic requested, the destination Address, and the inbound connection
// with the parser's residual bytes (if any) threaded back in.
type ConnectionRequest struct {
	Kind    Kind
	Dest    address.Address
	Conn    net.Conn
	UDPConn net.PacketConn // set only for KindUDP coming from a SOCKS5 UDP-associate
}

// BufferedStream wraps a net.Conn with an optional prefix that must be
// delivered to the first Read call(s) before touching the inner connection.
// After the prefix is exhausted BufferedStream is observably identical to
// the wrapped connection.
type BufferedStream struct {
	net.Conn
	prefix []byte
	off    int
}

// NewBufferedStream wraps conn, with prefix[offset:] queued ahead of conn's
// own bytes.
func NewBufferedStream(conn net.Conn, prefix []byte, offset int) *BufferedStream {
	return &BufferedStream{Conn: conn, prefix: prefix, off: offset}
}

// Read implements io.Reader, draining the prefix before delegating to the
// wrapped connection.
func (b *BufferedStream) Read(p []byte) (int, error) {
	if b.off < len(b.prefix) {
		n := copy(p, b.prefix[b.off:])
		b.off += n
		if n > 0 {
			return n, nil
		}
	}
	return b.Conn.Read(p)
}

var _ io.ReadWriteCloser = (*BufferedStream)(nil)
