// Package dispatch wires the parser, trojan preamble, relay, litetls and
// quicmux packages together into the two Dispatcher roles described in
// spec.md §4.10: the client-side dispatcher accepts local HTTP/SOCKS5
// connections and tunnels them out; the server-side dispatcher accepts
// tunnel connections, authenticates the Trojan preamble, and either relays
// to the requested target or falls back to the camouflage server.
package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/trojanlite/trojanlite/internal/quicmux"
	"github.com/trojanlite/trojanlite/internal/relay"
)

// Stream is the minimal surface a tunnel connection needs: ordinary
// net.Conn for the TLS transport, quic.Stream for the QUIC transport.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Tunnel opens a new outgoing Stream to the configured remote, one per
// logical client connection.
type Tunnel interface {
	Open(ctx context.Context) (Stream, error)
}

// TLSTunnel dials a fresh TLS connection per Open call, the plain
// TLS-over-TCP transport. When Estimator is set, reads during the
// handshake are paced to the current latency estimate (relay.TimeAlignedStream)
// to blunt timing fingerprints; pacing is disabled once the handshake
// completes and the data phase begins.
type TLSTunnel struct {
	Addr      string
	TLSConfig *tls.Config
	Estimator relay.Estimator
}

func (t *TLSTunnel) Open(ctx context.Context) (Stream, error) {
	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: tcp dial %s: %w", t.Addr, err)
	}

	if t.Estimator == nil {
		tlsConn := tls.Client(raw, t.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("dispatch: tls handshake %s: %w", t.Addr, err)
		}
		return tlsConn, nil
	}

	paced := relay.NewTimeAlignedStream(raw, t.Estimator)
	tlsConn := tls.Client(&pacedConn{Conn: raw, paced: paced}, t.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("dispatch: tls handshake %s: %w", t.Addr, err)
	}
	paced.Disable()
	return tlsConn, nil
}

// pacedConn routes Read through a relay.TimeAlignedStream while leaving
// every other net.Conn method (including Write) untouched.
type pacedConn struct {
	net.Conn
	paced *relay.TimeAlignedStream
}

func (p *pacedConn) Read(b []byte) (int, error) { return p.paced.Read(b) }

// QUICTunnel opens a new multiplexed stream on a shared quicmux.Manager
// connection per Open call.
type QUICTunnel struct {
	Manager *quicmux.Manager
}

func (t *QUICTunnel) Open(ctx context.Context) (Stream, error) {
	stream, err := t.Manager.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: quic open stream: %w", err)
	}
	return stream, nil
}

