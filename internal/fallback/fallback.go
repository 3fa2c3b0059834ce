// Package fallback implements the FallbackRouter described in spec.md
// §4.11: any connection whose Trojan preamble fails to validate (bad hash,
// malformed request, or plain non-Trojan traffic) is spliced verbatim to a
// local camouflage HTTP server instead of being torn down, so a passive
// observer sees an ordinary web server on the far end.
//
// This replaces the teacher's RewindConn-into-Caddy behavior (listener.go
// hands the rewound connection back to Caddy's own HTTP stack) with an
// explicit dial-and-relay to a configured camouflage address, since
// trojanlite has no host process to hand the connection back to.
package fallback

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/trojanlite/trojanlite/internal/relay"
)

// Router dials a camouflage server and splices a failed/non-Trojan client
// connection to it, first replaying whatever prefix bytes were already
// consumed while probing for the Trojan preamble.
type Router struct {
	// Addr is the camouflage server's address (e.g. a local plain HTTP
	// server serving an innocuous static site).
	Addr string
	// DialTimeout bounds the dial to Addr.
	DialTimeout time.Duration
	Log         *zap.Logger
}

// NewRouter returns a Router dialing addr, with a 5 second default dial
// timeout.
func NewRouter(addr string, log *zap.Logger) *Router {
	return &Router{Addr: addr, DialTimeout: 5 * time.Second, Log: log}
}

// Route dials the camouflage server, forwards prefix (the bytes already
// consumed from client while sniffing for a Trojan preamble), and then
// relays the two connections bidirectionally until either side closes.
// When the relay ends, Route shuts down client's write half with CloseWrite,
// or closes client outright if it has no CloseWrite method.
func (r *Router) Route(ctx context.Context, client net.Conn, prefix []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.DialTimeout)
	defer cancel()

	upstream, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", r.Addr)
	if err != nil {
		return fmt.Errorf("fallback: dial camouflage server %s: %w", r.Addr, err)
	}
	defer upstream.Close()

	if len(prefix) > 0 {
		if _, err := upstream.Write(prefix); err != nil {
			return fmt.Errorf("fallback: replay prefix: %w", err)
		}
	}

	r.Log.Debug("routing non-trojan connection to camouflage server",
		zap.String("remote", client.RemoteAddr().String()),
		zap.Int("prefix_len", len(prefix)))

	reason, err := relay.Run(ctx, client, upstream, relay.Options{})
	r.Log.Debug("camouflage relay ended", zap.Stringer("reason", reason))
	return err
}
