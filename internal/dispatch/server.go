package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/counter"
	"github.com/trojanlite/trojanlite/internal/fallback"
	"github.com/trojanlite/trojanlite/internal/litetls"
	"github.com/trojanlite/trojanlite/internal/parseerr"
	"github.com/trojanlite/trojanlite/internal/relay"
	"github.com/trojanlite/trojanlite/internal/resolve"
	"github.com/trojanlite/trojanlite/internal/trojan"
)

// liteTLSSniffTimeout bounds how long sniffLiteTLS waits for the nested
// handshake to resolve before giving up and relaying TLS-wrapped.
const liteTLSSniffTimeout = 3 * time.Second

// Server authenticates an incoming tunnel stream's Trojan preamble and
// either relays it to the requested target or, on any auth/parse failure,
// routes it to the camouflage server via Fallback.
type Server struct {
	PasswordHash string
	Fallback     *fallback.Router
	Resolver     *resolve.Resolver
	IdleTimeout  time.Duration
	Counter      *counter.Counter
	Log          *zap.Logger
}

// ServeConn drives one accepted tunnel connection end to end.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	h := s.Counter.Begin(counter.KindTCP)
	defer h.End()
	log := s.Log.With(zap.String("conn", h.ID()))

	parser := trojan.NewServerParser(s.PasswordHash)
	var consumedBuf []byte
	buf := make([]byte, 512)

	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			consumedBuf = append(consumedBuf, buf[:n]...)
			preamble, consumed, err := parser.Feed(buf[:n])
			if err == nil {
				residual := parser.Residual(consumed)
				return s.dispatchPreamble(ctx, conn, preamble, residual, log)
			}
			if !parseerr.IsIncomplete(err) {
				log.Debug("trojan preamble rejected", zap.Error(err))
				return s.Fallback.Route(ctx, conn, consumedBuf)
			}
		}
		if rerr != nil {
			return fmt.Errorf("dispatch: read preamble: %w", rerr)
		}
	}
}

func (s *Server) dispatchPreamble(ctx context.Context, conn net.Conn, preamble *trojan.Preamble, residual []byte, log *zap.Logger) error {
	switch preamble.Cmd {
	case trojan.CmdConnect:
		return s.serveConnect(ctx, conn, preamble.Dest, residual, log)
	case trojan.CmdUDPAssociate:
		return s.serveUDPAssociate(ctx, conn, log)
	case trojan.CmdEcho:
		return serveEcho(ctx, conn, residual)
	default:
		return fmt.Errorf("dispatch: unknown trojan command 0x%02x", preamble.Cmd)
	}
}

func (s *Server) serveConnect(ctx context.Context, conn net.Conn, dest address.Address, residual []byte, log *zap.Logger) error {
	ip, err := s.Resolver.Resolve(ctx, dest)
	if err != nil {
		return fmt.Errorf("dispatch: resolve %s: %w", dest.String(), err)
	}
	target := net.JoinHostPort(ip.String(), fmt.Sprint(dest.Port))

	upstream, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("dispatch: dial target %s: %w", target, err)
	}
	defer upstream.Close()

	if len(residual) > 0 {
		if _, err := upstream.Write(residual); err != nil {
			return fmt.Errorf("dispatch: write residual payload: %w", err)
		}
	}

	log.Debug("connect", zap.String("dest", dest.String()), zap.String("resolved", target))

	relayConn, relayUpstream := sniffLiteTLS(ctx, litetls.ServerSide, conn, upstream, log)

	reason, err := relay.Run(ctx, relayConn, relayUpstream, relay.Options{IdleTimeout: s.IdleTimeout})
	log.Debug("relay ended", zap.Stringer("reason", reason))
	return err
}

// sniffLiteTLS opportunistically watches for a nested TLS handshake between
// inbound and outbound and, once it completes, returns both sides wrapped
// so the already-observed handshake bytes are replayed ahead of RelayCore's
// own reads. On any failure to recognize a clean nested handshake (not TLS,
// malformed, or timed out) it replays whatever bytes were pulled off the
// wire during the attempt and falls back to relaying as-is, unwrapped outer
// TLS still intact.
func sniffLiteTLS(ctx context.Context, role litetls.Role, inboundConn, outboundConn relay.HalfDuplex, log *zap.Logger) (relay.HalfDuplex, relay.HalfDuplex) {
	engine := litetls.NewEngine(role)
	result, err := engine.Sniff(ctx, inboundConn, outboundConn, liteTLSSniffTimeout)
	if err != nil {
		log.Debug("litetls sniff declined", zap.Error(err))
		leftoverIn, leftoverOut := engine.Leftover()
		return relay.WithPrefix(inboundConn, leftoverIn), relay.WithPrefix(outboundConn, leftoverOut)
	}
	log.Debug("litetls dropped outer wrapper", zap.Bool("raw", result.RawOK))
	return relay.WithPrefix(inboundConn, result.FlushInbound), relay.WithPrefix(outboundConn, result.FlushOutbound)
}

// serveUDPAssociate implements the Trojan-UDP side of UDP associate: each
// datagram the client frames carries its own destination, so every
// outbound send can go to a different target via one shared unconnected
// UDP socket.
func (s *Server) serveUDPAssociate(ctx context.Context, conn net.Conn, log *zap.Logger) error {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("dispatch: bind outbound udp socket: %w", err)
	}
	defer pc.Close()

	udpFramer := trojan.NewUDPFramer(conn)

	done := make(chan error, 1)
	go s.pumpUDPReplies(ctx, pc, udpFramer, done)

	buf := make([]byte, 64*1024)
	for {
		dest, n, err := udpFramer.ReadDatagram(buf)
		if err != nil {
			return fmt.Errorf("dispatch: read trojan-udp datagram: %w", err)
		}
		if n == 0 && dest.Kind == address.KindUnspecified {
			return <-done
		}
		ip, err := s.Resolver.Resolve(ctx, dest)
		if err != nil {
			log.Debug("udp target resolve failed", zap.Error(err))
			continue
		}
		udpAddr := &net.UDPAddr{IP: ip, Port: int(dest.Port)}
		if _, err := pc.WriteTo(buf[:n], udpAddr); err != nil {
			log.Debug("udp datagram send failed", zap.Error(err))
		}
	}
}

func (s *Server) pumpUDPReplies(ctx context.Context, pc net.PacketConn, udpFramer *trojan.UDPFramer, done chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		default:
		}
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			done <- err
			return
		}
		dest, err := addressFromNetAddr(from)
		if err != nil {
			continue
		}
		if _, err := udpFramer.WriteDatagram(dest, buf[:n]); err != nil {
			done <- err
			return
		}
	}
}

// serveEcho implements the Trojan Echo command: relay the inner bytes back
// to the sender until EOF or shutdown (ctx canceled closes conn), rather than
// a one-shot reply.
func serveEcho(ctx context.Context, conn net.Conn, residual []byte) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if len(residual) > 0 {
		if _, err := conn.Write(residual); err != nil {
			return err
		}
	}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func addressFromNetAddr(addr net.Addr) (address.Address, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return address.Address{}, fmt.Errorf("dispatch: unexpected reply source addr type")
	}
	if ip4 := udpAddr.IP.To4(); ip4 != nil {
		var octets [4]byte
		copy(octets[:], ip4)
		return address.NewIPv4(octets, uint16(udpAddr.Port)), nil
	}
	var segs [16]byte
	copy(segs[:], udpAddr.IP.To16())
	return address.NewIPv6(segs, uint16(udpAddr.Port)), nil
}
