package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/counter"
	"github.com/trojanlite/trojanlite/internal/inbound"
	"github.com/trojanlite/trojanlite/internal/litetls"
	"github.com/trojanlite/trojanlite/internal/parseerr"
	"github.com/trojanlite/trojanlite/internal/relay"
	"github.com/trojanlite/trojanlite/internal/socksudp"
	"github.com/trojanlite/trojanlite/internal/trojan"
)

// zeroBoundAddress is the placeholder destination written into SOCKS5
// replies and the Trojan UDP-associate preamble when the real bound address
// doesn't matter to the caller; address.NewUnspecified() can't stand in here
// since it has no wire encoding.
var zeroBoundAddress = address.NewIPv4([4]byte{0, 0, 0, 0}, 0)

// Client accepts local HTTP-CONNECT/GET and SOCKS5 connections, parses the
// requested destination, and tunnels each one out through Tunnel as a
// single Trojan-wrapped stream.
type Client struct {
	Tunnel       Tunnel
	PasswordHash string
	IdleTimeout  time.Duration
	Counter      *counter.Counter
	Log          *zap.Logger
}

// ServeConn parses one accepted local connection and relays it through a
// freshly opened tunnel stream. It blocks until the relay ends.
func (c *Client) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	h := c.Counter.Begin(counter.KindTCP)
	defer h.End()
	log := c.Log.With(zap.String("conn", h.ID()))

	first := make([]byte, 1)
	if _, err := conn.Read(first); err != nil {
		return fmt.Errorf("dispatch: read first byte: %w", err)
	}

	switch first[0] {
	case inbound.Socks5Version:
		return c.serveSocks5(ctx, conn, first, log)
	default:
		return c.serveHTTP(ctx, conn, first, log)
	}
}

func (c *Client) serveHTTP(ctx context.Context, conn net.Conn, first []byte, log *zap.Logger) error {
	parser := inbound.NewHTTPParser()
	result, err := feedUntilDone(first, conn, func(chunk []byte) (*inbound.HTTPResult, error) {
		return parser.Feed(chunk)
	})
	if err != nil {
		return fmt.Errorf("dispatch: http parse: %w", err)
	}

	cmd := trojan.CmdConnect
	stream, err := c.openTunnel(ctx, cmd, result.Dest)
	if err != nil {
		return err
	}
	defer stream.Close()

	if result.IsConnect {
		if _, err := conn.Write([]byte(inbound.ConnectOK)); err != nil {
			return fmt.Errorf("dispatch: write CONNECT reply: %w", err)
		}
	} else if _, err := stream.Write(result.UpstreamPreamble); err != nil {
		return fmt.Errorf("dispatch: write synthesized GET: %w", err)
	}

	log.Debug("http connect", zap.String("dest", result.Dest.String()))
	relayConn, relayStream := sniffLiteTLS(ctx, litetls.ClientSide, conn, stream, log)
	reason, err := relay.Run(ctx, relayConn, relayStream, relay.Options{IdleTimeout: c.IdleTimeout})
	log.Debug("relay ended", zap.Stringer("reason", reason))
	return err
}

func (c *Client) serveSocks5(ctx context.Context, conn net.Conn, first []byte, log *zap.Logger) error {
	greeting := inbound.NewGreetingParser()
	if _, err := feedUntilDone(first, conn, func(chunk []byte) (*struct{}, error) {
		if err := greeting.Feed(chunk); err != nil {
			return nil, err
		}
		return &struct{}{}, nil
	}); err != nil {
		return fmt.Errorf("dispatch: socks5 greeting: %w", err)
	}
	if _, err := conn.Write(inbound.GreetingOK); err != nil {
		return fmt.Errorf("dispatch: write greeting reply: %w", err)
	}

	reqParser := inbound.NewRequestParser()
	req, err := feedUntilDone(nil, conn, func(chunk []byte) (*inbound.Request, error) {
		return reqParser.Feed(chunk)
	})
	if err != nil {
		return fmt.Errorf("dispatch: socks5 request: %w", err)
	}

	switch req.Cmd {
	case inbound.CmdConnect:
		return c.socks5Connect(ctx, conn, req.Dest, log)
	case inbound.CmdUDPAssociate:
		return c.socks5UDPAssociate(ctx, conn, log)
	default:
		reply, _ := inbound.EncodeReply(inbound.ReplyFailure, zeroBoundAddress)
		conn.Write(reply)
		return fmt.Errorf("dispatch: unsupported socks5 command 0x%02x", req.Cmd)
	}
}

func (c *Client) socks5Connect(ctx context.Context, conn net.Conn, dest address.Address, log *zap.Logger) error {
	stream, err := c.openTunnel(ctx, trojan.CmdConnect, dest)
	if err != nil {
		reply, _ := inbound.EncodeReply(inbound.ReplyFailure, zeroBoundAddress)
		conn.Write(reply)
		return err
	}
	defer stream.Close()

	bound, err := tcpBoundAddress(conn)
	if err != nil {
		return err
	}
	reply, err := inbound.EncodeReply(inbound.ReplySucceeded, bound)
	if err != nil {
		return err
	}
	if _, err := conn.Write(reply); err != nil {
		return fmt.Errorf("dispatch: write socks5 reply: %w", err)
	}

	log.Debug("socks5 connect", zap.String("dest", dest.String()))
	relayConn, relayStream := sniffLiteTLS(ctx, litetls.ClientSide, conn, stream, log)
	reason, err := relay.Run(ctx, relayConn, relayStream, relay.Options{IdleTimeout: c.IdleTimeout})
	log.Debug("relay ended", zap.Stringer("reason", reason))
	return err
}

// socks5UDPAssociate binds a local UDP relay socket, replies with its
// address, opens a Trojan-UDP tunnel stream, and pumps datagrams between
// the two framings until the control TCP connection closes.
func (c *Client) socks5UDPAssociate(ctx context.Context, control net.Conn, log *zap.Logger) error {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		reply, _ := inbound.EncodeReply(inbound.ReplyFailure, zeroBoundAddress)
		control.Write(reply)
		return fmt.Errorf("dispatch: bind udp relay socket: %w", err)
	}
	defer pc.Close()

	bound, err := udpBoundAddress(pc)
	if err != nil {
		return err
	}
	reply, err := inbound.EncodeReply(inbound.ReplySucceeded, bound)
	if err != nil {
		return err
	}
	if _, err := control.Write(reply); err != nil {
		return fmt.Errorf("dispatch: write udp associate reply: %w", err)
	}

	stream, err := c.openTunnel(ctx, trojan.CmdUDPAssociate, zeroBoundAddress)
	if err != nil {
		return err
	}
	defer stream.Close()

	assocCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	framer := socksudp.NewFramer(pc, 64*1024)
	udpFramer := trojan.NewUDPFramer(stream)

	go pumpSocksToTrojan(assocCtx, framer, udpFramer, log)
	go pumpTrojanToSocks(assocCtx, framer, udpFramer, log)

	// The association lives as long as the control connection stays open;
	// any read (including EOF) on it ends the association.
	buf := make([]byte, 1)
	_, _ = control.Read(buf)
	return nil
}

func pumpSocksToTrojan(ctx context.Context, framer *socksudp.Framer, udpFramer *trojan.UDPFramer, log *zap.Logger) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		dest, _, n, err := framer.ReadFrom(buf)
		if err != nil {
			log.Debug("socks5 udp read failed", zap.Error(err))
			return
		}
		if _, err := udpFramer.WriteDatagram(dest, buf[:n]); err != nil {
			log.Debug("trojan udp write failed", zap.Error(err))
			return
		}
	}
}

func pumpTrojanToSocks(ctx context.Context, framer *socksudp.Framer, udpFramer *trojan.UDPFramer, log *zap.Logger) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		dest, n, err := udpFramer.ReadDatagram(buf)
		if err != nil {
			log.Debug("trojan udp read failed", zap.Error(err))
			return
		}
		client := framer.LearnedClient()
		if client == nil {
			continue
		}
		if _, err := framer.SendTo(client, dest, buf[:n]); err != nil {
			log.Debug("socks5 udp write failed", zap.Error(err))
			return
		}
	}
}

func (c *Client) openTunnel(ctx context.Context, cmd trojan.Command, dest address.Address) (Stream, error) {
	stream, err := c.Tunnel.Open(ctx)
	if err != nil {
		return nil, err
	}
	preamble, err := trojan.EncodePreamble(c.PasswordHash, cmd, dest)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(preamble); err != nil {
		stream.Close()
		return nil, fmt.Errorf("dispatch: write trojan preamble: %w", err)
	}
	return stream, nil
}

// feedUntilDone reads from conn one small chunk at a time (starting with
// an already-read first chunk, if non-nil), calling feed on each until it
// returns something other than parseerr.Incomplete.
func feedUntilDone[T any](first []byte, conn net.Conn, feed func([]byte) (*T, error)) (*T, error) {
	chunk := first
	for {
		if chunk != nil {
			result, err := feed(chunk)
			if err == nil {
				return result, nil
			}
			if !parseerr.IsIncomplete(err) {
				return nil, err
			}
		}
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		if n == 0 && err != nil {
			return nil, err
		}
		chunk = buf[:n]
	}
}

func udpBoundAddress(pc net.PacketConn) (address.Address, error) {
	addr, ok := pc.LocalAddr().(*net.UDPAddr)
	if !ok {
		return address.Address{}, fmt.Errorf("dispatch: unexpected packet conn local addr type")
	}
	return ipPortAddress(addr.IP, addr.Port), nil
}

// tcpBoundAddress reports conn's own local address, the value a SOCKS5
// CONNECT success reply must carry in its BND.ADDR/BND.PORT fields.
func tcpBoundAddress(conn net.Conn) (address.Address, error) {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return address.Address{}, fmt.Errorf("dispatch: unexpected conn local addr type")
	}
	return ipPortAddress(addr.IP, addr.Port), nil
}

func ipPortAddress(ip net.IP, port int) address.Address {
	if ip4 := ip.To4(); ip4 != nil {
		var octets [4]byte
		copy(octets[:], ip4)
		return address.NewIPv4(octets, uint16(port))
	}
	var segs [16]byte
	copy(segs[:], ip.To16())
	return address.NewIPv6(segs, uint16(port))
}
