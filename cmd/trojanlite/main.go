// Command trojanlite runs either role of the trojanlite tunnel: client
// (accepts local HTTP/SOCKS5 connections and tunnels them out) or server
// (terminates the tunnel, authenticates it, and relays to the requested
// target or the camouflage site).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trojanlite/trojanlite/internal/certstore"
	"github.com/trojanlite/trojanlite/internal/config"
	"github.com/trojanlite/trojanlite/internal/counter"
	"github.com/trojanlite/trojanlite/internal/dispatch"
	"github.com/trojanlite/trojanlite/internal/fallback"
	"github.com/trojanlite/trojanlite/internal/latency"
	"github.com/trojanlite/trojanlite/internal/quicmux"
	"github.com/trojanlite/trojanlite/internal/relay"
	"github.com/trojanlite/trojanlite/internal/resolve"
	"github.com/trojanlite/trojanlite/internal/trojan"
)

// drainGrace is how long the signal handler keeps the process alive after
// the first interrupt before exiting unconditionally. The accept loops return
// as soon as the context is canceled, and the process then exits without
// waiting for in-flight connections to finish.
const drainGrace = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trojanlite",
		Short: "A Trojan-protocol tunnel client and server",
		Long: `trojanlite tunnels local HTTP-CONNECT, plain HTTP, and SOCKS5 traffic
out through a Trojan-wrapped TLS or QUIC connection to a trojanlite server,
which authenticates the tunnel and relays it to the requested destination.

Unauthenticated or malformed tunnel connections are handed to a local
camouflage web server instead of being closed, so the server is
indistinguishable from an ordinary HTTPS site to a passive prober.`,
		SilenceUsage: true,
	}
	root.AddCommand(newClientCmd(), newServerCmd())
	return root
}

// explicitFlags mirrors pflag's Changed() tracking into the map config.Merge
// expects, so a flag left at its zero value but explicitly passed still
// takes precedence over the config file.
func explicitFlags(flags *pflag.FlagSet, names ...string) map[string]bool {
	explicit := make(map[string]bool, len(names))
	for _, name := range names {
		explicit[name] = flags.Changed(name)
	}
	return explicit
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// drainOnSignal returns a context canceled on the first SIGINT/SIGTERM; a
// second signal within drainGrace forces an immediate exit.
func drainOnSignal(log *zap.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("ctrl-c, draining", zap.Duration("grace", drainGrace))
		cancel()
		select {
		case <-sig:
			log.Warn("second interrupt, exiting immediately")
			os.Exit(1)
		case <-time.After(drainGrace):
			os.Exit(0)
		}
	}()
	return ctx
}

func newClientCmd() *cobra.Command {
	var cfgPath string
	overrides := config.Config{}
	var transport string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the local client: accept HTTP/SOCKS5 and tunnel out",
		RunE: func(cmd *cobra.Command, args []string) error {
			var file config.File
			if cfgPath != "" {
				var err error
				file, err = config.LoadFile(cfgPath)
				if err != nil {
					return err
				}
			}
			overrides.Transport = config.Transport(transport)
			explicit := explicitFlags(cmd.Flags(), "listen", "remote", "password", "transport",
				"server-name", "idle-timeout", "debug-io", "log-level")
			cfg := config.Merge(file, overrides, explicit)
			return runClient(cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfgPath, "config", "", "path to a TOML config file")
	flags.StringVar(&overrides.Listen, "listen", "127.0.0.1:1080", "local address to accept HTTP/SOCKS5 on")
	flags.StringVar(&overrides.Remote, "remote", "", "trojanlite server address (host:port)")
	flags.StringVar(&overrides.Password, "password", "", "tunnel password")
	flags.StringVar(&transport, "transport", "tls", "outer transport: tls or quic")
	flags.StringVar(&overrides.ServerName, "server-name", "", "TLS server name / SNI to present (defaults to remote's host)")
	flags.DurationVar(&overrides.IdleTimeout, "idle-timeout", config.DefaultIdleTimeout, "relay idle timeout")
	flags.BoolVar(&overrides.DebugIO, "debug-io", false, "log byte counts for every relayed connection")
	flags.StringVar(&overrides.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func runClient(cfg config.Config) error {
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Remote == "" {
		return fmt.Errorf("client: --remote is required")
	}
	passwordHash := trojan.HashPassword(cfg.Password)

	serverName := cfg.ServerName
	if serverName == "" {
		if host, _, err := net.SplitHostPort(cfg.Remote); err == nil {
			serverName = host
		}
	}

	ctx := drainOnSignal(log)
	est := latency.NewEstimator(log)
	go est.Run(ctx)

	var tunnel dispatch.Tunnel
	switch cfg.Transport {
	case config.TransportQUIC:
		mgr := quicmux.NewManager(cfg.Remote, &tls.Config{ServerName: serverName, NextProtos: []string{quicmux.ALPNProtocol}}, log)
		go mgr.Run(ctx)
		tunnel = &dispatch.QUICTunnel{Manager: mgr}
	case config.TransportTLS:
		tunnel = &dispatch.TLSTunnel{Addr: cfg.Remote, TLSConfig: &tls.Config{ServerName: serverName}, Estimator: est}
	default:
		return fmt.Errorf("client: unknown transport %q", cfg.Transport)
	}

	cnt := &counter.Counter{}
	client := &dispatch.Client{
		Tunnel:       tunnel,
		PasswordHash: passwordHash,
		IdleTimeout:  cfg.IdleTimeout,
		Counter:      cnt,
		Log:          log,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("client: listen %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	log.Info("client listening", zap.String("addr", cfg.Listen), zap.String("remote", cfg.Remote), zap.String("transport", string(cfg.Transport)))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("client: accept: %w", err)
			}
		}
		if cfg.DebugIO {
			conn = debugConn(conn, log)
		}
		go func() {
			if err := client.ServeConn(ctx, conn); err != nil {
				log.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

func newServerCmd() *cobra.Command {
	var cfgPath string
	overrides := config.Config{}
	var transport string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel-terminating server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var file config.File
			if cfgPath != "" {
				var err error
				file, err = config.LoadFile(cfgPath)
				if err != nil {
					return err
				}
			}
			overrides.Transport = config.Transport(transport)
			explicit := explicitFlags(cmd.Flags(), "listen", "password", "transport",
				"camouflage", "cert-file", "key-file", "idle-timeout", "debug-io", "log-level")
			cfg := config.Merge(file, overrides, explicit)
			return runServer(cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfgPath, "config", "", "path to a TOML config file")
	flags.StringVar(&overrides.Listen, "listen", "0.0.0.0:443", "address to accept tunnel connections on")
	flags.StringVar(&overrides.Password, "password", "", "tunnel password")
	flags.StringVar(&transport, "transport", "tls", "outer transport: tls or quic")
	flags.StringVar(&overrides.CamouflageAddr, "camouflage", "127.0.0.1:8080", "local HTTP server to fall back to on auth failure")
	flags.StringVar(&overrides.CertFile, "cert-file", "", "TLS certificate (self-signed cert generated and cached if empty)")
	flags.StringVar(&overrides.KeyFile, "key-file", "", "TLS private key")
	flags.DurationVar(&overrides.IdleTimeout, "idle-timeout", config.DefaultIdleTimeout, "relay idle timeout")
	flags.BoolVar(&overrides.DebugIO, "debug-io", false, "log byte counts for every relayed connection")
	flags.StringVar(&overrides.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func runServer(cfg config.Config) error {
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Password == "" {
		return fmt.Errorf("server: --password is required")
	}
	passwordHash := trojan.HashPassword(cfg.Password)

	tlsConfig, err := serverTLSConfig(cfg, log)
	if err != nil {
		return err
	}

	cnt := &counter.Counter{}
	srv := &dispatch.Server{
		PasswordHash: passwordHash,
		Fallback:     fallback.NewRouter(cfg.CamouflageAddr, log),
		Resolver:     resolve.New(log),
		IdleTimeout:  cfg.IdleTimeout,
		Counter:      cnt,
		Log:          log,
	}

	ctx := drainOnSignal(log)
	est := latency.NewEstimator(log)
	go est.Run(ctx)

	switch cfg.Transport {
	case config.TransportQUIC:
		return runQUICServer(ctx, cfg, tlsConfig, srv, log)
	case config.TransportTLS:
		return runTLSServer(ctx, cfg, tlsConfig, srv, log)
	default:
		return fmt.Errorf("server: unknown transport %q", cfg.Transport)
	}
}

func serverTLSConfig(cfg config.Config, log *zap.Logger) (*tls.Config, error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: load cert/key: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	dir, err := certstore.AppDataDir()
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(cfg.Listen)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	cert, err := certstore.LoadOrGenerate(dir, []string{host})
	if err != nil {
		return nil, fmt.Errorf("server: self-signed cert: %w", err)
	}
	log.Info("using self-signed certificate", zap.String("dir", dir))
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func runTLSServer(ctx context.Context, cfg config.Config, tlsConfig *tls.Config, srv *dispatch.Server, log *zap.Logger) error {
	ln, err := tls.Listen("tcp", cfg.Listen, tlsConfig)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	log.Info("server listening", zap.String("addr", cfg.Listen), zap.String("transport", "tls"))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		if cfg.DebugIO {
			conn = debugConn(conn, log)
		}
		go func() {
			if err := srv.ServeConn(ctx, conn); err != nil {
				log.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

func runQUICServer(ctx context.Context, cfg config.Config, tlsConfig *tls.Config, srv *dispatch.Server, log *zap.Logger) error {
	tlsConfig = tlsConfig.Clone()
	tlsConfig.NextProtos = []string{quicmux.ALPNProtocol}

	ln, err := quicmux.Listen(cfg.Listen, tlsConfig, log)
	if err != nil {
		return fmt.Errorf("server: quic listen %s: %w", cfg.Listen, err)
	}
	defer ln.Close()
	log.Info("server listening", zap.String("addr", cfg.Listen), zap.String("transport", "quic"))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return ln.Serve(ctx, func(streamCtx context.Context, stream quic.Stream) {
		conn := quicStreamConn{stream}
		first := make([]byte, 1)
		n, err := conn.Read(first)
		if err != nil {
			return
		}
		if n > 0 && quicmux.ServeEcho(stream, first[0]) {
			return
		}
		if err := srv.ServeConn(streamCtx, &firstByteConn{Conn: conn, first: first[:n]}); err != nil {
			log.Debug("quic stream ended", zap.Error(err))
		}
	})
}

// firstByteConn replays a single already-read byte ahead of the wrapped
// conn's own bytes; used to put back a byte peeked to distinguish a
// quicmux liveness echo probe from an actual tunnel connection.
type firstByteConn struct {
	net.Conn
	first []byte
}

func (f *firstByteConn) Read(p []byte) (int, error) {
	if len(f.first) > 0 {
		n := copy(p, f.first)
		f.first = f.first[n:]
		return n, nil
	}
	return f.Conn.Read(p)
}

// quicStreamConn adapts a quic.Stream to net.Conn so it can be handed to
// dispatch.Server.ServeConn unmodified; the address and deadline methods
// are unused by the dispatcher and are stubbed out.
type quicStreamConn struct {
	quic.Stream
}

func (q quicStreamConn) LocalAddr() net.Addr              { return quicStreamAddr{} }
func (q quicStreamConn) RemoteAddr() net.Addr              { return quicStreamAddr{} }
func (q quicStreamConn) SetDeadline(t time.Time) error     { return nil }
func (q quicStreamConn) SetReadDeadline(t time.Time) error { return nil }
func (q quicStreamConn) SetWriteDeadline(t time.Time) error { return nil }

type quicStreamAddr struct{}

func (quicStreamAddr) Network() string { return "quic" }
func (quicStreamAddr) String() string  { return "quic-stream" }

// debugConn wires relay.DebugConn's byte-counting into the accept path
// when --debug-io is set, logging each read/write via the given logger.
func debugConn(conn net.Conn, log *zap.Logger) net.Conn {
	return &relay.DebugConn{
		Conn: conn,
		Sink: func(direction string, n int) {
			log.Debug("io", zap.String("dir", direction), zap.Int("n", n))
		},
	}
}
