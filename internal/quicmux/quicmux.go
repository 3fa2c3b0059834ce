// Package quicmux implements the QUIC transport multiplexer described in
// spec.md §4.9: one long-lived QUIC connection carrying many concurrent
// bidirectional streams, each stream framed exactly like a single
// TLS-over-TCP Trojan connection, plus a background echo probe that detects
// a connection gone silently dead.
package quicmux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// ALPNProtocol is the ALPN identifier advertised/expected on the QUIC
// handshake, matching spec.md §4.9's wire-level requirement that both ends
// agree on a single fixed protocol string.
const ALPNProtocol = "hq-29"

// maxConcurrentBidiStreams bounds how many Trojan connections one QUIC
// connection may multiplex at once; past this, OpenStream blocks on the
// Manager's semaphore until a stream frees up.
const maxConcurrentBidiStreams = 30

// echoCmd and echoPhrase are the fixed probe request/response bytes the
// liveness checker sends down a dedicated stream every echoInterval.
const (
	echoCmd         = 0xFF
	echoPhrase      = "echo"
	echoInterval    = 5 * time.Second
	echoReplyExpiry = 2 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 600 * time.Second,
		MaxIncomingStreams:             maxConcurrentBidiStreams,
		HandshakeIdleTimeout:           10 * time.Second,
		InitialStreamReceiveWindow:     512 * 1024,
		MaxStreamReceiveWindow:         4 * 1024 * 1024,
		InitialConnectionReceiveWindow: 1024 * 1024,
		MaxConnectionReceiveWindow:     8 * 1024 * 1024,
	}
}

// request is a queued demand for a new outgoing bidi stream.
type request struct {
	ctx    context.Context
	result chan<- streamResult
}

type streamResult struct {
	stream quic.Stream
	err    error
}

// Manager owns a single QUIC connection and hands out bidirectional streams
// from it, reconnecting when the connection dies, and running a background
// echo probe so a half-dead path is noticed before a real request hits it.
type Manager struct {
	addr      string
	tlsConfig *tls.Config
	log       *zap.Logger

	mu      sync.Mutex
	conn    quic.Connection
	alive   bool
	dialing bool

	requests chan request

	sem chan struct{}
}

// NewManager returns a Manager that dials addr on demand. tlsConfig must
// already carry NextProtos: []string{ALPNProtocol}.
func NewManager(addr string, tlsConfig *tls.Config, log *zap.Logger) *Manager {
	return &Manager{
		addr:      addr,
		tlsConfig: tlsConfig,
		log:       log,
		requests:  make(chan request, 64),
		sem:       make(chan struct{}, maxConcurrentBidiStreams),
	}
}

// Run drives the connect/echo-probe daemon until ctx is canceled. It must be
// started once, in its own goroutine, before OpenStream is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(echoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.requests:
			m.serve(ctx, req)
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Manager) serve(ctx context.Context, req request) {
	conn, err := m.connection(ctx)
	if err != nil {
		req.result <- streamResult{err: err}
		return
	}
	stream, err := conn.OpenStreamSync(req.ctx)
	if err != nil {
		m.markDead()
		req.result <- streamResult{err: err}
		return
	}
	req.result <- streamResult{stream: stream}
}

// OpenStream requests a new bidirectional stream on the managed QUIC
// connection, dialing (or redialing) as needed. It blocks until a stream
// slot is available, up to maxConcurrentBidiStreams concurrently open.
func (m *Manager) OpenStream(ctx context.Context) (quic.Stream, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := make(chan streamResult, 1)
	select {
	case m.requests <- request{ctx: ctx, result: result}:
	case <-ctx.Done():
		<-m.sem
		return nil, ctx.Err()
	}

	res := <-result
	if res.err != nil {
		<-m.sem
		return nil, res.err
	}
	return &releasingStream{Stream: res.stream, release: func() { <-m.sem }}, nil
}

// releasingStream frees its Manager semaphore slot exactly once, the first
// time either Close or CancelWrite ends the stream's lifecycle.
type releasingStream struct {
	quic.Stream
	once    sync.Once
	release func()
}

func (s *releasingStream) Close() error {
	s.once.Do(s.release)
	return s.Stream.Close()
}

func (s *releasingStream) CancelWrite(code quic.StreamErrorCode) {
	s.once.Do(s.release)
	s.Stream.CancelWrite(code)
}

func (m *Manager) connection(ctx context.Context) (quic.Connection, error) {
	m.mu.Lock()
	if m.alive && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, m.addr, m.tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicmux: dial %s: %w", m.addr, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.alive = true
	m.mu.Unlock()
	m.log.Info("quic connection established", zap.String("addr", m.addr))
	return conn, nil
}

func (m *Manager) markDead() {
	m.mu.Lock()
	m.alive = false
	m.mu.Unlock()
}

// probe opens a dedicated echo stream, writes the probe frame, and expects
// the phrase echoed back within echoReplyExpiry; failure marks the
// connection dead so the next OpenStream call redials.
func (m *Manager) probe(ctx context.Context) {
	m.mu.Lock()
	conn, alive := m.conn, m.alive
	m.mu.Unlock()
	if !alive || conn == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, echoReplyExpiry)
	defer cancel()

	stream, err := conn.OpenStreamSync(probeCtx)
	if err != nil {
		m.log.Warn("echo probe: open stream failed", zap.Error(err))
		m.markDead()
		return
	}
	defer stream.Close()

	if _, err := stream.Write(append([]byte{echoCmd}, echoPhrase...)); err != nil {
		m.log.Warn("echo probe: write failed", zap.Error(err))
		m.markDead()
		return
	}

	reply := make([]byte, len(echoPhrase))
	if _, err := readFull(probeCtx, stream, reply); err != nil || string(reply) != echoPhrase {
		m.log.Warn("echo probe: no valid reply", zap.Error(err))
		m.markDead()
		return
	}
}

func readFull(ctx context.Context, s quic.Stream, buf []byte) (int, error) {
	type res struct {
		n   int
		err error
	}
	done := make(chan res, 1)
	go func() {
		total := 0
		for total < len(buf) {
			n, err := s.Read(buf[total:])
			total += n
			if err != nil {
				done <- res{total, err}
				return
			}
		}
		done <- res{total, nil}
	}()
	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ServeEcho answers an incoming echo probe stream: if the stream's first
// byte is echoCmd, it is handled here and consumed entirely; otherwise
// handled reports false and the stream's already-read prefix is returned
// via the caller's own buffered-prefix mechanism.
func ServeEcho(stream quic.Stream, first byte) bool {
	if first != echoCmd {
		return false
	}
	buf := make([]byte, len(echoPhrase))
	if _, err := readFullBlocking(stream, buf); err != nil {
		return true
	}
	_, _ = stream.Write(buf)
	return true
}

func readFullBlocking(s quic.Stream, buf []byte) (int, error) {
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

// Listener wraps a *quic.Listener, accepting connections and handing each
// accepted stream to handle. Used on the server side, where trojanlite
// itself is the QUIC listener rather than a client dialing out.
type Listener struct {
	ln  *quic.Listener
	log *zap.Logger
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, tlsConfig *tls.Config, log *zap.Logger) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicmux: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Serve accepts QUIC connections until ctx is canceled, dispatching each
// accepted stream on each connection to handle in its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle func(context.Context, quic.Stream)) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			l.log.Warn("quic accept failed", zap.Error(err))
			continue
		}
		go l.serveConn(ctx, conn, handle)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn quic.Connection, handle func(context.Context, quic.Stream)) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go handle(ctx, stream)
	}
}

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
