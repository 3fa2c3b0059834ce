package inbound

import (
	"bytes"
	"strings"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/parseerr"
)

type httpState int

const (
	httpStart httpState = iota
	httpNeedHost
	httpWaitTerm
	httpDone
)

// HTTPResult is the outcome of a completed HTTP parse.
type HTTPResult struct {
	// IsConnect is true for CONNECT, false for a plain GET.
	IsConnect bool
	Dest      address.Address
	// UpstreamPreamble is nil for CONNECT. For GET it is the synthesized
	// request line/headers that must be written to the upstream
	// immediately after the Trojan preamble.
	UpstreamPreamble []byte
}

// HTTPParser incrementally parses an HTTP CONNECT or plain GET request line
// far enough to extract a destination Address, discarding the remaining
// headers once the Host/target has been read.
type HTTPParser struct {
	state  httpState
	isTLS  bool
	dest   address.Address
	start  []byte // accumulated bytes until the host/target is resolved
	cursor int     // offset into start past "GET "/"CONNECT "
	tail   []byte // trailing bytes once waiting for the CRLFCRLF terminator
}

// NewHTTPParser returns a fresh parser in the Start state.
func NewHTTPParser() *HTTPParser { return &HTTPParser{} }

// Feed supplies newly read bytes. It returns parseerr.Incomplete if more
// bytes are needed, a parseerr Invalid error for a malformed request, or a
// non-nil *HTTPResult once the request line has been fully parsed.
func (p *HTTPParser) Feed(chunk []byte) (*HTTPResult, error) {
	switch p.state {
	case httpDone:
		return nil, parseerr.Invalid("http: parser already done")
	case httpWaitTerm:
		return p.feedTail(chunk)
	default:
		p.start = append(p.start, chunk...)
		return p.parseStartAndHost()
	}
}

func (p *HTTPParser) parseStartAndHost() (*HTTPResult, error) {
	buf := p.start
	if p.state == httpStart {
		if len(buf) < 4 {
			return nil, parseerr.Incomplete
		}
		if bytes.Equal(buf[:4], []byte("GET ")) {
			p.isTLS = false
			p.cursor = 4
			p.state = httpNeedHost
		} else {
			if len(buf) < 8 {
				return nil, parseerr.Incomplete
			}
			if !bytes.Equal(buf[:8], []byte("CONNECT ")) {
				return nil, parseerr.Invalid("http: request line is neither GET nor CONNECT")
			}
			p.isTLS = true
			p.cursor = 8
			p.state = httpNeedHost
		}
	}

	rest := buf[p.cursor:]
	j := 0
	for j < len(rest) && rest[j] == ' ' {
		j++
	}
	if j == len(rest) {
		return nil, parseerr.Incomplete
	}
	rest = rest[j:]

	if !p.isTLS {
		const scheme = "http://"
		if len(rest) < len(scheme) {
			if isPrefixFold(rest, scheme) {
				return nil, parseerr.Incomplete
			}
		} else if strings.EqualFold(string(rest[:len(scheme)]), scheme) {
			rest = rest[len(scheme):]
		}
	}

	idx := bytes.IndexAny(rest, " /")
	if idx < 0 {
		return nil, parseerr.Incomplete
	}
	hostPart := string(rest[:idx])

	defaultPort := uint16(80)
	if p.isTLS {
		defaultPort = 443
	}
	dest, err := address.ParseHostPort(hostPart, defaultPort)
	if err != nil {
		return nil, parseerr.Invalid("http: bad host/target: " + hostPart)
	}
	p.dest = dest
	p.state = httpWaitTerm

	n := len(p.start)
	if n > 4 {
		n = 4
	}
	p.tail = append([]byte(nil), p.start[len(p.start)-n:]...)
	p.start = nil
	return p.checkTerminator()
}

func isPrefixFold(short []byte, full string) bool {
	if len(short) > len(full) {
		return false
	}
	return strings.EqualFold(string(short), full[:len(short)])
}

func (p *HTTPParser) feedTail(chunk []byte) (*HTTPResult, error) {
	p.tail = append(p.tail, chunk...)
	return p.checkTerminator()
}

func (p *HTTPParser) checkTerminator() (*HTTPResult, error) {
	if bytes.HasSuffix(p.tail, []byte("\r\n\r\n")) {
		p.state = httpDone
		result := &HTTPResult{IsConnect: p.isTLS, Dest: p.dest}
		if !p.isTLS {
			result.UpstreamPreamble = []byte("GET / HTTP/1.1\r\nHost: " + hostHeader(p.dest) + "\r\nConnection: keep-alive\r\n\r\n")
		}
		return result, nil
	}
	if len(p.tail) > 4 {
		p.tail = p.tail[len(p.tail)-4:]
	}
	return nil, parseerr.Incomplete
}

func hostHeader(a address.Address) string {
	switch a.Kind {
	case address.KindHostname:
		return a.Hostname
	default:
		return a.String()
	}
}

// ConnectOK is the response line the client must send to its own inbound
// connection once a CONNECT request has been accepted and tunneling begins.
const ConnectOK = "HTTP/1.1 200 Connection established\r\n\r\n"
