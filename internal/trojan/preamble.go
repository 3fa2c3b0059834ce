// Package trojan implements the Trojan wire preamble (client encode /
// server decode) and the Trojan-UDP frame codec.
package trojan

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/parseerr"
)

// HeaderLen is the length in bytes of hex(SHA224(password)).
const HeaderLen = 56

// Command is the Trojan request CMD byte.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdUDPAssociate Command = 0x03
	CmdEcho         Command = 0xFF
)

// HashPassword returns the lowercase hex-encoded SHA-224 of password, the
// 56-ASCII-byte value carried at the start of every Trojan preamble.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual reports whether a and b are equal, inspecting all 56
// bytes of each regardless of where the first mismatch occurs. Both slices
// must be exactly HeaderLen bytes; conformant callers always pass
// fixed-length buffers so this never short-circuits on length.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != HeaderLen || len(b) != HeaderLen {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EncodePreamble builds the client-side Trojan preamble:
// HEX56 || CRLF || CMD || ATYP || ADDR || PORT || CRLF, ready to be followed
// by the first payload bytes.
func EncodePreamble(passwordHash string, cmd Command, dest address.Address) ([]byte, error) {
	if len(passwordHash) != HeaderLen {
		return nil, parseerr.Invalid("trojan: password hash must be 56 hex bytes")
	}
	out := make([]byte, 0, HeaderLen+2+1+dest.EncodedLen()+2)
	out = append(out, passwordHash...)
	out = append(out, '\r', '\n')
	out = append(out, byte(cmd))
	if cmd != CmdEcho {
		var err error
		out, err = dest.Encode(out)
		if err != nil {
			return nil, err
		}
	}
	out = append(out, '\r', '\n')
	return out, nil
}

type serverState int

const (
	stateNeedHash serverState = iota
	stateNeedCmdAddr
	stateNeedCRLF
	stateDone
)

// Preamble is a fully parsed server-side Trojan request.
type Preamble struct {
	Cmd  Command
	Dest address.Address // zero value for CmdEcho
}

// ServerParser incrementally parses the server side of a Trojan preamble
// against a configured password hash, per spec.md §4.4.
type ServerParser struct {
	expectedHash []byte
	state        serverState
	buf          []byte
	cmd          Command
	dest         address.Address
	addrLen      int
}

// NewServerParser returns a parser that authenticates against
// expectedHash (56 lowercase hex bytes, see HashPassword).
func NewServerParser(expectedHash string) *ServerParser {
	return &ServerParser{expectedHash: []byte(expectedHash)}
}

// Feed supplies newly read bytes. It returns parseerr.Incomplete, a
// parseerr.AuthFailure on hash mismatch, a parseerr Invalid error on any
// other malformed field, or a non-nil *Preamble plus the number of bytes of
// buf consumed by the preamble (everything after that index is payload).
func (p *ServerParser) Feed(chunk []byte) (*Preamble, int, error) {
	p.buf = append(p.buf, chunk...)

	if p.state == stateNeedHash {
		if len(p.buf) < HeaderLen {
			return nil, 0, parseerr.Incomplete
		}
		if !ConstantTimeEqual(p.buf[:HeaderLen], p.expectedHash) {
			return nil, 0, parseerr.AuthFailure("trojan: password hash mismatch")
		}
		p.state = stateNeedCmdAddr
	}

	if p.state == stateNeedCmdAddr {
		// HeaderLen + CRLF + CMD(1) minimum before we can even look at CMD.
		if len(p.buf) < HeaderLen+2+1 {
			return nil, 0, parseerr.Incomplete
		}
		if p.buf[HeaderLen] != '\r' || p.buf[HeaderLen+1] != '\n' {
			return nil, 0, parseerr.Invalid("trojan: missing CRLF after password hash")
		}
		cmd := Command(p.buf[HeaderLen+2])
		switch cmd {
		case CmdConnect, CmdUDPAssociate:
			dest, n, err := address.Decode(p.buf[HeaderLen+3:])
			if err != nil {
				if parseerr.IsIncomplete(err) {
					return nil, 0, parseerr.Incomplete
				}
				return nil, 0, err
			}
			p.cmd = cmd
			p.dest = dest
			p.addrLen = n
		case CmdEcho:
			p.cmd = cmd
			p.dest = address.NewUnspecified()
			p.addrLen = 0
		default:
			return nil, 0, parseerr.Invalid("trojan: unknown command byte")
		}
		p.state = stateNeedCRLF
	}

	// state == stateNeedCRLF
	crlfOffset := HeaderLen + 3 + p.addrLen
	if len(p.buf) < crlfOffset+2 {
		return nil, 0, parseerr.Incomplete
	}
	if p.buf[crlfOffset] != '\r' || p.buf[crlfOffset+1] != '\n' {
		return nil, 0, parseerr.Invalid("trojan: missing CRLF after command/address")
	}
	p.state = stateDone
	return &Preamble{Cmd: p.cmd, Dest: p.dest}, crlfOffset + 2, nil
}

// Residual returns the bytes fed so far beyond consumed (the first payload
// bytes, to be threaded into a BufferedStream). Call only after Feed has
// returned a non-nil *Preamble.
func (p *ServerParser) Residual(consumed int) []byte {
	return p.buf[consumed:]
}
