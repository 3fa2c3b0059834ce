package trojan

import (
	"io"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/framebuf"
	"github.com/trojanlite/trojanlite/internal/parseerr"
)

// UDPFramer layers the Trojan-UDP frame codec
// (AddressCodec(dst) || LEN(2,BE) || CRLF || payload) on top of a byte
// stream, presenting a "datagram socket with per-packet addresses"
// interface as described in spec.md §4.5 and the DESIGN NOTES.
type UDPFramer struct {
	r io.Reader
	w io.Writer

	buf   *framebuf.FramedBuffer
	state udpReadState
	addr  address.Address
	// remaining tracks bytes of the current frame's payload not yet
	// delivered to the caller across successive ReadDatagram calls.
	remaining int

	writeBuf []byte
}

type udpReadState int

const (
	udpNeedAddr udpReadState = iota
	udpNeedLen
	udpInPayload
)

// NewUDPFramer wraps rw for framed datagram I/O.
func NewUDPFramer(rw io.ReadWriter) *UDPFramer {
	return &UDPFramer{r: rw, w: rw, buf: framebuf.New(2048)}
}

// WriteDatagram sends one Trojan-UDP frame for payload addressed to dest.
// The frame is assembled in an internal buffer and written atomically: on a
// short write the remainder is retried until the whole frame is queued, so
// the caller observes exactly one semantic write per datagram.
func (u *UDPFramer) WriteDatagram(dest address.Address, payload []byte) (int, error) {
	u.writeBuf = u.writeBuf[:0]
	var err error
	u.writeBuf, err = dest.Encode(u.writeBuf)
	if err != nil {
		return 0, err
	}
	u.writeBuf = append(u.writeBuf, byte(len(payload)>>8), byte(len(payload)))
	u.writeBuf = append(u.writeBuf, '\r', '\n')
	u.writeBuf = append(u.writeBuf, payload...)

	for written := 0; written < len(u.writeBuf); {
		n, err := u.w.Write(u.writeBuf[written:])
		written += n
		if err != nil {
			return 0, err
		}
	}
	return len(payload), nil
}

// ReadDatagram decodes the next Trojan-UDP frame (or frame fragment, for
// payloads larger than len(out)) from the underlying stream. It returns the
// destination Address alongside the bytes copied into out. If the
// underlying stream reaches EOF before a complete frame has arrived, it
// returns the Unspecified address with zero bytes and a nil error, signaling
// a clean stream end.
func (u *UDPFramer) ReadDatagram(out []byte) (address.Address, int, error) {
	for {
		switch u.state {
		case udpNeedAddr:
			addr, n, err := address.Decode(u.buf.Peek())
			if err != nil {
				if parseerr.IsIncomplete(err) {
					if ferr := u.fill(); ferr != nil {
						return cleanEOFOr(ferr)
					}
					continue
				}
				return address.Address{}, 0, err
			}
			u.buf.Advance(n)
			u.buf.PopChecked()
			u.addr = addr
			u.state = udpNeedLen
		case udpNeedLen:
			b := u.buf.Peek()
			if len(b) < 4 {
				if ferr := u.fill(); ferr != nil {
					return cleanEOFOr(ferr)
				}
				continue
			}
			length := int(b[0])<<8 | int(b[1])
			if b[2] != '\r' || b[3] != '\n' {
				return address.Address{}, 0, parseerr.Invalid("trojan-udp: missing CRLF after length")
			}
			u.buf.Advance(4)
			u.buf.PopChecked()
			u.remaining = length
			u.state = udpInPayload
		case udpInPayload:
			if u.remaining == 0 {
				addr := u.addr
				u.state = udpNeedAddr
				return addr, 0, nil
			}
			avail := u.buf.Peek()
			if len(avail) == 0 {
				if ferr := u.fill(); ferr != nil {
					return cleanEOFOr(ferr)
				}
				continue
			}
			n := len(avail)
			if n > len(out) {
				n = len(out)
			}
			if n > u.remaining {
				n = u.remaining
			}
			copy(out, avail[:n])
			u.buf.Advance(n)
			u.buf.PopChecked()
			u.remaining -= n
			addr := u.addr
			if u.remaining == 0 {
				u.state = udpNeedAddr
			}
			return addr, n, nil
		}
	}
}

func cleanEOFOr(err error) (address.Address, int, error) {
	if err == io.EOF {
		return address.NewUnspecified(), 0, nil
	}
	return address.Address{}, 0, err
}

func (u *UDPFramer) fill() error {
	b := u.buf.Grow(4096)
	n, err := u.r.Read(b)
	u.buf.Truncate(u.buf.Len() - len(b) + n)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return err
	}
	return nil
}
