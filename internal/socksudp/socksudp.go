// Package socksudp implements the SOCKS5 UDP-associate datagram framing:
// RSV(2=0) || FRAG(1) || ATYP || DST.ADDR || DST.PORT || DATA, one frame per
// UDP datagram, per spec.md §4.6.
package socksudp

import (
	"errors"
	"net"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/parseerr"
)

// ErrInterrupted is returned by ReadFrom when a datagram arrives from an
// address other than the one that sent the first datagram on this
// association; the SOCKS5 UDP relay rejects it rather than processing it.
var ErrInterrupted = errors.New("socksudp: datagram from unexpected source")

// Framer frames/unframes SOCKS5 UDP datagrams over a bound net.PacketConn.
// It learns the client's source address from the first datagram it
// receives and rejects any later datagram from a different source.
type Framer struct {
	pc            net.PacketConn
	sendBuf       []byte
	recvBuf       []byte
	learnedClient net.Addr
}

// NewFramer wraps pc. readBufSize bounds the largest datagram it can
// receive in one ReadFrom call.
func NewFramer(pc net.PacketConn, readBufSize int) *Framer {
	if readBufSize <= 0 {
		readBufSize = 64 * 1024
	}
	return &Framer{
		pc:      pc,
		sendBuf: make([]byte, 3, 3+64),
		recvBuf: make([]byte, readBufSize),
	}
}

// SendTo frames payload addressed to dest and writes it to addr. The
// internal send buffer is reset to its 3-byte RSV/FRAG header after every
// successful send.
func (f *Framer) SendTo(addr net.Addr, dest address.Address, payload []byte) (int, error) {
	f.sendBuf = f.sendBuf[:3]
	var err error
	f.sendBuf, err = dest.Encode(f.sendBuf)
	if err != nil {
		return 0, err
	}
	f.sendBuf = append(f.sendBuf, payload...)

	n, err := f.pc.WriteTo(f.sendBuf, addr)
	f.sendBuf = f.sendBuf[:3]
	if err != nil {
		return 0, err
	}
	return n - 3 - dest.EncodedLen(), nil
}

// ReadFrom reads and unframes the next SOCKS5 UDP datagram. Datagrams with
// FRAG != 0 are silently discarded (fragmentation is unsupported) and the
// next datagram is read instead; a datagram from a source other than the
// learned client address yields ErrInterrupted.
func (f *Framer) ReadFrom(payloadOut []byte) (address.Address, net.Addr, int, error) {
	for {
		n, from, err := f.pc.ReadFrom(f.recvBuf)
		if err != nil {
			return address.Address{}, nil, 0, err
		}
		data := f.recvBuf[:n]
		if len(data) < 4 {
			continue
		}
		frag := data[2]
		if frag != 0 {
			continue
		}
		if f.learnedClient == nil {
			f.learnedClient = from
		} else if from.String() != f.learnedClient.String() {
			return address.Address{}, from, 0, ErrInterrupted
		}
		dest, used, err := address.Decode(data[3:])
		if err != nil {
			if parseerr.IsIncomplete(err) {
				continue
			}
			return address.Address{}, from, 0, err
		}
		payload := data[3+used:]
		copied := copy(payloadOut, payload)
		return dest, from, copied, nil
	}
}

// LearnedClient returns the client address learned from the first
// datagram, or nil if none has arrived yet.
func (f *Framer) LearnedClient() net.Addr { return f.learnedClient }
