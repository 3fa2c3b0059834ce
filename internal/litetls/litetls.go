// Package litetls implements the LiteTLS opportunistic handshake observer
// described in spec.md §4.7: it watches a nested TLS 1.2/1.3 handshake
// flowing through an already-established Trojan tunnel and, once the inner
// session reaches the application-data phase, signals that both ends may
// stop paying for the outer TLS wrapper and relay the remaining bytes raw.
package litetls

import (
	"context"
	"io"
	"time"

	"github.com/trojanlite/trojanlite/internal/framebuf"
	"github.com/trojanlite/trojanlite/internal/parseerr"
)

// Role distinguishes which end of the Trojan tunnel the engine is running
// on; it determines which of the two strategies for TLS 1.3 resumption
// applies.
type Role int

const (
	ClientSide Role = iota
	ServerSide
)

// direction identifies which leg of the relay a chunk of bytes arrived on,
// relative to this Engine instance. Inbound is the side the nested
// ClientHello is first observed on; Outbound is the side it is forwarded to.
type direction int

const (
	dirInbound direction = iota
	dirOutbound
)

// TLS record content types of interest to the sniffer.
const (
	recChangeCipherSpec = 0x14
	recAlert            = 0x15
	recHandshake        = 0x16
	recAppData          = 0x17
)

// serverCCSWire is the fixed 6-byte ChangeCipherSpec record TLS 1.3 servers
// (and the LiteTLS ServerSide synthesizer) emit: type 0x14, version 3.3,
// length 1, payload 0x01.
var serverCCSWire = []byte{recChangeCipherSpec, 0x03, 0x03, 0x00, 0x01, 0x01}

// Result reports the outcome of a successful Sniff call.
type Result struct {
	// RawOK is true when the inner stream was recognized as TLS and both
	// sides may now be relayed as raw bytes instead of through the outer
	// TLS wrapper.
	RawOK bool
	// FlushInbound / FlushOutbound are any bytes the engine had already
	// pulled from a side but not yet forwarded to its peer; the caller
	// must write these to the raw connection before starting RelayCore so
	// no byte is lost or delivered out of order.
	FlushInbound  []byte
	FlushOutbound []byte
}

// Engine implements the sniffing state machine for one connection. It is
// not safe for concurrent use; one Engine serves one Sniff call.
type Engine struct {
	role Role

	inbound  *framebuf.FramedBuffer
	outbound *framebuf.FramedBuffer

	seenAppData [2]bool
	// awaitingFinished is set once both directions have carried
	// application data without a TLS 1.3 CCS signal (the TLS 1.2 case):
	// drain then only forwards outbound records until a Handshake record
	// (the server's Finished) arrives.
	awaitingFinished bool

	events chan event
}

// NewEngine returns an Engine for the given role.
func NewEngine(role Role) *Engine {
	return &Engine{
		role:     role,
		inbound:  framebuf.New(4096),
		outbound: framebuf.New(4096),
		events:   make(chan event, 8),
	}
}

type event struct {
	dir  direction
	data []byte
	err  error
}

// Sniff drives the sniffing algorithm, reading from in and out, writing
// forwarded records to the opposite side, until it can decide whether the
// inner stream is TLS and, if so, whether the handshake has completed far
// enough to drop the outer wrapper. timeout bounds the whole call. A
// parseerr Invalid error (or reaching the timeout) means "not a TLS
// stream"/"gave up" — the caller must fall back to the normal TLS-wrapped
// relay path; every byte read during sniffing has already been forwarded to
// its peer, is returned in a successful Result's flush fields, or, after a
// failed Sniff, is returned by Leftover.
func (e *Engine) Sniff(ctx context.Context, in, out io.ReadWriter, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pump := func(dir direction, r io.Reader) {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case e.events <- event{dir, cp, nil}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case e.events <- event{dir, nil, err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}
	go pump(dirInbound, in)
	go pump(dirOutbound, out)

	writers := [2]io.Writer{in, out}

	// Step 1: wait for the first inbound record; it must be exactly one
	// buffered ClientHello record (16 03 01 <len> ...).
	for {
		ev, err := e.next(ctx)
		if err != nil {
			return nil, err
		}
		if ev.dir != dirInbound {
			// Bytes arrived on the wrong side before any ClientHello; keep
			// them buffered so they are forwarded later or returned by
			// Leftover.
			e.outbound.Append(ev.data)
			continue
		}
		e.inbound.Append(ev.data)
		peek := e.inbound.Peek()
		for i, want := range [3]byte{recHandshake, 0x03, 0x01} {
			if i < len(peek) && peek[i] != want {
				return nil, parseerr.Invalid("litetls: first record is not a TLS 1.x ClientHello")
			}
		}
		if len(peek) < 5 {
			continue
		}
		if peek[0] != recHandshake || peek[1] != 0x03 || peek[2] != 0x01 {
			return nil, parseerr.Invalid("litetls: first record is not a TLS 1.x ClientHello")
		}
		total, ok := recordLen(peek)
		if !ok {
			continue
		}
		if len(peek) != total {
			return nil, parseerr.Invalid("litetls: ClientHello not buffered as exactly one record")
		}
		if _, err := writers[dirOutbound].Write(peek); err != nil {
			return nil, err
		}
		e.inbound.Advance(total)
		e.inbound.PopChecked()
		break
	}

	// Step 2+: drain whichever side has complete records, forwarding each,
	// until a strategy trigger fires.
	for {
		result, done, err := e.drain(writers)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
		ev, err := e.next(ctx)
		if err != nil {
			return nil, err
		}
		e.bufFor(ev.dir).Append(ev.data)
	}
}

// next blocks for the next event or the context deadline.
func (e *Engine) next(ctx context.Context) (event, error) {
	select {
	case <-ctx.Done():
		return event{}, parseerr.Invalid("litetls: timed out waiting for nested handshake")
	case ev := <-e.events:
		if ev.err != nil {
			return event{}, parseerr.Invalid("litetls: " + ev.err.Error())
		}
		return ev, nil
	}
}

func (e *Engine) bufFor(dir direction) *framebuf.FramedBuffer {
	if dir == dirInbound {
		return e.inbound
	}
	return e.outbound
}

// drain processes as many complete records as are currently buffered on
// either side, forwarding each and watching for the signal that ends
// sniffing (the TLS 1.2 or TLS 1.3 strategy trigger). It returns done=true
// once a strategy has produced a final Result.
func (e *Engine) drain(writers [2]io.Writer) (*Result, bool, error) {
	if e.awaitingFinished {
		return e.drainAwaitingFinished(writers)
	}
	for {
		progressed := false
		for _, dir := range [2]direction{dirInbound, dirOutbound} {
			buf := e.bufFor(dir)
			peek := buf.Peek()
			total, ok := recordLen(peek)
			if !ok {
				continue
			}
			record := append([]byte(nil), peek[:total]...)
			recType := record[0]
			opp := opposite(dir)

			switch {
			case recType == recChangeCipherSpec && dir == dirOutbound && e.seenAppData[dirOutbound]:
				// TLS 1.3 0.5-RTT: server's CCS after it has already sent
				// application data is the resumption signal. Consume it
				// from the buffer first (it is not a generic forward).
				buf.Advance(total)
				buf.PopChecked()
				res, err := e.tls13Strategy(writers, record)
				return res, err == nil, err

			case recType == recHandshake || recType == recAlert || recType == recChangeCipherSpec:
				if _, err := writers[opp].Write(record); err != nil {
					return nil, false, err
				}
				buf.Advance(total)
				buf.PopChecked()
				progressed = true

			case recType == recAppData:
				if _, err := writers[opp].Write(record); err != nil {
					return nil, false, err
				}
				buf.Advance(total)
				buf.PopChecked()
				progressed = true
				wasSeen := e.seenAppData[dir]
				e.seenAppData[dir] = true
				if !wasSeen && e.seenAppData[dirInbound] && e.seenAppData[dirOutbound] {
					// TLS 1.2 full handshake: application data has begun
					// flowing both ways without an explicit 0.5-RTT CCS
					// signal; forward records until the server's Finished
					// arrives (the "active" strategy).
					e.awaitingFinished = true
					return nil, false, nil
				}

			default:
				return nil, false, parseerr.Invalid("litetls: unexpected record type in nested handshake")
			}
		}
		if progressed {
			continue
		}
		return nil, false, nil
	}
}

// tls13Strategy implements steps 3 and 4 of spec.md §4.7. ccsRecord is the
// server's outbound CCS, already removed from e.outbound by the caller.
func (e *Engine) tls13Strategy(writers [2]io.Writer, ccsRecord []byte) (*Result, error) {
	switch e.role {
	case ClientSide:
		if len(ccsRecord) != len(serverCCSWire) || !bytesEqual(ccsRecord, serverCCSWire) {
			return nil, parseerr.Invalid("litetls: unexpected server CCS bytes for TLS 1.3 resumption")
		}
		// Discard: do not forward to the inbound (application) peer. Both
		// sides now exit TLS.
		return &Result{RawOK: true, FlushInbound: drainAll(e.inbound), FlushOutbound: drainAll(e.outbound)}, nil
	case ServerSide:
		if _, err := writers[dirInbound].Write(serverCCSWire); err != nil {
			return nil, err
		}
		return &Result{RawOK: true, FlushInbound: drainAll(e.inbound), FlushOutbound: drainAll(e.outbound)}, nil
	default:
		return nil, parseerr.Invalid("litetls: unknown role")
	}
}

// drainAwaitingFinished implements step 5 (TLS 1.2 full handshake): forward
// records from the outbound side only until a complete Handshake record
// (the server's Finished) arrives, then both ends may exit TLS.
func (e *Engine) drainAwaitingFinished(writers [2]io.Writer) (*Result, bool, error) {
	for {
		peek := e.outbound.Peek()
		total, ok := recordLen(peek)
		if !ok {
			return nil, false, nil
		}
		record := append([]byte(nil), peek[:total]...)
		if _, err := writers[dirInbound].Write(record); err != nil {
			return nil, false, err
		}
		e.outbound.Advance(total)
		e.outbound.PopChecked()
		if record[0] == recHandshake {
			return &Result{RawOK: true, FlushInbound: drainAll(e.inbound), FlushOutbound: drainAll(e.outbound)}, true, nil
		}
	}
}

// Leftover drains any bytes the engine had already pulled off the wire but
// not yet forwarded, including events still queued on the internal channel
// at the moment Sniff returned. Callers on the error path must call this
// before discarding the Engine, then treat the two slices the same way a
// successful Result's FlushInbound/FlushOutbound are treated, replaying
// them ahead of the raw connection's own bytes — otherwise those bytes are
// gone once the Engine is dropped. On the success path the buffers are
// already empty (Sniff drained them into the Result), so this is a no-op.
func (e *Engine) Leftover() (inbound, outbound []byte) {
	for {
		select {
		case ev := <-e.events:
			if ev.err == nil && len(ev.data) > 0 {
				e.bufFor(ev.dir).Append(ev.data)
			}
		default:
			return drainAll(e.inbound), drainAll(e.outbound)
		}
	}
}

func opposite(dir direction) direction {
	if dir == dirInbound {
		return dirOutbound
	}
	return dirInbound
}

func recordLen(peek []byte) (int, bool) {
	if len(peek) < 5 {
		return 0, false
	}
	length := int(peek[3])<<8 | int(peek[4])
	total := 5 + length
	if len(peek) < total {
		return 0, false
	}
	return total, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func drainAll(buf *framebuf.FramedBuffer) []byte {
	unread := buf.Peek()
	out := make([]byte, len(unread))
	copy(out, unread)
	buf.Advance(len(unread))
	buf.PopChecked()
	return out
}
