package inbound

import (
	"bytes"
	"testing"

	"github.com/trojanlite/trojanlite/internal/address"
	"github.com/trojanlite/trojanlite/internal/parseerr"
)

func TestGreetingParserAcceptsNoAuth(t *testing.T) {
	g := NewGreetingParser()
	if err := g.Feed([]byte{Socks5Version, 2, 0x01, methodNoAuth}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
}

func TestGreetingParserIncompleteThenComplete(t *testing.T) {
	g := NewGreetingParser()
	if err := g.Feed([]byte{Socks5Version}); !parseerr.IsIncomplete(err) {
		t.Fatalf("Feed(partial) = %v, want Incomplete", err)
	}
	if err := g.Feed([]byte{1, methodNoAuth}); err != nil {
		t.Fatalf("Feed(rest): %v", err)
	}
}

func TestGreetingParserRejectsBadVersion(t *testing.T) {
	g := NewGreetingParser()
	if err := g.Feed([]byte{0x04, 1, methodNoAuth}); !parseerr.IsInvalid(err) {
		t.Fatalf("Feed(bad version) = %v, want Invalid", err)
	}
}

func TestGreetingParserRejectsMissingNoAuth(t *testing.T) {
	g := NewGreetingParser()
	if err := g.Feed([]byte{Socks5Version, 1, 0x02}); !parseerr.IsInvalid(err) {
		t.Fatalf("Feed(no NO-AUTH) = %v, want Invalid", err)
	}
}

func TestRequestParserConnect(t *testing.T) {
	r := NewRequestParser()
	dest := address.NewIPv4([4]byte{1, 2, 3, 4}, 80)
	wire, err := dest.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf := append([]byte{Socks5Version, CmdConnect, 0x00}, wire...)

	req, err := r.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if req.Cmd != CmdConnect || req.Dest.Port != 80 {
		t.Fatalf("Feed() = %+v, want CmdConnect port 80", req)
	}
}

func TestRequestParserUDPAssociate(t *testing.T) {
	r := NewRequestParser()
	dest := address.NewIPv4([4]byte{0, 0, 0, 0}, 0)
	wire, err := dest.Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf := append([]byte{Socks5Version, CmdUDPAssociate, 0x00}, wire...)
	req, err := r.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if req.Cmd != CmdUDPAssociate {
		t.Fatalf("Feed() cmd = %v, want CmdUDPAssociate", req.Cmd)
	}
}

func TestRequestParserRejectsUnsupportedCommand(t *testing.T) {
	r := NewRequestParser()
	dest := address.NewIPv4([4]byte{1, 1, 1, 1}, 1)
	wire, _ := dest.Encode(nil)
	buf := append([]byte{Socks5Version, 0x02, 0x00}, wire...)
	if _, err := r.Feed(buf); !parseerr.IsInvalid(err) {
		t.Fatalf("Feed(BIND) = %v, want Invalid", err)
	}
}

func TestRequestParserIncompleteAddress(t *testing.T) {
	r := NewRequestParser()
	if _, err := r.Feed([]byte{Socks5Version, CmdConnect, 0x00}); !parseerr.IsIncomplete(err) {
		t.Fatalf("Feed(no address) = %v, want Incomplete", err)
	}
}

func TestEncodeReplySucceeded(t *testing.T) {
	bound := address.NewIPv4([4]byte{0, 0, 0, 0}, 0)
	reply, err := EncodeReply(ReplySucceeded, bound)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	want := []byte{Socks5Version, ReplySucceeded, 0x00}
	if !bytes.Equal(reply[:3], want) {
		t.Fatalf("EncodeReply() header = %v, want %v", reply[:3], want)
	}
}
