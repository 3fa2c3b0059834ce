// Package address implements the SOCKS5-style address triple (ATYP, ADDR,
// PORT) shared by the Trojan wire format and SOCKS5 framing.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/trojanlite/trojanlite/internal/parseerr"
)

// Type is the ATYP discriminator.
type Type byte

const (
	TypeIPv4     Type = 0x01
	TypeHostname Type = 0x03
	TypeIPv6     Type = 0x04
)

// Kind reports which variant an Address holds.
type Kind int

const (
	KindUnspecified Kind = iota
	KindIPv4
	KindIPv6
	KindHostname
)

// Address is a tagged variant over {IPv4, IPv6, Hostname, Unspecified}.
//
// A parsed Address owns its bytes: Hostname and the IP byte slices are never
// aliases into a caller's parse buffer once Decode returns.
type Address struct {
	Kind Kind

	IP       net.IP // 4 bytes for KindIPv4, 16 bytes for KindIPv6
	Hostname string
	Port     uint16
}

func invalid(reason string) error { return parseerr.Invalid("address: " + reason) }

// NewUnspecified returns the Unspecified address variant.
func NewUnspecified() Address { return Address{Kind: KindUnspecified} }

// NewIPv4 builds an IPv4 address from its 4 octets and port.
func NewIPv4(octets [4]byte, port uint16) Address {
	ip := make(net.IP, 4)
	copy(ip, octets[:])
	return Address{Kind: KindIPv4, IP: ip, Port: port}
}

// NewIPv6 builds an IPv6 address from its 16 segments and port.
func NewIPv6(segments [16]byte, port uint16) Address {
	ip := make(net.IP, 16)
	copy(ip, segments[:])
	return Address{Kind: KindIPv6, IP: ip, Port: port}
}

// NewHostname builds a hostname address. name must be 1..255 bytes.
func NewHostname(name string, port uint16) (Address, error) {
	if len(name) == 0 || len(name) > 255 {
		return Address{}, invalid("hostname length out of range")
	}
	return Address{Kind: KindHostname, Hostname: strings.Clone(name), Port: port}, nil
}

// String renders the address the way it would appear in a dial target.
func (a Address) String() string {
	switch a.Kind {
	case KindIPv4, KindIPv6:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	case KindHostname:
		return net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port)))
	default:
		return "unspecified"
	}
}

// CacheKey returns the canonical string used as a DNS-cache / dedup key,
// modeled on the mix_addr normalization in the Rust original: a literal
// IP and its string form must hash identically regardless of how the
// address variant was produced.
func (a Address) CacheKey() string {
	switch a.Kind {
	case KindIPv4, KindIPv6:
		return a.IP.String()
	case KindHostname:
		return strings.ToLower(a.Hostname)
	default:
		return ""
	}
}

// EncodedLen returns the wire length of Encode(a).
func (a Address) EncodedLen() int {
	switch a.Kind {
	case KindIPv4:
		return 1 + 4 + 2
	case KindIPv6:
		return 1 + 16 + 2
	case KindHostname:
		return 1 + 1 + len(a.Hostname) + 2
	default:
		return 0
	}
}

// Encode appends the wire encoding of a (ATYP || ADDR || PORT_BE) to dst and
// returns the resulting slice.
func (a Address) Encode(dst []byte) ([]byte, error) {
	switch a.Kind {
	case KindIPv4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			return nil, invalid("ipv4 address has wrong length")
		}
		dst = append(dst, byte(TypeIPv4))
		dst = append(dst, ip4...)
	case KindIPv6:
		ip16 := a.IP.To16()
		if ip16 == nil || a.IP.To4() != nil {
			return nil, invalid("ipv6 address has wrong length")
		}
		dst = append(dst, byte(TypeIPv6))
		dst = append(dst, ip16...)
	case KindHostname:
		if len(a.Hostname) == 0 || len(a.Hostname) > 255 {
			return nil, invalid("hostname length out of range")
		}
		dst = append(dst, byte(TypeHostname))
		dst = append(dst, byte(len(a.Hostname)))
		dst = append(dst, a.Hostname...)
	default:
		return nil, invalid("cannot encode unspecified address")
	}
	dst = append(dst, byte(a.Port>>8), byte(a.Port))
	return dst, nil
}

// Decode reads an Address from buf starting at offset 0, returning the
// number of bytes consumed. It returns parseerr.Incomplete if buf is too short to
// contain a full address and a parseerr Invalid error for a malformed ATYP, hostname
// length, or non-UTF8 hostname.
func Decode(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, parseerr.Incomplete
	}
	switch Type(buf[0]) {
	case TypeIPv4:
		const need = 1 + 4 + 2
		if len(buf) < need {
			return Address{}, 0, parseerr.Incomplete
		}
		var octets [4]byte
		copy(octets[:], buf[1:5])
		port := uint16(buf[5])<<8 | uint16(buf[6])
		return NewIPv4(octets, port), need, nil
	case TypeIPv6:
		const need = 1 + 16 + 2
		if len(buf) < need {
			return Address{}, 0, parseerr.Incomplete
		}
		var segs [16]byte
		copy(segs[:], buf[1:17])
		port := uint16(buf[17])<<8 | uint16(buf[18])
		return NewIPv6(segs, port), need, nil
	case TypeHostname:
		if len(buf) < 2 {
			return Address{}, 0, parseerr.Incomplete
		}
		n := int(buf[1])
		if n == 0 {
			return Address{}, 0, invalid("zero-length hostname")
		}
		need := 1 + 1 + n + 2
		if len(buf) < need {
			return Address{}, 0, parseerr.Incomplete
		}
		raw := buf[2 : 2+n]
		if !isValidHostnameBytes(raw) {
			return Address{}, 0, invalid("hostname is not valid UTF-8/ASCII")
		}
		name := string(raw)
		port := uint16(buf[2+n])<<8 | uint16(buf[3+n])
		addr, err := NewHostname(name, port)
		if err != nil {
			return Address{}, 0, err
		}
		return addr, need, nil
	default:
		return Address{}, 0, invalid(fmt.Sprintf("unknown ATYP 0x%02x", buf[0]))
	}
}

func isValidHostnameBytes(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			// Allow non-ASCII only if it round-trips through IDNA (punycode
			// or raw unicode labels); this is the concrete "non-UTF-8
			// hostname" rejection spec.md calls for.
			_, err := idna.Lookup.ToASCII(string(b))
			return err == nil
		}
	}
	return true
}

// ParseHostPort parses an address the way an HTTP Host header or a
// CONNECT/GET request-target would present it: a bracketed IPv6 literal, a
// bare IPv4 literal, or a hostname, with defaultPort used when no ":port"
// suffix is present.
func ParseHostPort(hostport string, defaultPort uint16) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No ":port" present at all.
		host = hostport
		portStr = ""
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")

	port := defaultPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Address{}, invalid("bad port: " + portStr)
		}
		port = uint16(p)
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			var octets [4]byte
			copy(octets[:], ip4)
			return NewIPv4(octets, port), nil
		}
		var segs [16]byte
		copy(segs[:], ip.To16())
		return NewIPv6(segs, port), nil
	}
	if host == "" {
		return Address{}, invalid("empty host")
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Fall back to the raw host: some internal hostnames (e.g.
		// single-label LAN names) are not valid IDNA but are still legal
		// Trojan/SOCKS5 targets.
		ascii = host
	}
	return NewHostname(ascii, port)
}
