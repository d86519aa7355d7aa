package tcp

import (
	"net/netip"
	"strconv"
	"strings"
)

// AddressFamily discriminates the network layer an endpoint belongs to.
// Only IPv6 is supported by this module.
type AddressFamily uint8

const (
	FamilyUnspec AddressFamily = 0
	FamilyINET6  AddressFamily = 10
)

// maxAddrStrLen bounds the textual IPv6 address accepted by ParseEndpoint,
// matching the longest well formed representation.
const maxAddrStrLen = 45

// Endpoint names one side of a connection: an IPv6 address, a port and
// optionally the interface the address lives on. Endpoints are plain values
// and immutable once constructed.
type Endpoint struct {
	Family AddressFamily
	Addr   [16]byte
	Port   uint16
	NetIF  uint16
}

// NewEndpoint constructs an endpoint from parts. A nil addr yields the
// unspecified address; otherwise addr must be 16 bytes long.
func NewEndpoint(family AddressFamily, addr []byte, port, netif uint16) (Endpoint, error) {
	if family != FamilyINET6 {
		return Endpoint{}, ErrFamilyUnsupported
	}
	ep := Endpoint{Family: FamilyINET6, Port: port, NetIF: netif}
	switch {
	case addr == nil:
	case len(addr) == 16:
		copy(ep.Addr[:], addr)
	default:
		return Endpoint{}, ErrInvalidArg
	}
	return ep, nil
}

// ParseEndpoint reads an endpoint from its textual form
//
//	"[<ipv6-addr>[%<netif>]]:<port>"
//
// The brackets are required. The interface identifier and the port are
// independently optional; both are decimal and overflow is rejected.
func ParseEndpoint(str string) (Endpoint, error) {
	var ep Endpoint

	// A single pair of brackets with nothing before the opening one.
	lb := strings.IndexByte(str, '[')
	rb := strings.IndexByte(str, ']')
	if lb != 0 || rb < 0 ||
		strings.IndexByte(str[lb+1:], '[') >= 0 ||
		strings.IndexByte(str[rb+1:], ']') >= 0 {
		return Endpoint{}, ErrInvalidArg
	}

	// Optional port after the closing bracket.
	tail := str[rb+1:]
	if tail != "" {
		if tail[0] != ':' || len(tail) == 1 {
			return Endpoint{}, ErrInvalidArg
		}
		port, err := strconv.ParseUint(tail[1:], 10, 16)
		if err != nil {
			return Endpoint{}, ErrInvalidArg
		}
		ep.Port = uint16(port)
	}

	// Optional interface identifier inside the brackets.
	addrEnd := rb
	if pct := strings.IndexByte(str, '%'); pct >= 0 {
		if pct+1 >= rb {
			return Endpoint{}, ErrInvalidArg
		}
		netif, err := strconv.ParseUint(str[pct+1:rb], 10, 16)
		if err != nil {
			return Endpoint{}, ErrInvalidArg
		}
		ep.NetIF = uint16(netif)
		addrEnd = pct
	}

	addrStr := str[1:addrEnd]
	if len(addrStr) == 0 || len(addrStr) > maxAddrStrLen {
		return Endpoint{}, ErrInvalidArg
	}
	addr, err := netip.ParseAddr(addrStr)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return Endpoint{}, ErrInvalidArg
	}
	ep.Addr = addr.As16()
	ep.Family = FamilyINET6
	return ep, nil
}

// String formats the endpoint so that ParseEndpoint reads it back equal.
// A zero port is omitted together with its colon.
func (ep Endpoint) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(netip.AddrFrom16(ep.Addr).String())
	if ep.NetIF != 0 {
		sb.WriteByte('%')
		sb.WriteString(strconv.FormatUint(uint64(ep.NetIF), 10))
	}
	sb.WriteByte(']')
	if ep.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(ep.Port), 10))
	}
	return sb.String()
}
