// Package ipv6 provides a zero-copy view over raw IPv6 headers, sufficient
// for the TCP engine above it: addressing, payload length, next header and
// the RFC 2460 section 8.1 pseudo-header checksum feed.
package ipv6

import (
	"encoding/binary"
	"errors"

	"github.com/embnet/tcpsix"
)

const sizeHeader = 40

var (
	errShortFrame = errors.New("ipv6: total length exceeds buffer")
	errBadVersion = errors.New("ipv6: version field not 6")
)

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer size is smaller than 40.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, tcpsix.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an IPv6 packet and provides methods for
// manipulating, validating and retrieving fields and payload data. See [RFC8200].
//
// [RFC8200]: https://tools.ietf.org/html/rfc8200
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (i6frm Frame) RawData() []byte { return i6frm.buf }

// Version returns the version field of the header, 6 for well formed packets.
func (i6frm Frame) Version() uint8 { return i6frm.buf[0] >> 4 }

// SetVersion sets the version field. Pass 6 unless generating bad packets on purpose.
func (i6frm Frame) SetVersion(v uint8) {
	i6frm.buf[0] = i6frm.buf[0]&0x0f | v<<4
}

// PayloadLength returns the size of the payload in octets including any extension headers.
func (i6frm Frame) PayloadLength() uint16 {
	return binary.BigEndian.Uint16(i6frm.buf[4:6])
}

// SetPayloadLength sets the payload length field of the header. See [Frame.PayloadLength].
func (i6frm Frame) SetPayloadLength(pl uint16) {
	binary.BigEndian.PutUint16(i6frm.buf[4:6], pl)
}

// NextHeader returns the Next Header field which usually specifies the
// transport layer protocol used by the packet's payload.
func (i6frm Frame) NextHeader() tcpsix.IPProto {
	return tcpsix.IPProto(i6frm.buf[6])
}

// SetNextHeader sets the Next Header (protocol) field. See [Frame.NextHeader].
func (i6frm Frame) SetNextHeader(proto tcpsix.IPProto) {
	i6frm.buf[6] = uint8(proto)
}

// HopLimit returns the Hop Limit field, decremented by one at each forwarding node.
func (i6frm Frame) HopLimit() uint8 { return i6frm.buf[7] }

// SetHopLimit sets the Hop Limit field. See [Frame.HopLimit].
func (i6frm Frame) SetHopLimit(hop uint8) { i6frm.buf[7] = hop }

// SourceAddr returns a pointer to the sending node unicast address in the header.
func (i6frm Frame) SourceAddr() *[16]byte {
	return (*[16]byte)(i6frm.buf[8:24])
}

// DestinationAddr returns a pointer to the destination node address in the header.
func (i6frm Frame) DestinationAddr() *[16]byte {
	return (*[16]byte)(i6frm.buf[24:40])
}

// Payload returns the contents of the packet, which may be zero sized.
// Call [Frame.Validate] beforehand to avoid panics on inconsistent length fields.
func (i6frm Frame) Payload() []byte {
	return i6frm.buf[sizeHeader : sizeHeader+i6frm.PayloadLength()]
}

// CRCWritePseudo feeds the upper-layer pseudo-header of RFC 2460 section 8.1
// into crc: source address, destination address, upper-layer packet length
// and the next header protocol number padded to 32 bits.
func (i6frm Frame) CRCWritePseudo(crc *tcpsix.CRC791) {
	crc.Write(i6frm.SourceAddr()[:])
	crc.Write(i6frm.DestinationAddr()[:])
	crc.AddUint32(uint32(i6frm.PayloadLength()))
	crc.AddUint32(uint32(i6frm.NextHeader()))
}

// CRCWritePseudoRaw feeds the pseudo-header from bare addresses, for callers
// holding no full IPv6 header. length is the upper-layer packet length.
func CRCWritePseudoRaw(crc *tcpsix.CRC791, src, dst [16]byte, proto tcpsix.IPProto, length uint32) {
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint32(length)
	crc.AddUint32(uint32(proto))
}

// ClearHeader zeros out the header contents.
func (i6frm Frame) ClearHeader() {
	for i := range i6frm.buf[:sizeHeader] {
		i6frm.buf[i] = 0
	}
}

// Validate checks the frame's version and size fields against the backing
// buffer and returns a non-nil error on finding an inconsistency.
func (i6frm Frame) Validate() error {
	if i6frm.Version() != 6 {
		return errBadVersion
	} else if int(i6frm.PayloadLength())+sizeHeader > len(i6frm.buf) {
		return errShortFrame
	}
	return nil
}
