package tcp

import (
	"encoding/binary"
	"math"

	"github.com/embnet/tcpsix"
	"github.com/embnet/tcpsix/ipv6"
)

const (
	sizeHeaderTCP = 20
	// offsetWords is the minimum data offset in 32-bit words.
	offsetWords = sizeHeaderTCP / 4
)

// Option kinds of the supported subset.
const (
	optEnd            = 0 // end of option list
	optNop            = 1 // no-operation
	optMaxSegmentSize = 2 // maximum segment size
	sizeOptionMSS     = 4
)

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer size is smaller than 20. Callers should
// still verify the data offset field before touching options or payload.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, tcpsix.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// BuildHeader prepends nothing but fills buf's first 20 bytes with a zeroed
// TCP header carrying the given ports, zero checksum and minimum data offset,
// the shape every outgoing segment starts from.
func BuildHeader(buf []byte, srcPort, dstPort uint16) (Frame, error) {
	tfrm, err := NewFrame(buf)
	if err != nil {
		return Frame{}, err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetOffsetAndFlags(offsetWords, 0)
	return tfrm, nil
}

// Frame encapsulates the raw data of a TCP segment and provides methods for
// manipulating, validating and retrieving fields and payload data. See [RFC9293].
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

// SourcePort identifies the sending port of the TCP packet. Must be non-zero.
func (tfrm Frame) SourcePort() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[0:2])
}

// SetSourcePort sets TCP source port. See [Frame.SourcePort]
func (tfrm Frame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], src)
}

// DestinationPort identifies the receiving port for the TCP packet. Must be non-zero.
func (tfrm Frame) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[2:4])
}

// SetDestinationPort sets TCP destination port. See [Frame.DestinationPort]
func (tfrm Frame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], dst)
}

// Seq returns the sequence number of the first data octet in this segment
// (except when SYN present, then it is the initial sequence number).
func (tfrm Frame) Seq() Value {
	return Value(binary.BigEndian.Uint32(tfrm.buf[4:8]))
}

// SetSeq sets Seq field. See [Frame.Seq].
func (tfrm Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v))
}

// Ack is the next sequence number the sender of the segment is expecting to
// receive, valid when the ACK flag is set.
func (tfrm Frame) Ack() Value {
	return Value(binary.BigEndian.Uint32(tfrm.buf[8:12]))
}

// SetAck sets Ack field. See [Frame.Ack].
func (tfrm Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v))
}

// OffsetAndFlags returns the data offset (in 32-bit words, options included)
// and flag fields of the TCP header.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	offset = uint8(v >> 12)
	flags = Flags(v).Mask()
	return offset, flags
}

// SetOffsetAndFlags sets offset and flag fields of TCP header. See [Frame.OffsetAndFlags].
func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength uses the Offset field to calculate the total length of the TCP
// header including options. Performs no validation.
func (tfrm Frame) HeaderLength() (lengthInBytes int) {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

// WindowSize is the advertised receive window in octets.
func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }

// SetWindowSize sets the advertised receive window field.
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

// CRC returns the checksum field in the TCP header.
func (tfrm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[16:18])
}

// SetCRC sets the checksum field of the TCP header. See [Frame.CRC].
func (tfrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum)
}

// UrgentPtr returns the urgent pointer field, advisory only for this implementation.
func (tfrm Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Payload returns the payload content section of the TCP packet (not including TCP options).
// Call [Frame.Validate] beforehand to avoid panics on malformed offsets.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// Options returns the TCP option bytes of the frame. The returned slice may be zero length.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()]
}

// Segment returns the [Segment] representation of the TCP header and data length.
func (tfrm Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("TCP overflow payload size")
	}
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   Flags(binary.BigEndian.Uint16(tfrm.buf[12:14])).Mask(),
	}
}

// SetSegment sets the sequence, acknowledgment, offset, window and flag
// fields of the TCP header from the [Segment]. Offset is expressed in words
// with minimum being 5.
func (tfrm Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp window overflow")
	}
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetOffsetAndFlags(offset, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros out the fixed(non-variable) header contents.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

// Validate checks the frame's size fields against the backing buffer and the
// port fields for zeros. It returns a non-nil error on finding an inconsistency.
func (tfrm Frame) Validate() error {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP || off > len(tfrm.buf) {
		return tcpsix.ErrShortBuffer
	}
	if tfrm.SourcePort() == 0 {
		return tcpsix.ErrZeroSource
	}
	if tfrm.DestinationPort() == 0 {
		return tcpsix.ErrZeroDst
	}
	return nil
}

// PutOptionMSS writes a Maximum Segment Size option into dst and returns the
// amount of bytes written, always sizeOptionMSS.
func PutOptionMSS(dst []byte, mss uint16) (int, error) {
	if len(dst) < sizeOptionMSS {
		return 0, tcpsix.ErrShortBuffer
	}
	dst[0] = optMaxSegmentSize
	dst[1] = sizeOptionMSS
	binary.BigEndian.PutUint16(dst[2:4], mss)
	return sizeOptionMSS, nil
}

// ParseOptionMSS walks the option bytes of a segment looking for a Maximum
// Segment Size option. Unknown options are skipped by their length field;
// malformed option lists report ok=false.
func ParseOptionMSS(opts []byte) (mss uint16, ok bool) {
	off := 0
	for off < len(opts) && opts[off] != optEnd {
		kind := opts[off]
		if kind == optNop {
			off++
			continue
		}
		if off+1 >= len(opts) {
			return 0, false
		}
		size := int(opts[off+1])
		if size < 2 || off+size > len(opts) {
			return 0, false
		}
		if kind == optMaxSegmentSize {
			if size != sizeOptionMSS {
				return 0, false
			}
			return binary.BigEndian.Uint16(opts[off+2 : off+4]), true
		}
		off += size
	}
	return 0, false
}

// CalcChecksumIPv6 computes the internet checksum of the frame over the
// RFC 2460 section 8.1 pseudo-header chain for the given address pair. The
// checksum field itself participates with whatever value it holds, so zero
// it before computing a value to transmit.
func (tfrm Frame) CalcChecksumIPv6(src, dst [16]byte) uint16 {
	var crc tcpsix.CRC791
	ipv6.CRCWritePseudoRaw(&crc, src, dst, tcpsix.IPProtoTCP, uint32(len(tfrm.buf)))
	crc.Write(tfrm.buf)
	return crc.Sum16()
}

// SetChecksumIPv6 computes the checksum over the pseudo-header chain and
// writes it to the header in network byte order. A computed checksum of zero
// is transmitted as 0xFFFF as RFC 793 mandates.
func (tfrm Frame) SetChecksumIPv6(src, dst [16]byte) {
	tfrm.SetCRC(0)
	tfrm.SetCRC(tcpsix.NeverZeroChecksum(tfrm.CalcChecksumIPv6(src, dst)))
}

// ChecksumOK verifies the received frame's checksum over the pseudo-header chain.
func (tfrm Frame) ChecksumOK(src, dst [16]byte) bool {
	// Summing over the stored checksum yields zero for intact frames.
	return tfrm.CalcChecksumIPv6(src, dst) == 0
}
