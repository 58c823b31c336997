package tcp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kstack/ktcp"
)

const (
	sizeHeaderTCP = 20
)

// Frame is a view over a raw TCP segment (RFC 9293 section 3.1). Accessors
// read and write the buffer in place. Fixed header fields are safe to use on
// any frame returned by [NewFrame]; [Frame.Payload] and [Frame.Options] rely on
// the data offset and need [Frame.ValidateExceptCRC] to pass first.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf. It fails only when buf cannot hold the fixed header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, ktcp.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// RawData returns the wrapped segment.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16        { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }
func (tfrm Frame) SetSourcePort(port uint16) { binary.BigEndian.PutUint16(tfrm.buf[0:2], port) }

func (tfrm Frame) DestinationPort() uint16        { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }
func (tfrm Frame) SetDestinationPort(port uint16) { binary.BigEndian.PutUint16(tfrm.buf[2:4], port) }

// Seq is the sequence number of the first octet, or the ISN on a SYN.
func (tfrm Frame) Seq() Value     { return Value(binary.BigEndian.Uint32(tfrm.buf[4:8])) }
func (tfrm Frame) SetSeq(v Value) { binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v)) }

// Ack is meaningful only when [FlagACK] is set.
func (tfrm Frame) Ack() Value     { return Value(binary.BigEndian.Uint32(tfrm.buf[8:12])) }
func (tfrm Frame) SetAck(v Value) { binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v)) }

// OffsetAndFlags splits the 16 bits following the acknowledgment number.
// The data offset counts 32-bit words; reserved bits are masked out of flags.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	binary.BigEndian.PutUint16(tfrm.buf[12:14], uint16(offset)<<12|uint16(flags.Mask()))
}

// HeaderLength is the data offset in bytes. Not validated.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

func (tfrm Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(tfrm.buf[14:16], v) }

func (tfrm Frame) SetCRC(checksum uint16) { binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum) }

// Payload returns the bytes after the options.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// Options returns the option bytes, possibly empty.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()]
}

// Segment returns the sequence space view of the header for a payload of payloadSize bytes.
func (tfrm Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("tcp: payload size overflow")
	}
	_, flags := tfrm.OffsetAndFlags()
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequence, acknowledgment, window and flags, and a
// data offset of offset words (5 without options). The urgent pointer is left untouched.
func (tfrm Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp: data offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp: window overflow")
	}
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetOffsetAndFlags(offset, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

// SetChecksum computes and sets the checksum over ph and the whole frame.
func (tfrm Frame) SetChecksum(ph *ktcp.PseudoHeader) {
	tfrm.SetCRC(0)
	tfrm.SetCRC(ph.Checksum(tfrm.buf))
}

func (tfrm Frame) String() string {
	seg := tfrm.Segment(len(tfrm.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", tfrm.SourcePort(), tfrm.DestinationPort(), seg.String())
}

// ValidateExceptCRC checks the data offset against the buffer and rejects zero
// ports. The checksum needs the pseudo-header and is verified by the caller.
func (tfrm Frame) ValidateExceptCRC(v *ktcp.Validator) {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP || off > len(tfrm.buf) {
		v.AddBitPosErr(12*8, 4, ktcp.ErrInvalidLengthField)
	}
	if tfrm.DestinationPort() == 0 {
		v.AddBitPosErr(2*8, 16, ktcp.ErrZeroDestination)
	}
	if tfrm.SourcePort() == 0 {
		v.AddBitPosErr(0, 16, ktcp.ErrZeroSource)
	}
}
