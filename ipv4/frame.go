package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/kstack/ktcp"
)

// Frame is a view over a raw IPv4 datagram (RFC 791). Header fields are read
// and written in place. [Frame.Payload] and [Frame.PseudoHeader] trust IHL and
// total length, so call [Frame.ValidateExceptCRC] first on untrusted input.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf. It fails only when buf cannot hold a header without options.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, ktcp.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// RawData returns the wrapped datagram.
func (ifrm Frame) RawData() []byte { return ifrm.buf }

// HeaderLength is IHL in bytes, options included.
func (ifrm Frame) HeaderLength() int { return int(ifrm.buf[0]&0xf) * 4 }

func (ifrm Frame) VersionAndIHL() (version, ihl uint8) { return ifrm.buf[0] >> 4, ifrm.buf[0] & 0xf }
func (ifrm Frame) SetVersionAndIHL(version, ihl uint8) { ifrm.buf[0] = version<<4 | ihl&0xf }

// TotalLength counts header and payload.
func (ifrm Frame) TotalLength() uint16      { return binary.BigEndian.Uint16(ifrm.buf[2:4]) }
func (ifrm Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(ifrm.buf[2:4], tl) }

func (ifrm Frame) ID() uint16 { return binary.BigEndian.Uint16(ifrm.buf[4:6]) }

// Flags returns the flags and fragment offset word.
func (ifrm Frame) Flags() Flags         { return Flags(binary.BigEndian.Uint16(ifrm.buf[6:8])) }
func (ifrm Frame) SetFlags(flags Flags) { binary.BigEndian.PutUint16(ifrm.buf[6:8], uint16(flags)) }

func (ifrm Frame) TTL() uint8                { return ifrm.buf[8] }
func (ifrm Frame) Protocol() ktcp.IPProto    { return ktcp.IPProto(ifrm.buf[9]) }
func (ifrm Frame) CRC() uint16               { return binary.BigEndian.Uint16(ifrm.buf[10:12]) }
func (ifrm Frame) SetCRC(checksum uint16)    { binary.BigEndian.PutUint16(ifrm.buf[10:12], checksum) }
func (ifrm Frame) SourceAddr() *[4]byte      { return (*[4]byte)(ifrm.buf[12:16]) }
func (ifrm Frame) DestinationAddr() *[4]byte { return (*[4]byte)(ifrm.buf[16:20]) }

// CalculateHeaderCRC sums the header as if its checksum field were zero.
func (ifrm Frame) CalculateHeaderCRC() uint16 {
	var crc ktcp.CRC791
	crc.Write(ifrm.buf[0:10])
	crc.Write(ifrm.buf[12:ifrm.HeaderLength()])
	return crc.Sum16()
}

// Payload returns the transport segment, trailing link padding excluded.
func (ifrm Frame) Payload() []byte {
	return ifrm.buf[ifrm.HeaderLength():ifrm.TotalLength()]
}

// PseudoHeader returns the transport checksum pseudo-header of the payload.
func (ifrm Frame) PseudoHeader() ktcp.PseudoHeader {
	return ktcp.PseudoHeader{
		Src:    *ifrm.SourceAddr(),
		Dst:    *ifrm.DestinationAddr(),
		Proto:  ifrm.Protocol(),
		Length: ifrm.TotalLength() - uint16(ifrm.HeaderLength()),
	}
}

var (
	errBadTL      = errors.New("ipv4: bad total length")
	errShort      = errors.New("ipv4: short data")
	errBadIHL     = errors.New("ipv4: bad IHL")
	errBadVersion = errors.New("ipv4: bad version")
	errFragment   = errors.New("ipv4: fragmented datagram")
)

// ValidateExceptCRC checks version, IHL and total length against the buffer.
// Fragments are rejected: there is no reassembly.
func (ifrm Frame) ValidateExceptCRC(v *ktcp.Validator) {
	version, ihl := ifrm.VersionAndIHL()
	tl := int(ifrm.TotalLength())
	if version != 4 {
		v.AddBitPosErr(0, 4, errBadVersion)
	}
	if ihl < 5 {
		v.AddBitPosErr(4, 4, errBadIHL)
	}
	if tl < 4*int(ihl) || tl < sizeHeader {
		v.AddBitPosErr(16, 16, errBadTL)
	}
	if tl > len(ifrm.buf) {
		v.AddError(errShort)
	}
	if ifrm.Flags().IsFragment() {
		v.AddBitPosErr(48, 16, errFragment)
	}
}

func (ifrm Frame) String() string {
	src := netip.AddrFrom4(*ifrm.SourceAddr())
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	return fmt.Sprintf("IP %s %s -> %s len=%d ttl=%d id=%d", ifrm.Protocol(), src, dst, ifrm.TotalLength(), ifrm.TTL(), ifrm.ID())
}
