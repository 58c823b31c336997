package ktcp

import (
	"encoding/binary"
)

// CRC791 function as defined by RFC 791. The Checksum field for TCP+IP
// is the 16-bit ones' complement of the ones' complement sum of
// all 16-bit words in the header. In case of uneven number of octet the
// last word is LSB padded with zeros.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum uint32
	// odd is set when the last Write ended on an odd octet, stored in pend.
	odd  bool
	pend byte
}

func checksum16(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}

func checksumWriteEven(sum uint32, buff []byte) uint32 {
	for i := 0; i+1 < len(buff); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buff[i:]))
		if sum > 0xffff_0000 {
			sum = (sum & 0xffff) + sum>>16
		}
	}
	return sum
}

// Write adds the bytes in p to the running checksum. Writes of odd length
// may be chained: the trailing octet is paired with the first octet of the next write.
func (c *CRC791) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if c.odd {
		c.sum += uint32(c.pend)<<8 | uint32(p[0])
		c.odd = false
		p = p[1:]
	}
	even := len(p) &^ 1
	c.sum = checksumWriteEven(c.sum, p[:even])
	if even < len(p) {
		c.odd = true
		c.pend = p[even]
	}
	return n, nil
}

// AddUint32 adds a 32 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint32(value uint32) {
	c.AddUint16(uint16(value >> 16))
	c.AddUint16(uint16(value))
}

// AddUint16 adds a 16 bit value to the running checksum interpreted as BigEndian (network order).
// Must not be called with an odd octet pending from [CRC791.Write].
func (c *CRC791) AddUint16(value uint16) {
	if c.odd {
		panic("CRC791: AddUint16 after odd write")
	}
	c.sum += uint32(value)
}

// Sum16 calculates the checksum with the data written to c thus far.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	if c.odd {
		sum += uint32(c.pend) << 8
	}
	return checksum16(sum)
}

// PayloadSum16 returns the checksum resulting by adding the bytes in p to the running checksum.
// The receiver is not modified.
func (c *CRC791) PayloadSum16(buff []byte) uint16 {
	c2 := *c
	c2.Write(buff)
	return c2.Sum16()
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// NeverZeroChecksum ensures that the given checksum is not zero, by returning 0xffff instead.
func NeverZeroChecksum(sum16 uint16) uint16 {
	// 0x0000 and 0xffff are the same number in ones' complement math
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}

// PseudoHeader is the IPv4 pseudo-header prepended to transport segments
// for checksum computation. Length is the transport header plus payload length.
type PseudoHeader struct {
	Src    [4]byte
	Dst    [4]byte
	Proto  IPProto
	Length uint16
}

// WriteCRC adds the pseudo-header words to crc.
func (ph *PseudoHeader) WriteCRC(crc *CRC791) {
	crc.Write(ph.Src[:])
	crc.Write(ph.Dst[:])
	crc.AddUint16(uint16(ph.Proto))
	crc.AddUint16(ph.Length)
}

// Reverse returns the pseudo-header of a reply segment of the given length.
func (ph PseudoHeader) Reverse(length uint16) PseudoHeader {
	return PseudoHeader{Src: ph.Dst, Dst: ph.Src, Proto: ph.Proto, Length: length}
}

// Checksum computes the transport checksum over the pseudo-header and segment.
// A segment carrying a correct checksum field yields zero.
func (ph *PseudoHeader) Checksum(segment []byte) uint16 {
	var crc CRC791
	ph.WriteCRC(&crc)
	crc.Write(segment)
	return crc.Sum16()
}
