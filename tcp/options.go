package tcp

import (
	"github.com/kstack/ktcp"
)

type OptionKind uint8

const (
	OptEnd            OptionKind = iota // end of option list
	OptNop                              // no-operation
	OptMaxSegmentSize                   // maximum segment size
)

// DefaultMSS is the segment size assumed when the peer sends no MSS option (RFC 9293 section 3.7.1).
const DefaultMSS = 536

const sizeOptMSS = 4

// putMSSOption writes a maximum segment size option to dst.
func putMSSOption(dst []byte, mss uint16) int {
	dst[0] = byte(OptMaxSegmentSize)
	dst[1] = sizeOptMSS
	dst[2] = byte(mss >> 8)
	dst[3] = byte(mss)
	return sizeOptMSS
}

// forEachOption calls fn for every option in opts except END and NOP.
// Unknown options are skipped by their length byte.
func forEachOption(opts []byte, fn func(kind OptionKind, data []byte)) error {
	off := 0
	for off < len(opts) {
		kind := OptionKind(opts[off])
		if kind == OptEnd {
			break
		}
		off++
		if kind == OptNop {
			continue
		}
		if off >= len(opts) {
			return ktcp.ErrShortBuffer
		}
		size := int(opts[off]) // Total option length including kind and length bytes.
		off++
		dataLen := size - 2
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return ktcp.ErrInvalidLengthField
		}
		fn(kind, opts[off:off+dataLen])
		off += dataLen
	}
	return nil
}

// parseMSS returns the MSS option value in opts or 0 if absent.
// A malformed option list yields an error.
func parseMSS(opts []byte) (mss uint16, err error) {
	err = forEachOption(opts, func(kind OptionKind, data []byte) {
		if kind == OptMaxSegmentSize && len(data) == 2 {
			mss = uint16(data[0])<<8 | uint16(data[1])
		}
	})
	return mss, err
}
