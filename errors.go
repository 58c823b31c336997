package ktcp

type errGeneric uint8

// Generic errors common to packet handling. They are returned
// to the packet source for accounting and never reach sockets.
const (
	_                     errGeneric = iota // non-initialized err
	ErrPacketDrop                           // packet dropped
	ErrBadCRC                               // incorrect checksum
	ErrShortBuffer                          // short buffer
	ErrInvalidLengthField                   // invalid length field
	ErrInvalidField                         // invalid field
	ErrZeroSource                           // zero source port or address
	ErrZeroDestination                      // zero destination port or address
	ErrMismatchLen                          // length field mismatch
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrShortBuffer:
		return "short buffer"
	case ErrInvalidLengthField:
		return "invalid length field"
	case ErrInvalidField:
		return "invalid field"
	case ErrZeroSource:
		return "zero source port or address"
	case ErrZeroDestination:
		return "zero destination port or address"
	case ErrMismatchLen:
		return "length field mismatch"
	}
	return "errGeneric(?)"
}
