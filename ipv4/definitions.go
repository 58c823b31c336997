package ipv4

const (
	sizeHeader = 20
)

// Flags holds fragmentation field data of an IPv4 header. It is 16 bits long.
type Flags uint16

const (
	FlagOffsetMask          = 1<<13 - 1
	FlagMoreFragments Flags = 1 << 13
	FlagDontFragment  Flags = 1 << 14
)

// DontFragment specifies whether the datagram can not be fragmented.
func (f Flags) DontFragment() bool { return f&FlagDontFragment != 0 }

// MoreFragments is cleared for unfragmented packets.
func (f Flags) MoreFragments() bool { return f&FlagMoreFragments != 0 }

// FragmentOffset specifies the offset of a fragment relative to the
// beginning of the original datagram in units of 8 bytes.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & FlagOffsetMask }

// IsFragment reports whether the packet is part of a fragmented datagram.
func (f Flags) IsFragment() bool { return f.MoreFragments() || f.FragmentOffset() != 0 }
