package internal

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
)

// SlogAddr4 returns a slog.Attr for a 4-byte IPv4 address
// packed into a uint64 without allocating a string.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	u64Addr := uint64(binary.BigEndian.Uint32(addr[:]))
	return slog.Uint64(key, u64Addr)
}

// SlogAddrPort returns a string slog.Attr for an address-port pair.
func SlogAddrPort(key string, addr [4]byte, port uint16) slog.Attr {
	return slog.String(key, netip.AddrPortFrom(netip.AddrFrom4(addr), port).String())
}
